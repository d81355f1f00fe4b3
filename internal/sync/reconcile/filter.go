package reconcile

import (
	"fmt"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/models"
)

// Filter selects evaluations for a report. Dates are inclusive; empty
// bounds are open.
type Filter struct {
	StartDate   string  `json:"startDate"`
	EndDate     string  `json:"endDate"`
	LocationIDs []int64 `json:"locationIds,omitempty"`
	UserID      *int64  `json:"userId,omitempty"`
	CompanyID   *int64  `json:"companyId,omitempty"`
}

// Validate normalizes the date bounds.
func (f *Filter) Validate() error {
	for _, d := range []*string{&f.StartDate, &f.EndDate} {
		if *d == "" {
			continue
		}
		norm, err := models.NormalizeDate(*d)
		if err != nil {
			return errors.Wrap(errors.ErrInvalid, "invalid filter date", err)
		}
		*d = norm
	}
	if f.StartDate != "" && f.EndDate != "" && f.StartDate > f.EndDate {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("startDate %s is after endDate %s", f.StartDate, f.EndDate))
	}
	return nil
}

// Match reports whether h passes the filter.
func (f *Filter) Match(h *models.HybridEvaluation) bool {
	if f.StartDate != "" && h.ChecklistDate < f.StartDate {
		return false
	}
	if f.EndDate != "" && h.ChecklistDate > f.EndDate {
		return false
	}
	if f.UserID != nil && h.UserID != *f.UserID {
		return false
	}
	if f.CompanyID != nil && h.CompanyID != *f.CompanyID {
		return false
	}
	if len(f.LocationIDs) > 0 {
		found := false
		for _, id := range f.LocationIDs {
			if id == h.LocationID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
