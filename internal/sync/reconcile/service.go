// Package reconcile merges local captures and server-confirmed evaluations
// into one deduplicated view for reports and dashboards.
package reconcile

import (
	"context"
	"strconv"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/evalsync/internal/logging"
	"github.com/kimhsiao/evalsync/internal/models"
	"github.com/kimhsiao/evalsync/internal/store"
)

// DefaultFetchTimeout bounds the remote read.
const DefaultFetchTimeout = 10 * time.Second

// Fetcher reads server-confirmed evaluations.
type Fetcher interface {
	FetchCompanyEvaluations(ctx context.Context, companyID int64) ([]models.ServerEvaluation, error)
}

// Company is the element shape of the secure_companies list.
type Company struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// Service produces the hybrid evaluation view.
type Service struct {
	secure       *store.Secure
	fetcher      Fetcher
	fetchTimeout time.Duration
}

// NewService creates a Service. fetcher may be nil for local-only reads.
func NewService(secure *store.Secure, fetcher Fetcher, fetchTimeout time.Duration) *Service {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Service{
		secure:       secure,
		fetcher:      fetcher,
		fetchTimeout: fetchTimeout,
	}
}

// GetEvaluations returns one record per composite key matching filter,
// newest checklist date first. Remote failures degrade to local data; the
// only error is an invalid filter or an unreadable local store.
func (s *Service) GetEvaluations(ctx context.Context, filter Filter) ([]models.HybridEvaluation, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	local, err := s.loadLocal(ctx)
	if err != nil {
		return nil, err
	}
	server := s.fetchRemote(ctx, filter)

	// Server records first so ties among equals keep the server copy.
	merged := Dedup(append(server, local...))

	result := make([]models.HybridEvaluation, 0, len(merged))
	for i := range merged {
		if filter.Match(&merged[i]) {
			result = append(result, merged[i])
		}
	}
	sortForReport(result)

	logging.Debug("Hybrid evaluations resolved", map[string]interface{}{
		"local":    len(local),
		"server":   len(server),
		"returned": len(result),
	})
	return result, nil
}

// loadLocal collects every evaluation-shaped local record: the capture list,
// journaled captures and cached server records.
func (s *Service) loadLocal(ctx context.Context) ([]models.HybridEvaluation, error) {
	var out []models.HybridEvaluation

	pending := store.GetOr(ctx, s.secure, store.KeyEvaluations, []models.PendingEvaluation{})
	for i := range pending {
		out = append(out, models.HybridFromPending(&pending[i]))
	}

	journal, err := s.secure.List(ctx, store.PrefixOfflineChecklist)
	if err != nil {
		return nil, err
	}
	for _, r := range journal {
		var e models.PendingEvaluation
		if !s.secure.Decode(r.Key, r.Value, &e) || e.Validate() != nil {
			continue
		}
		out = append(out, models.HybridFromPending(&e))
	}

	cached, err := s.secure.List(ctx, store.PrefixEvaluation)
	if err != nil {
		return nil, err
	}
	for _, r := range cached {
		var e models.ServerEvaluation
		if !s.secure.Decode(r.Key, r.Value, &e) || e.Validate() != nil {
			continue
		}
		out = append(out, e.Cached())
	}
	return out, nil
}

// companies returns the companies to query remotely.
func (s *Service) companies(ctx context.Context, filter Filter) []int64 {
	if filter.CompanyID != nil {
		return []int64{*filter.CompanyID}
	}
	var ids []int64
	for _, c := range store.GetOr(ctx, s.secure, store.KeyCompanies, []Company{}) {
		if c.ID > 0 {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// fetchRemote reads every relevant company within the fetch timeout and
// caches what it got. Failures are logged and yield no records.
func (s *Service) fetchRemote(ctx context.Context, filter Filter) []models.HybridEvaluation {
	if s.fetcher == nil {
		return nil
	}
	companyIDs := s.companies(ctx, filter)
	if len(companyIDs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	var (
		mu      stdsync.Mutex
		fetched []models.ServerEvaluation
		g       errgroup.Group
	)
	for _, id := range companyIDs {
		companyID := id
		g.Go(func() error {
			records, err := s.fetcher.FetchCompanyEvaluations(ctx, companyID)
			if err != nil {
				logging.Warn("Remote evaluations unavailable, using local data", map[string]interface{}{
					"company_id": companyID,
					"error":      err.Error(),
				})
				return nil
			}
			// The composite key ignores company, so a record without one
			// would still win dedup and then fail the company filter.
			for i := range records {
				if records[i].CompanyID <= 0 {
					records[i].CompanyID = companyID
				}
			}
			mu.Lock()
			fetched = append(fetched, records...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]models.HybridEvaluation, 0, len(fetched))
	for i := range fetched {
		out = append(out, fetched[i].Hybrid())
	}
	s.cache(context.WithoutCancel(ctx), fetched)
	return out
}

// cache stores server records under evaluation_<id> so offline reads still
// see confirmed data.
func (s *Service) cache(ctx context.Context, records []models.ServerEvaluation) {
	for i := range records {
		key := store.PrefixEvaluation + strconv.FormatInt(records[i].ID, 10)
		if err := s.secure.PutJSON(ctx, key, &records[i]); err != nil {
			logging.Warn("Failed to cache server evaluation", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
}
