package reconcile

import (
	"sort"

	"github.com/kimhsiao/evalsync/internal/logging"
	"github.com/kimhsiao/evalsync/internal/models"
)

// rank orders candidates for one composite key; higher wins.
func rank(h *models.HybridEvaluation) int {
	switch {
	case h.Source == models.SourceServer:
		return 2
	case h.Synced:
		return 1
	default:
		return 0
	}
}

// prefer reports whether candidate should replace current.
// Server beats local; among locals synced beats unsynced, then the newest
// capture wins.
func prefer(candidate, current *models.HybridEvaluation) bool {
	rc, rk := rank(candidate), rank(current)
	if rc != rk {
		return rc > rk
	}
	return candidate.SyncTimestamp() > current.SyncTimestamp()
}

// Dedup keeps exactly one record per composite key.
func Dedup(records []models.HybridEvaluation) []models.HybridEvaluation {
	winners := make(map[models.CompositeKey]int, len(records))
	out := make([]models.HybridEvaluation, 0, len(records))

	for i := range records {
		r := &records[i]
		key := r.Key()

		idx, seen := winners[key]
		if !seen {
			winners[key] = len(out)
			out = append(out, *r)
			continue
		}

		current := &out[idx]
		if prefer(r, current) {
			if r.Source == models.SourceServer && !current.Synced {
				logging.Info("Server record supersedes unsynced local capture", map[string]interface{}{
					"key":       key.String(),
					"server_id": r.ID,
					"local_id":  current.ID,
				})
			}
			out[idx] = *r
		}
	}
	return out
}

// sortForReport orders by checklist date descending, then location id.
func sortForReport(records []models.HybridEvaluation) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].ChecklistDate != records[j].ChecklistDate {
			return records[i].ChecklistDate > records[j].ChecklistDate
		}
		return records[i].LocationID < records[j].LocationID
	})
}
