package sync

import (
	"time"

	"github.com/kimhsiao/evalsync/internal/sync/connectivity"
)

// Strategy is the batching policy for one sync cycle.
type Strategy struct {
	BatchSize     int           `json:"batchSize"`
	RequestDelay  time.Duration `json:"requestDelay"`
	BatchDelay    time.Duration `json:"batchDelay"`
	Timeout       time.Duration `json:"timeout"`
	MaxConcurrent int           `json:"maxConcurrent"`
}

var strategies = map[connectivity.Quality]Strategy{
	connectivity.QualityExcellent: {
		BatchSize:    5,
		RequestDelay: 100 * time.Millisecond,
		BatchDelay:   500 * time.Millisecond,
		Timeout:      10 * time.Second,
	},
	connectivity.QualityGood: {
		BatchSize:    3,
		RequestDelay: 300 * time.Millisecond,
		BatchDelay:   1000 * time.Millisecond,
		Timeout:      15 * time.Second,
	},
	connectivity.QualityPoor: {
		BatchSize:    1,
		RequestDelay: 1000 * time.Millisecond,
		BatchDelay:   3000 * time.Millisecond,
		Timeout:      30 * time.Second,
	},
}

var defaultStrategy = Strategy{
	BatchSize:    2,
	RequestDelay: 500 * time.Millisecond,
	BatchDelay:   1500 * time.Millisecond,
	Timeout:      20 * time.Second,
}

// StrategyFor returns the policy for a quality tier. Unknown tiers, including
// an unverified link, get the default policy.
//
// MaxConcurrent always equals BatchSize: every item of a batch is in flight
// at once.
func StrategyFor(q connectivity.Quality) Strategy {
	s, ok := strategies[q]
	if !ok {
		s = defaultStrategy
	}
	s.MaxConcurrent = s.BatchSize
	return s
}

// partition splits items into consecutive batches of size n.
func partition[T any](items []T, n int) [][]T {
	if n < 1 {
		n = 1
	}
	batches := make([][]T, 0, (len(items)+n-1)/n)
	for start := 0; start < len(items); start += n {
		end := start + n
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
