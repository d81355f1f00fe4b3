// Package connectivity classifies the link to the server and emits state
// transitions for the sync scheduler.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kimhsiao/evalsync/internal/errors"
	"github.com/kimhsiao/evalsync/internal/logging"
)

// State is a node of the connectivity state machine.
type State string

const (
	StateOffline          State = "offline"
	StateOnlineUnverified State = "online_unverified"
	StateOnlineExcellent  State = "online_excellent"
	StateOnlineGood       State = "online_good"
	StateOnlinePoor       State = "online_poor"
)

// IsOnline reports whether the runtime considers the device online.
func (s State) IsOnline() bool {
	return s != StateOffline
}

// Quality is the coarse link tier that drives sync strategy selection.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// Quality maps a state to its tier. OnlineUnverified has no tier yet and
// reports "" so callers fall back to their default.
func (s State) Quality() Quality {
	switch s {
	case StateOnlineExcellent:
		return QualityExcellent
	case StateOnlineGood:
		return QualityGood
	case StateOnlinePoor:
		return QualityPoor
	case StateOffline:
		return QualityOffline
	}
	return ""
}

// Latency thresholds for Classify.
const (
	ExcellentBelow = 500 * time.Millisecond
	GoodBelow      = 2000 * time.Millisecond
)

// Classify maps a probe round trip to a quality tier.
func Classify(rtt time.Duration) Quality {
	switch {
	case rtt < ExcellentBelow:
		return QualityExcellent
	case rtt < GoodBelow:
		return QualityGood
	default:
		return QualityPoor
	}
}

func stateFor(q Quality) State {
	switch q {
	case QualityExcellent:
		return StateOnlineExcellent
	case QualityGood:
		return StateOnlineGood
	default:
		return StateOnlinePoor
	}
}

// Prober measures one round trip against a lightweight endpoint.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// Config holds the monitor timings.
type Config struct {
	SettleDelay   time.Duration
	ProbeTimeout  time.Duration
	RetryInterval time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		SettleDelay:   time.Second,
		ProbeTimeout:  5 * time.Second,
		RetryInterval: 5 * time.Second,
	}
}

// Transition is emitted on every state change.
type Transition struct {
	From    State         `json:"from"`
	To      State         `json:"to"`
	Quality Quality       `json:"quality"`
	RTT     time.Duration `json:"rtt"`
	At      time.Time     `json:"at"`
}

const subscriberBuffer = 16

// Monitor tracks connectivity. The zero state is Offline until SetOnline(true).
type Monitor struct {
	prober Prober
	cfg    Config

	mu     sync.Mutex
	state  State
	rtt    time.Duration
	subs   []chan Transition
	gen    uint64
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor in the Offline state.
func NewMonitor(prober Prober, cfg Config) *Monitor {
	return &Monitor{
		prober: prober,
		cfg:    cfg,
		state:  StateOffline,
	}
}

// Subscribe returns a channel receiving every subsequent transition.
// The channel is closed by Close.
func (m *Monitor) Subscribe() <-chan Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Transition, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Quality returns the current tier.
func (m *Monitor) Quality() Quality {
	return m.State().Quality()
}

// IsOnline reports whether the device is in any online state.
func (m *Monitor) IsOnline() bool {
	return m.State().IsOnline()
}

// RTT returns the last successful probe round trip.
func (m *Monitor) RTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtt
}

// SetOnline feeds the runtime online/offline signal.
// Going online moves to OnlineUnverified and probes after the settle delay.
// Going offline stops probing and moves to Offline immediately.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if online {
		if m.state.IsOnline() {
			return
		}
		m.transitionLocked(StateOnlineUnverified, 0)
		m.startProbingLocked(m.cfg.SettleDelay)
		return
	}

	m.stopProbingLocked()
	m.transitionLocked(StateOffline, 0)
}

// Recheck probes once while online and updates the tier. A failed probe
// moves to Offline and starts the retry loop.
func (m *Monitor) Recheck(ctx context.Context) (Quality, error) {
	m.mu.Lock()
	if !m.state.IsOnline() || m.closed {
		m.mu.Unlock()
		return QualityOffline, errors.New(errors.ErrSyncOffline, "device is offline")
	}
	gen := m.gen
	m.mu.Unlock()

	rtt, err := m.probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		// Superseded by a runtime signal while probing.
		return m.state.Quality(), nil
	}
	if err != nil {
		m.transitionLocked(StateOffline, 0)
		m.startProbingLocked(0)
		return QualityOffline, err
	}
	q := Classify(rtt)
	m.transitionLocked(stateFor(q), rtt)
	return q, nil
}

// Close stops probing and closes every subscriber channel.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopProbingLocked()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.mu.Unlock()
}

func (m *Monitor) probe(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	return m.prober.Probe(ctx)
}

// startProbingLocked replaces any running probe loop with a new one.
func (m *Monitor) startProbingLocked(settle time.Duration) {
	m.stopProbingLocked()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	gen := m.gen

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probeLoop(ctx, gen, settle)
	}()
}

func (m *Monitor) stopProbingLocked() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// probeLoop waits settle, then probes until one succeeds, backing off a
// constant RetryInterval between attempts.
func (m *Monitor) probeLoop(ctx context.Context, gen uint64, settle time.Duration) {
	if settle > 0 {
		t := time.NewTimer(settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	attempt := 0
	_ = retry.Do(ctx, retry.NewConstant(m.cfg.RetryInterval), func(ctx context.Context) error {
		attempt++
		rtt, err := m.probe(ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen {
			return nil
		}
		if err != nil {
			logging.Debug("Connectivity probe failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			m.transitionLocked(StateOffline, 0)
			return retry.RetryableError(err)
		}

		m.transitionLocked(stateFor(Classify(rtt)), rtt)
		return nil
	})
}

// transitionLocked moves to the given state and notifies subscribers.
// A transition to the current state is a no-op.
func (m *Monitor) transitionLocked(to State, rtt time.Duration) {
	if rtt > 0 {
		m.rtt = rtt
	}
	if to == m.state {
		return
	}

	t := Transition{
		From:    m.state,
		To:      to,
		Quality: to.Quality(),
		RTT:     rtt,
		At:      time.Now(),
	}
	m.state = to

	logging.Info("Connectivity changed", map[string]interface{}{
		"from":    string(t.From),
		"to":      string(t.To),
		"rtt_ms":  rtt.Milliseconds(),
		"quality": string(t.Quality),
	})

	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			logging.Warn("Dropped connectivity transition for slow subscriber", map[string]interface{}{
				"to": string(t.To),
			})
		}
	}
}
