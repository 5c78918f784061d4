package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownSubscription reports a reference that resolves to no active
// PullPoint. Surfaced to the caller explicitly, never swallowed.
var ErrUnknownSubscription = errors.New("unknown subscription reference")

// ErrSuperseded reports a long poll that was displaced by a newer
// PullMessages call on the same subscription. The displaced caller gets no
// delivery.
var ErrSuperseded = errors.New("pull superseded by a newer request")

const (
	defaultTimeoutInterval = time.Minute
	defaultMaxTimeout      = 5 * time.Minute
	defaultMaxMessages     = 50
)

// SubscriptionInfo is returned on PullPoint creation and renewal.
type SubscriptionInfo struct {
	Reference       string
	CurrentTime     time.Time
	TerminationTime time.Time
}

// Manager owns the generator set and the PullPoint registry. Every state
// transition of the engine runs on its single worker goroutine: calls
// arriving from HTTP-serving goroutines are posted onto the worker's job
// queue, never executed directly. That serialization is what keeps the
// PullPoint state machine lock-free.
type Manager struct {
	log *zap.Logger

	jobs chan func()
	done chan struct{}

	generators []*Generator
	pullpoints []*PullPoint
	nextSubID  int

	referencePrefix string
	timeoutInterval time.Duration
	maxTimeout      time.Duration
	maxMessages     int
	clock           func() time.Time
}

// ManagerOption tweaks a Manager at construction.
type ManagerOption func(*Manager)

// WithTimeoutInterval sets the subscription lifetime used for termination
// times.
func WithTimeoutInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeoutInterval = d }
}

// WithMaxTimeout caps the per-call PullMessages timeout.
func WithMaxTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.maxTimeout = d }
}

// WithMaxMessages bounds every PullPoint's queue.
func WithMaxMessages(n int) ManagerOption {
	return func(m *Manager) { m.maxMessages = n }
}

// WithManagerClock replaces the wall clock (tests).
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = now }
}

// NewManager creates a manager issuing references under the given path
// prefix, e.g. "onvif/event_service".
func NewManager(log *zap.Logger, referencePrefix string, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:             log.Named("notifications"),
		jobs:            make(chan func(), 64),
		done:            make(chan struct{}),
		referencePrefix: strings.Trim(referencePrefix, "/"),
		timeoutInterval: defaultTimeoutInterval,
		maxTimeout:      defaultMaxTimeout,
		maxMessages:     defaultMaxMessages,
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddGenerator registers a producer with its emission interval. Must be
// called before Run; the generator set is fixed afterwards.
func (m *Manager) AddGenerator(p Producer, interval time.Duration) {
	m.generators = append(m.generators, newGenerator(p, interval, m.post))
}

// Producers returns the registered producers, in registration order.
func (m *Manager) Producers() []Producer {
	out := make([]Producer, len(m.generators))
	for i, g := range m.generators {
		out[i] = g.Producer()
	}
	return out
}

// Run starts the worker and arms every generator's recurring timer.
func (m *Manager) Run() {
	go m.loop()
	m.post(func() {
		for _, g := range m.generators {
			g.Run()
		}
		m.log.Debug("notifications manager running",
			zap.Int("generators", len(m.generators)))
	})
}

// Close stops the generators, terminates every PullPoint and shuts the
// worker down.
func (m *Manager) Close() {
	m.call(func() {
		for _, g := range m.generators {
			g.Stop()
		}
		for _, p := range m.pullpoints {
			p.terminate()
		}
		m.pullpoints = nil
	})
	close(m.done)
}

func (m *Manager) loop() {
	for {
		select {
		case job := <-m.jobs:
			job()
		case <-m.done:
			return
		}
	}
}

// post enqueues a job for the worker without waiting for it.
func (m *Manager) post(job func()) {
	select {
	case m.jobs <- job:
	case <-m.done:
	}
}

// call enqueues a job and waits for the worker to run it.
func (m *Manager) call(job func()) {
	ran := make(chan struct{})
	m.post(func() {
		job()
		close(ran)
	})
	select {
	case <-ran:
	case <-m.done:
	}
}

// CreatePullPoint allocates a PullPoint with a fresh unique reference,
// connects it to every registered generator and adds it to the registry.
func (m *Manager) CreatePullPoint() SubscriptionInfo {
	var info SubscriptionInfo
	m.call(func() {
		ref := fmt.Sprintf("%s/s%d", m.referencePrefix, m.nextSubID)
		m.nextSubID++

		pp := newPullPoint(ref, m.timeoutInterval, m.maxMessages, m.post, m.clock)
		for _, g := range m.generators {
			pp.connect(g)
		}
		m.pullpoints = append(m.pullpoints, pp)

		m.log.Debug("pullpoint created", zap.String("reference", ref))
		info = SubscriptionInfo{
			Reference:       ref,
			CurrentTime:     pp.LastRenew(),
			TerminationTime: pp.TerminationTime(),
		}
	})
	return info
}

// resolve finds the PullPoint whose stored reference is a trailing
// substring of the caller's reference; clients echo the reference back with
// a scheme/host/port prefix the registry never stored. Worker only.
func (m *Manager) resolve(reference string) *PullPoint {
	for _, pp := range m.pullpoints {
		if strings.HasSuffix(reference, pp.Reference()) {
			return pp
		}
	}
	return nil
}

// PullMessages forwards a long poll to the resolved PullPoint and blocks
// the calling goroutine (not the worker) until a batch is delivered, the
// timeout fires, the wait is superseded by a newer call, or ctx is done.
func (m *Manager) PullMessages(ctx context.Context, reference string, timeout time.Duration) (PullBatch, error) {
	if timeout <= 0 || timeout > m.maxTimeout {
		timeout = m.maxTimeout
	}

	sink := make(chan PullBatch, 1)
	errc := make(chan error, 1)
	m.post(func() {
		pp := m.resolve(reference)
		if pp == nil {
			m.log.Error("subscription reference not found", zap.String("reference", reference))
			errc <- ErrUnknownSubscription
			return
		}
		pp.PullMessages(sink, timeout)
	})

	select {
	case err := <-errc:
		return PullBatch{}, err
	case batch, ok := <-sink:
		if !ok {
			return PullBatch{}, ErrSuperseded
		}
		return batch, nil
	case <-ctx.Done():
		return PullBatch{}, ctx.Err()
	}
}

// Unsubscribe tears the resolved PullPoint down and removes it from the
// registry. An unknown reference is an explicit error, not a no-op.
func (m *Manager) Unsubscribe(reference string) error {
	var err error
	m.call(func() {
		pp := m.resolve(reference)
		if pp == nil {
			err = ErrUnknownSubscription
			return
		}
		pp.terminate()
		for i, cand := range m.pullpoints {
			if cand == pp {
				m.pullpoints = append(m.pullpoints[:i], m.pullpoints[i+1:]...)
				break
			}
		}
		m.log.Debug("pullpoint unsubscribed", zap.String("reference", pp.Reference()))
	})
	return err
}

// Renew extends the resolved subscription's termination time.
func (m *Manager) Renew(reference string) (SubscriptionInfo, error) {
	var (
		info SubscriptionInfo
		err  error
	)
	m.call(func() {
		pp := m.resolve(reference)
		if pp == nil {
			err = ErrUnknownSubscription
			return
		}
		pp.Renew()
		info = SubscriptionInfo{
			Reference:       pp.Reference(),
			CurrentTime:     pp.LastRenew(),
			TerminationTime: pp.TerminationTime(),
		}
	})
	return info, err
}

// SetSynchronizationPoint reseeds the resolved PullPoint's queue with the
// current state of every connected generator.
func (m *Manager) SetSynchronizationPoint(reference string) error {
	var err error
	m.call(func() {
		pp := m.resolve(reference)
		if pp == nil {
			err = ErrUnknownSubscription
			return
		}
		pp.SetSynchronizationPoint()
	})
	return err
}
