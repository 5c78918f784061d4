package event

import "time"

// Producer is the polymorphic core of an event generator: what state it
// inspects and toggles, and what identifying fields it attaches. The timer
// and observer plumbing around it is shared (Generator).
type Producer interface {
	// Topic returns the topic the producer emits under.
	Topic() string

	// GenerateEvent advances the simulated state and returns the resulting
	// messages. Zero messages is a valid outcome for a tick.
	GenerateEvent() []NotificationMessage

	// GenerateSynchronizationEvent describes the current state without
	// advancing it. Used to seed a new subscriber with a baseline snapshot.
	GenerateSynchronizationEvent() []NotificationMessage

	// Descriptor returns the static topic shape for GetEventProperties.
	Descriptor() TopicDescriptor
}

// Observer receives messages from a connected generator, one call per
// message, in generation order. Observers run on the notification worker
// and must not block.
type Observer func(NotificationMessage)

type observerEntry struct {
	handle int
	fn     Observer
}

// Generator wraps a Producer with a recurring alarm and a disconnect-capable
// observer list. All methods must run on the notification worker; the
// manager posts the timer callbacks back onto it.
type Generator struct {
	producer Producer
	interval time.Duration

	// post serializes timer callbacks onto the notification worker.
	post func(func())

	running    bool
	timer      *time.Timer
	timerGen   int
	observers  []observerEntry
	nextHandle int
}

func newGenerator(p Producer, interval time.Duration, post func(func())) *Generator {
	return &Generator{producer: p, interval: interval, post: post}
}

// Producer returns the wrapped producer.
func (g *Generator) Producer() Producer { return g.producer }

// Run arms the recurring alarm. Each tick generates events, notifies the
// observers and re-arms; ticks are independent, there is no long-lived
// stream object.
func (g *Generator) Run() {
	if g.running {
		return
	}
	g.running = true
	g.arm()
}

// Stop cancels the alarm. Ticks already queued behind the cancellation are
// discarded by the generation check in arm.
func (g *Generator) Stop() {
	g.running = false
	g.timerGen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Generator) arm() {
	gen := g.timerGen
	g.timer = time.AfterFunc(g.interval, func() {
		g.post(func() {
			if !g.running || gen != g.timerGen {
				return
			}
			g.fire()
			g.arm()
		})
	})
}

func (g *Generator) fire() {
	for _, msg := range g.producer.GenerateEvent() {
		for _, obs := range g.observers {
			obs.fn(msg)
		}
	}
}

// Connect registers an observer and returns a handle for Disconnect.
func (g *Generator) Connect(obs Observer) int {
	g.nextHandle++
	g.observers = append(g.observers, observerEntry{handle: g.nextHandle, fn: obs})
	return g.nextHandle
}

// Disconnect removes a previously connected observer. Safe to call while a
// dispatch is in flight: both run on the worker, so the observer list never
// changes mid-iteration.
func (g *Generator) Disconnect(handle int) {
	for i, e := range g.observers {
		if e.handle == handle {
			g.observers = append(g.observers[:i], g.observers[i+1:]...)
			return
		}
	}
}
