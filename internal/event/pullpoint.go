package event

import (
	"time"
)

// PullBatch is one delivery to a waiting subscriber: the drained queue plus
// the subscription bookkeeping the response envelope needs.
type PullBatch struct {
	SubscriptionReference string
	Messages              []NotificationMessage
	CurrentTime           time.Time
	TerminationTime       time.Time
}

type generatorLink struct {
	generator *Generator
	handle    int
}

// PullPoint is one subscriber's mailbox. Events queue up FIFO until the
// subscriber's long-poll collects them, or until the poll's timeout fires
// and an empty batch is delivered.
//
// Every method runs on the notification worker; nothing here locks.
type PullPoint struct {
	ref         string
	maxMessages int

	queue   []NotificationMessage
	waiting bool
	sink    chan<- PullBatch

	timer    *time.Timer
	timerGen int

	timeoutInterval time.Duration
	lastRenew       time.Time

	links      []generatorLink
	terminated bool

	post  func(func())
	clock func() time.Time
}

func newPullPoint(ref string, timeoutInterval time.Duration, maxMessages int, post func(func()), clock func() time.Time) *PullPoint {
	return &PullPoint{
		ref:             ref,
		maxMessages:     maxMessages,
		timeoutInterval: timeoutInterval,
		lastRenew:       clock(),
		post:            post,
		clock:           clock,
	}
}

// Reference returns the server-issued subscription reference (the short
// form, without scheme/host prefix).
func (p *PullPoint) Reference() string { return p.ref }

// LastRenew returns the creation or last renewal time.
func (p *PullPoint) LastRenew() time.Time { return p.lastRenew }

// TerminationTime returns when the subscription expires unless renewed.
func (p *PullPoint) TerminationTime() time.Time {
	return p.lastRenew.Add(p.timeoutInterval)
}

func (p *PullPoint) connect(g *Generator) {
	handle := g.Connect(p.Notify)
	p.links = append(p.links, generatorLink{generator: g, handle: handle})
}

// PullMessages records sink as the pending response and either answers
// immediately (non-empty queue) or arms the timeout. A second call before
// delivery supersedes the first: the previous sink is closed undelivered.
func (p *PullPoint) PullMessages(sink chan<- PullBatch, timeout time.Duration) {
	if p.terminated {
		close(sink)
		return
	}

	if p.sink != nil {
		close(p.sink)
	}
	p.sink = sink
	p.waiting = true

	if len(p.queue) > 0 {
		p.respond()
		return
	}

	p.stopTimer()
	gen := p.timerGen
	p.timer = time.AfterFunc(timeout, func() {
		p.post(func() {
			if gen != p.timerGen {
				return
			}
			// timeout with nothing queued: an empty batch is a valid response
			p.respond()
		})
	})
}

// Notify appends an event to the queue tail and, if a client is waiting,
// responds immediately; the armed timeout is an upper bound on latency, not
// a required wait.
func (p *PullPoint) Notify(msg NotificationMessage) {
	if p.terminated {
		return
	}

	p.queue = append(p.queue, msg)
	if over := len(p.queue) - p.maxMessages; over > 0 {
		p.queue = p.queue[over:]
	}

	if p.waiting {
		p.respond()
	}
}

// SetSynchronizationPoint replaces the queue with a state snapshot from
// every connected generator, in connection order.
func (p *PullPoint) SetSynchronizationPoint() {
	if p.terminated {
		return
	}

	p.queue = p.queue[:0]
	for _, link := range p.links {
		p.queue = append(p.queue, link.generator.Producer().GenerateSynchronizationEvent()...)
	}

	if p.waiting && len(p.queue) > 0 {
		p.respond()
	}
}

// Renew pushes the termination time forward.
func (p *PullPoint) Renew() {
	p.lastRenew = p.clock()
}

// respond drains the whole queue into the pending sink and resets the
// waiting state. Delivery is drain-all rather than bounded by the client's
// message limit; the queue itself is capped by maxMessages.
func (p *PullPoint) respond() {
	if !p.waiting || p.sink == nil {
		return
	}

	batch := PullBatch{
		SubscriptionReference: p.ref,
		Messages:              p.queue,
		CurrentTime:           p.clock(),
		TerminationTime:       p.TerminationTime(),
	}
	p.queue = nil

	p.stopTimer()
	sink := p.sink
	p.sink = nil
	p.waiting = false

	sink <- batch
}

// terminate disconnects from every generator, cancels the timer and closes
// any pending sink. The PullPoint accepts no further transitions.
func (p *PullPoint) terminate() {
	if p.terminated {
		return
	}
	p.terminated = true

	for _, link := range p.links {
		link.generator.Disconnect(link.handle)
	}
	p.links = nil

	p.stopTimer()
	if p.sink != nil {
		close(p.sink)
		p.sink = nil
	}
	p.waiting = false
	p.queue = nil
}

func (p *PullPoint) stopTimer() {
	p.timerGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
