package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubProducer never emits on its own; tests inject events directly.
type stubProducer struct {
	topic string
	sync  []NotificationMessage
}

func (p *stubProducer) Topic() string                  { return p.topic }
func (p *stubProducer) GenerateEvent() []NotificationMessage { return nil }
func (p *stubProducer) GenerateSynchronizationEvent() []NotificationMessage {
	return p.sync
}
func (p *stubProducer) Descriptor() TopicDescriptor {
	return TopicDescriptor{Topic: p.topic}
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(zap.NewNop(), "onvif/event_service", opts...)
	m.AddGenerator(&stubProducer{topic: "tns1:Device/Trigger/DigitalInput"}, time.Hour)
	m.Run()
	t.Cleanup(m.Close)
	return m
}

// inject delivers a message to the subscription's PullPoint on the worker,
// the same path a generator tick takes.
func inject(t *testing.T, m *Manager, ref string, msg NotificationMessage) {
	t.Helper()
	done := make(chan struct{})
	m.post(func() {
		pp := m.resolve(ref)
		require.NotNil(t, pp)
		pp.Notify(msg)
		close(done)
	})
	<-done
}

func msg(data string) NotificationMessage {
	return NotificationMessage{
		Topic:             "tns1:Device/Trigger/DigitalInput",
		UTCTime:           time.Now(),
		PropertyOperation: Changed,
		Source:            []SimpleItem{{Name: "InputToken", Value: "DIGIT_INPUT_0"}},
		DataName:          "LogicalState",
		DataValue:         data,
	}
}

func TestCreatePullPointReferences(t *testing.T) {
	m := newTestManager(t)

	first := m.CreatePullPoint()
	second := m.CreatePullPoint()

	require.Equal(t, "onvif/event_service/s0", first.Reference)
	require.Equal(t, "onvif/event_service/s1", second.Reference)
	require.True(t, first.TerminationTime.After(first.CurrentTime))
}

func TestPullImmediateDelivery(t *testing.T) {
	m := newTestManager(t)
	sub := m.CreatePullPoint()

	e := msg("true")
	inject(t, m, sub.Reference, e)

	batch, err := m.PullMessages(context.Background(), sub.Reference, time.Minute)
	require.NoError(t, err)
	require.Equal(t, sub.Reference, batch.SubscriptionReference)
	require.Equal(t, []NotificationMessage{e}, batch.Messages)

	// the queue was drained: the next poll times out empty
	batch, err = m.PullMessages(context.Background(), sub.Reference, 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, batch.Messages)
}

func TestPullDeliveryWhileWaiting(t *testing.T) {
	m := newTestManager(t)
	sub := m.CreatePullPoint()

	type result struct {
		batch PullBatch
		err   error
	}
	got := make(chan result, 1)
	go func() {
		b, err := m.PullMessages(context.Background(), sub.Reference, time.Minute)
		got <- result{b, err}
	}()

	// wait until the poll is registered on the worker
	require.Eventually(t, func() bool {
		var waiting bool
		m.call(func() { waiting = m.resolve(sub.Reference).waiting })
		return waiting
	}, time.Second, 5*time.Millisecond)

	e := msg("true")
	inject(t, m, sub.Reference, e)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		require.Equal(t, []NotificationMessage{e}, r.batch.Messages)
	case <-time.After(time.Second):
		t.Fatal("delivery did not happen")
	}
}

func TestPullTimeoutDeliversEmptyBatch(t *testing.T) {
	m := newTestManager(t)
	sub := m.CreatePullPoint()

	start := time.Now()
	batch, err := m.PullMessages(context.Background(), sub.Reference, 80*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, batch.Messages)
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestPullFIFO(t *testing.T) {
	m := newTestManager(t)
	sub := m.CreatePullPoint()

	a, b, c := msg("a"), msg("b"), msg("c")
	inject(t, m, sub.Reference, a)
	inject(t, m, sub.Reference, b)
	inject(t, m, sub.Reference, c)

	batch, err := m.PullMessages(context.Background(), sub.Reference, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []NotificationMessage{a, b, c}, batch.Messages)
}

func TestPullSupersession(t *testing.T) {
	m := newTestManager(t)
	sub := m.CreatePullPoint()

	firstErr := make(chan error, 1)
	go func() {
		_, err := m.PullMessages(context.Background(), sub.Reference, time.Minute)
		firstErr <- err
	}()

	require.Eventually(t, func() bool {
		var waiting bool
		m.call(func() { waiting = m.resolve(sub.Reference).waiting })
		return waiting
	}, time.Second, 5*time.Millisecond)

	type result struct {
		batch PullBatch
		err   error
	}
	second := make(chan result, 1)
	go func() {
		b, err := m.PullMessages(context.Background(), sub.Reference, time.Minute)
		second <- result{b, err}
	}()

	// the first waiter is displaced, never double-delivered
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("first pull was not superseded")
	}

	e := msg("true")
	inject(t, m, sub.Reference, e)

	select {
	case r := <-second:
		require.NoError(t, r.err)
		require.Equal(t, []NotificationMessage{e}, r.batch.Messages)
	case <-time.After(time.Second):
		t.Fatal("second pull got no delivery")
	}
}

func TestReferenceSuffixResolution(t *testing.T) {
	m := newTestManager(t)
	sub := m.CreatePullPoint() // onvif/event_service/s0

	inject(t, m, sub.Reference, msg("true"))

	// the caller presents the full URI, the registry stores the short path
	full := "http://127.0.0.1:8080/onvif/event_service/s0"
	batch, err := m.PullMessages(context.Background(), full, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)

	_, err = m.PullMessages(context.Background(), "http://127.0.0.1:8080/onvif/event_service/s1", time.Minute)
	require.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestUnsubscribe(t *testing.T) {
	m := newTestManager(t)
	first := m.CreatePullPoint()
	second := m.CreatePullPoint()

	require.NoError(t, m.Unsubscribe(first.Reference))

	// gone for every later call
	_, err := m.PullMessages(context.Background(), first.Reference, time.Minute)
	require.ErrorIs(t, err, ErrUnknownSubscription)
	require.ErrorIs(t, m.Unsubscribe(first.Reference), ErrUnknownSubscription)

	// other subscriptions are unaffected
	inject(t, m, second.Reference, msg("true"))
	batch, err := m.PullMessages(context.Background(), second.Reference, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
}

func TestUnsubscribeUnknownReference(t *testing.T) {
	m := newTestManager(t)
	require.ErrorIs(t, m.Unsubscribe("onvif/event_service/s42"), ErrUnknownSubscription)
}

func TestRenewExtendsTermination(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, WithManagerClock(func() time.Time { return now }))
	sub := m.CreatePullPoint()

	now = now.Add(30 * time.Second)
	info, err := m.Renew(sub.Reference)
	require.NoError(t, err)
	require.Equal(t, sub.TerminationTime.Add(30*time.Second), info.TerminationTime)

	_, err = m.Renew("onvif/event_service/s99")
	require.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestSetSynchronizationPoint(t *testing.T) {
	m := NewManager(zap.NewNop(), "onvif/event_service")
	baseline := []NotificationMessage{
		{Topic: "tns1:Device/Trigger/DigitalInput", PropertyOperation: Initialized, DataName: "LogicalState", DataValue: "false"},
	}
	m.AddGenerator(&stubProducer{topic: "tns1:Device/Trigger/DigitalInput", sync: baseline}, time.Hour)
	m.Run()
	t.Cleanup(m.Close)

	sub := m.CreatePullPoint()

	// queued history is discarded in favor of the snapshot
	inject(t, m, sub.Reference, msg("stale"))
	require.NoError(t, m.SetSynchronizationPoint(sub.Reference))

	batch, err := m.PullMessages(context.Background(), sub.Reference, time.Minute)
	require.NoError(t, err)
	require.Equal(t, baseline, batch.Messages)

	require.ErrorIs(t, m.SetSynchronizationPoint("onvif/event_service/s77"), ErrUnknownSubscription)
}

func TestQueueBoundedByMaxMessages(t *testing.T) {
	m := newTestManager(t, WithMaxMessages(3))
	sub := m.CreatePullPoint()

	inject(t, m, sub.Reference, msg("1"))
	inject(t, m, sub.Reference, msg("2"))
	inject(t, m, sub.Reference, msg("3"))
	inject(t, m, sub.Reference, msg("4"))

	batch, err := m.PullMessages(context.Background(), sub.Reference, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch.Messages, 3)
	// oldest dropped first
	require.Equal(t, "2", batch.Messages[0].DataValue)
	require.Equal(t, "4", batch.Messages[2].DataValue)
}

func TestGeneratorTicksReachSubscriber(t *testing.T) {
	m := NewManager(zap.NewNop(), "onvif/event_service")
	m.AddGenerator(NewMotionAlarmProducer("tns1:VideoSource/MotionAlarm", "VideoSource_0"), 20*time.Millisecond)
	m.Run()
	t.Cleanup(m.Close)

	sub := m.CreatePullPoint()

	batch, err := m.PullMessages(context.Background(), sub.Reference, 2*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, batch.Messages)
	require.Equal(t, "tns1:VideoSource/MotionAlarm", batch.Messages[0].Topic)
	require.Equal(t, "true", batch.Messages[0].DataValue)
}

func TestPullContextCancellation(t *testing.T) {
	m := newTestManager(t)
	sub := m.CreatePullPoint()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := m.PullMessages(ctx, sub.Reference, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
