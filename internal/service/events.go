package service

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/osrv/onvifsim/internal/auth"
	"github.com/osrv/onvifsim/internal/config"
	"github.com/osrv/onvifsim/internal/dispatch"
	"github.com/osrv/onvifsim/internal/event"
	"github.com/osrv/onvifsim/internal/soap"
)

// WS-Addressing action URIs the subscription endpoint dispatches on.
const (
	ActionPullMessages = "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/PullMessagesRequest"
	ActionRenew        = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/RenewRequest"
	ActionSetSyncPoint = "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/SetSynchronizationPointRequest"
	ActionUnsubscribe  = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/UnsubscribeRequest"

	actionPullMessagesResponse = "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/PullMessagesResponse"
	actionRenewResponse        = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/RenewResponse"
	actionSetSyncPointResponse = "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/SetSynchronizationPointResponse"
	actionUnsubscribeResponse  = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/UnsubscribeResponse"

	actionCreatePullPointResponse    = "http://www.onvif.org/ver10/events/wsdl/EventPortType/CreatePullPointSubscriptionResponse"
	actionGetEventPropertiesResponse = "http://www.onvif.org/ver10/events/wsdl/EventPortType/GetEventPropertiesResponse"
)

// NewNotificationsManager assembles the notification engine from the
// configured generator blocks. References are issued under the events
// endpoint path so subscription URLs route back here.
func NewNotificationsManager(log *zap.Logger, cfg *config.Config) *event.Manager {
	pp := cfg.Events.PullPoint
	m := event.NewManager(log, strings.TrimPrefix(EventsPath, "/"),
		event.WithTimeoutInterval(pp.TimeoutInterval),
		event.WithMaxTimeout(pp.MaxTimeout),
		event.WithMaxMessages(pp.MaxMessages),
	)

	for _, g := range cfg.Events.Generators {
		if !g.Enabled {
			continue
		}
		switch g.Type {
		case "digital_input":
			inputs := make([]event.DigitalInput, 0, len(cfg.Events.DigitalInputs))
			for _, in := range cfg.Events.DigitalInputs {
				inputs = append(inputs, event.DigitalInput{Token: in.Token, Enabled: in.Enabled})
			}
			m.AddGenerator(event.NewDigitalInputProducer(g.Topic, inputs), g.Interval)
		case "motion_alarm":
			m.AddGenerator(event.NewMotionAlarmProducer(g.Topic, g.Source), g.Interval)
		case "cell_motion":
			m.AddGenerator(event.NewCellMotionProducer(g.Topic, g.SourceToken, g.AnalyticsToken, g.Rule, g.DataName), g.Interval)
		case "audio_detection":
			m.AddGenerator(event.NewAudioDetectionProducer(g.Topic, g.SourceToken, g.AnalyticsToken, g.Rule, g.DataName), g.Interval)
		}
	}
	return m
}

// EventsService serves the ONVIF Events port plus the per-subscription
// endpoints it hands out.
type EventsService struct {
	log *zap.Logger
	cfg *config.Config
	mgr *event.Manager

	disp    *dispatch.Dispatcher // event port: operation-name keyed
	subDisp *dispatch.Dispatcher // subscriptions: wsa:Action keyed
}

// NewEventsService wires the event port and the subscription endpoint.
func NewEventsService(log *zap.Logger, cfg *config.Config, gate *dispatch.Gate, mgr *event.Manager) *EventsService {
	s := &EventsService{
		log: log.Named("events"),
		cfg: cfg,
		mgr: mgr,
	}

	d := dispatch.NewDispatcher(log, "events", gate, dispatch.WithDelay(cfg.Server.NetworkDelay))
	d.Register(
		dispatch.Operation{Name: "GetEventProperties", Level: auth.ReadMedia, Handle: s.getEventProperties},
		dispatch.Operation{Name: "CreatePullPointSubscription", Level: auth.ReadMedia, Handle: s.createPullPointSubscription},
	)
	s.disp = d

	sub := dispatch.NewDispatcher(log, "subscription", gate,
		dispatch.WithDelay(cfg.Server.NetworkDelay),
		dispatch.WithKeyFunc(dispatch.ActionKey),
	)
	sub.Register(
		dispatch.Operation{Name: ActionPullMessages, Level: auth.ReadMedia, Handle: s.pullMessages},
		dispatch.Operation{Name: ActionRenew, Level: auth.ReadMedia, Handle: s.renew},
		dispatch.Operation{Name: ActionSetSyncPoint, Level: auth.ReadMedia, Handle: s.setSynchronizationPoint},
		dispatch.Operation{Name: ActionUnsubscribe, Level: auth.ReadMedia, Handle: s.unsubscribe},
	)
	s.subDisp = sub

	return s
}

// Mount registers the event port and the subscription route pattern the
// issued references point at.
func (s *EventsService) Mount(r gin.IRouter) {
	r.POST(EventsPath, s.disp.GinHandler())
	r.POST(EventsPath+"/:subscription", s.subDisp.GinHandler())
}

// subscriptionRef is the reference the caller addresses: the wsa:To header
// when present, the request path otherwise. Resolution matches by suffix,
// so both forms work.
func subscriptionRef(req *dispatch.Request) string {
	if to := req.Text("Envelope.Header.To"); to != "" {
		return to
	}
	return req.HTTP.URL.Path
}

func subscriptionFault(err error) error {
	switch {
	case errors.Is(err, event.ErrUnknownSubscription):
		return &dispatch.Fault{
			Code:     soap.FaultSender,
			Subcodes: []string{"ter:InvalidArgVal", "ter:ResourceUnknownFault"},
			Reason:   "The subscription reference does not match an active subscription",
		}
	case errors.Is(err, event.ErrSuperseded):
		return &dispatch.Fault{
			Code:     soap.FaultReceiver,
			Subcodes: []string{"ter:Action"},
			Reason:   "The pull request was superseded by a newer request",
		}
	default:
		return err
	}
}

func (s *EventsService) getEventProperties(*dispatch.Request) (string, error) {
	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	env.SetTo(soap.AnonymousAddress)
	env.SetAction(actionGetEventPropertiesResponse)

	resp := env.Body().CreateElement("tet:GetEventPropertiesResponse")
	resp.CreateElement("tet:TopicNamespaceLocation").
		SetText("http://www.onvif.org/onvif/ver10/topics/topicns.xml")
	resp.CreateElement("wsnt:FixedTopicSet").SetText("true")

	topicSet := resp.CreateElement("wstop:TopicSet")
	for _, p := range s.mgr.Producers() {
		writeTopicDescriptor(topicSet, p.Descriptor())
	}

	for _, dialect := range []string{
		"http://www.onvif.org/ver10/tev/topicExpression/ConcreteSet",
		"http://docs.oasis-open.org/wsnt/t-1/TopicExpression/ConcreteSet",
		"http://docs.oasis-open.org/wsn/t-1/TopicExpression/Concrete",
	} {
		resp.CreateElement("wsnt:TopicExpressionDialect").SetText(dialect)
	}
	resp.CreateElement("tet:MessageContentFilterDialect").
		SetText("http://www.onvif.org/ver10/tev/messageContentFilter/ItemFilter")
	resp.CreateElement("tet:MessageContentSchemaLocation").
		SetText("http://www.onvif.org/onvif/ver10/schema/onvif.xsd")

	return env.String()
}

func (s *EventsService) createPullPointSubscription(*dispatch.Request) (string, error) {
	info := s.mgr.CreatePullPoint()
	address := s.cfg.BaseURL() + "/" + info.Reference
	s.log.Info("pullpoint subscription created", zap.String("address", address))

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	env.SetAction(actionCreatePullPointResponse)

	resp := env.Body().CreateElement("tet:CreatePullPointSubscriptionResponse")
	resp.CreateElement("tet:SubscriptionReference").
		CreateElement("wsa:Address").
		SetText(address)
	resp.CreateElement("wsnt:CurrentTime").SetText(soap.FormatUTC(info.CurrentTime))
	resp.CreateElement("wsnt:TerminationTime").SetText(soap.FormatUTC(info.TerminationTime))

	return env.String()
}

func (s *EventsService) pullMessages(req *dispatch.Request) (string, error) {
	ref := subscriptionRef(req)

	// a malformed or absent timeout falls back to the server cap
	timeout, err := soap.ParseDuration(req.Text("Envelope.Body.PullMessages.Timeout"))
	if err != nil {
		timeout = 0
	}

	batch, err := s.mgr.PullMessages(req.HTTP.Context(), ref, timeout)
	if err != nil {
		return "", subscriptionFault(err)
	}

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	if id := req.Text("Envelope.Header.MessageID"); id != "" {
		env.SetMessageID(id)
	}
	env.SetTo(soap.AnonymousAddress)
	env.SetAction(actionPullMessagesResponse)

	resp := env.Body().CreateElement("tet:PullMessagesResponse")
	resp.CreateElement("tet:CurrentTime").SetText(soap.FormatUTC(batch.CurrentTime))
	resp.CreateElement("tet:TerminationTime").SetText(soap.FormatUTC(batch.TerminationTime))
	for _, msg := range batch.Messages {
		writeNotificationMessage(resp, msg)
	}

	return env.String()
}

func (s *EventsService) renew(req *dispatch.Request) (string, error) {
	info, err := s.mgr.Renew(subscriptionRef(req))
	if err != nil {
		return "", subscriptionFault(err)
	}

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	if id := req.Text("Envelope.Header.MessageID"); id != "" {
		env.SetMessageID(id)
	}
	env.SetTo(soap.AnonymousAddress)
	env.SetAction(actionRenewResponse)

	resp := env.Body().CreateElement("wsnt:RenewResponse")
	resp.CreateElement("wsnt:TerminationTime").SetText(soap.FormatUTC(info.TerminationTime))
	resp.CreateElement("wsnt:CurrentTime").SetText(soap.FormatUTC(info.CurrentTime))

	return env.String()
}

func (s *EventsService) setSynchronizationPoint(req *dispatch.Request) (string, error) {
	if err := s.mgr.SetSynchronizationPoint(subscriptionRef(req)); err != nil {
		return "", subscriptionFault(err)
	}

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	if id := req.Text("Envelope.Header.MessageID"); id != "" {
		env.SetMessageID(id)
	}
	env.SetTo(soap.AnonymousAddress)
	env.SetAction(actionSetSyncPointResponse)
	env.Body().CreateElement("tet:SetSynchronizationPointResponse")

	return env.String()
}

func (s *EventsService) unsubscribe(req *dispatch.Request) (string, error) {
	ref := subscriptionRef(req)
	if err := s.mgr.Unsubscribe(ref); err != nil {
		return "", subscriptionFault(err)
	}
	s.log.Info("subscription removed", zap.String("reference", ref))

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	if id := req.Text("Envelope.Header.MessageID"); id != "" {
		env.SetMessageID(id)
	}
	env.SetTo(soap.AnonymousAddress)
	env.SetAction(actionUnsubscribeResponse)
	env.Body().CreateElement("wsnt:UnsubscribeResponse")

	return env.String()
}
