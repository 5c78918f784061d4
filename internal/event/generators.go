package event

import (
	"strconv"
	"time"
)

// DigitalInput is one simulated hardware input pin.
type DigitalInput struct {
	Token   string
	Enabled bool
}

// DigitalInputProducer emits one message per enabled input on every tick,
// toggling each input's logical state.
type DigitalInputProducer struct {
	topic  string
	inputs []DigitalInput
	states []bool
	now    func() time.Time
}

// NewDigitalInputProducer creates a producer for the configured input list.
func NewDigitalInputProducer(topic string, inputs []DigitalInput) *DigitalInputProducer {
	return &DigitalInputProducer{
		topic:  topic,
		inputs: inputs,
		states: make([]bool, len(inputs)),
		now:    time.Now,
	}
}

func (p *DigitalInputProducer) Topic() string { return p.topic }

func (p *DigitalInputProducer) GenerateEvent() []NotificationMessage {
	var msgs []NotificationMessage
	for i, in := range p.inputs {
		if !in.Enabled {
			continue
		}
		p.states[i] = !p.states[i]
		msgs = append(msgs, p.message(i, Changed))
	}
	return msgs
}

func (p *DigitalInputProducer) GenerateSynchronizationEvent() []NotificationMessage {
	var msgs []NotificationMessage
	for i, in := range p.inputs {
		if !in.Enabled {
			continue
		}
		msgs = append(msgs, p.message(i, Initialized))
	}
	return msgs
}

func (p *DigitalInputProducer) message(i int, op PropertyOperation) NotificationMessage {
	return NotificationMessage{
		Topic:             p.topic,
		UTCTime:           p.now(),
		PropertyOperation: op,
		Source:            []SimpleItem{{Name: "InputToken", Value: p.inputs[i].Token}},
		DataName:          "LogicalState",
		DataValue:         strconv.FormatBool(p.states[i]),
	}
}

func (p *DigitalInputProducer) Descriptor() TopicDescriptor {
	return TopicDescriptor{
		Topic:  p.topic,
		Source: []SimpleItemDescription{{Name: "InputToken", Type: "tt:ReferenceToken"}},
		Data:   []SimpleItemDescription{{Name: "LogicalState", Type: "xsd:boolean"}},
	}
}

// MotionAlarmProducer toggles a single motion state for one video source.
type MotionAlarmProducer struct {
	topic  string
	source string
	state  bool
	now    func() time.Time
}

func NewMotionAlarmProducer(topic, source string) *MotionAlarmProducer {
	return &MotionAlarmProducer{topic: topic, source: source, now: time.Now}
}

func (p *MotionAlarmProducer) Topic() string { return p.topic }

func (p *MotionAlarmProducer) GenerateEvent() []NotificationMessage {
	p.state = !p.state
	return []NotificationMessage{p.message(Changed)}
}

func (p *MotionAlarmProducer) GenerateSynchronizationEvent() []NotificationMessage {
	return []NotificationMessage{p.message(Initialized)}
}

func (p *MotionAlarmProducer) message(op PropertyOperation) NotificationMessage {
	return NotificationMessage{
		Topic:             p.topic,
		UTCTime:           p.now(),
		PropertyOperation: op,
		Source:            []SimpleItem{{Name: "Source", Value: p.source}},
		DataName:          "State",
		DataValue:         strconv.FormatBool(p.state),
	}
}

func (p *MotionAlarmProducer) Descriptor() TopicDescriptor {
	return TopicDescriptor{
		Topic:  p.topic,
		Source: []SimpleItemDescription{{Name: "Source", Type: "tt:ReferenceToken"}},
		Data:   []SimpleItemDescription{{Name: "State", Type: "xsd:boolean"}},
	}
}

// CellMotionProducer toggles the cell-motion analytics state. Carries the
// video source, analytics configuration and rule tokens in the source list.
type CellMotionProducer struct {
	topic          string
	videoSource    string
	analyticsToken string
	rule           string
	dataName       string
	state          bool
	now            func() time.Time
}

func NewCellMotionProducer(topic, videoSource, analyticsToken, rule, dataName string) *CellMotionProducer {
	return &CellMotionProducer{
		topic:          topic,
		videoSource:    videoSource,
		analyticsToken: analyticsToken,
		rule:           rule,
		dataName:       dataName,
		now:            time.Now,
	}
}

func (p *CellMotionProducer) Topic() string { return p.topic }

func (p *CellMotionProducer) GenerateEvent() []NotificationMessage {
	p.state = !p.state
	return []NotificationMessage{p.message(Changed)}
}

func (p *CellMotionProducer) GenerateSynchronizationEvent() []NotificationMessage {
	return []NotificationMessage{p.message(Initialized)}
}

func (p *CellMotionProducer) message(op PropertyOperation) NotificationMessage {
	return NotificationMessage{
		Topic:             p.topic,
		UTCTime:           p.now(),
		PropertyOperation: op,
		Source: []SimpleItem{
			{Name: "VideoSourceConfigurationToken", Value: p.videoSource},
			{Name: "VideoAnalyticsConfigurationToken", Value: p.analyticsToken},
			{Name: "Rule", Value: p.rule},
		},
		DataName:  p.dataName,
		DataValue: strconv.FormatBool(p.state),
	}
}

func (p *CellMotionProducer) Descriptor() TopicDescriptor {
	return TopicDescriptor{
		Topic: p.topic,
		Source: []SimpleItemDescription{
			{Name: "VideoSourceConfigurationToken", Type: "tt:ReferenceToken"},
			{Name: "VideoAnalyticsConfigurationToken", Type: "tt:ReferenceToken"},
			{Name: "Rule", Type: "xsd:string"},
		},
		Data: []SimpleItemDescription{{Name: p.dataName, Type: "xsd:boolean"}},
	}
}

// AudioDetectionProducer toggles the audio detector state for one audio
// source configuration.
type AudioDetectionProducer struct {
	topic          string
	sourceToken    string
	analyticsToken string
	rule           string
	dataName       string
	state          bool
	now            func() time.Time
}

func NewAudioDetectionProducer(topic, sourceToken, analyticsToken, rule, dataName string) *AudioDetectionProducer {
	return &AudioDetectionProducer{
		topic:          topic,
		sourceToken:    sourceToken,
		analyticsToken: analyticsToken,
		rule:           rule,
		dataName:       dataName,
		now:            time.Now,
	}
}

func (p *AudioDetectionProducer) Topic() string { return p.topic }

func (p *AudioDetectionProducer) GenerateEvent() []NotificationMessage {
	p.state = !p.state
	return []NotificationMessage{p.message(Changed)}
}

func (p *AudioDetectionProducer) GenerateSynchronizationEvent() []NotificationMessage {
	return []NotificationMessage{p.message(Initialized)}
}

func (p *AudioDetectionProducer) message(op PropertyOperation) NotificationMessage {
	return NotificationMessage{
		Topic:             p.topic,
		UTCTime:           p.now(),
		PropertyOperation: op,
		Source: []SimpleItem{
			{Name: "AudioSourceConfigurationToken", Value: p.sourceToken},
			{Name: "AudioAnalyticsConfigurationToken", Value: p.analyticsToken},
			{Name: "Rule", Value: p.rule},
		},
		DataName:  p.dataName,
		DataValue: strconv.FormatBool(p.state),
	}
}

func (p *AudioDetectionProducer) Descriptor() TopicDescriptor {
	return TopicDescriptor{
		Topic: p.topic,
		Source: []SimpleItemDescription{
			{Name: "AudioSourceConfigurationToken", Type: "tt:ReferenceToken"},
			{Name: "AudioAnalyticsConfigurationToken", Type: "tt:ReferenceToken"},
			{Name: "Rule", Type: "xsd:string"},
		},
		Data: []SimpleItemDescription{{Name: p.dataName, Type: "xsd:boolean"}},
	}
}
