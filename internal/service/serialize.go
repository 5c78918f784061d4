package service

import (
	"strings"

	"github.com/beevik/etree"

	"github.com/osrv/onvifsim/internal/event"
	"github.com/osrv/onvifsim/internal/soap"
)

// writeTopicDescriptor adds a topic's tree to a wstop:TopicSet element.
// "tns1:RuleEngine/CellMotionDetector/Motion" nests as
// tns1:RuleEngine > CellMotionDetector > Motion, merging shared prefixes
// with topics already written.
func writeTopicDescriptor(topicSet *etree.Element, d event.TopicDescriptor) {
	el := topicSet
	for _, segment := range strings.Split(d.Topic, "/") {
		next := el.SelectElement(segment)
		if next == nil {
			next = el.CreateElement(segment)
		}
		el = next
	}
	el.CreateAttr("wstop:topic", "true")

	desc := el.CreateElement("tt:MessageDescription")
	source := desc.CreateElement("tt:Source")
	for _, item := range d.Source {
		sid := source.CreateElement("tt:SimpleItemDescription")
		sid.CreateAttr("Name", item.Name)
		sid.CreateAttr("Type", item.Type)
	}
	data := desc.CreateElement("tt:Data")
	for _, item := range d.Data {
		sid := data.CreateElement("tt:SimpleItemDescription")
		sid.CreateAttr("Name", item.Name)
		sid.CreateAttr("Type", item.Type)
	}
}

// writeNotificationMessage appends one wsnt:NotificationMessage to a
// PullMessagesResponse element.
func writeNotificationMessage(parent *etree.Element, msg event.NotificationMessage) {
	nm := parent.CreateElement("wsnt:NotificationMessage")

	topic := nm.CreateElement("wsnt:Topic")
	topic.CreateAttr("Dialect", "http://www.onvif.org/ver10/tev/topicExpression/ConcreteSet")
	topic.SetText(msg.Topic)

	m := nm.CreateElement("wsnt:Message").CreateElement("tt:Message")
	m.CreateAttr("UtcTime", soap.FormatUTC(msg.UTCTime))
	m.CreateAttr("PropertyOperation", string(msg.PropertyOperation))

	source := m.CreateElement("tt:Source")
	for _, item := range msg.Source {
		si := source.CreateElement("tt:SimpleItem")
		si.CreateAttr("Name", item.Name)
		si.CreateAttr("Value", item.Value)
	}

	si := m.CreateElement("tt:Data").CreateElement("tt:SimpleItem")
	si.CreateAttr("Name", msg.DataName)
	si.CreateAttr("Value", msg.DataValue)
}
