// Package event implements the simulator's notification engine: periodic
// event generators, per-subscriber PullPoint mailboxes with long-poll
// semantics, and the manager that ties them together on a single worker.
package event

import "time"

// PropertyOperation tells a subscriber whether a message carries the
// baseline state of a property or a transition.
type PropertyOperation string

const (
	Initialized PropertyOperation = "Initialized"
	Changed     PropertyOperation = "Changed"
)

// SimpleItem is one (name, value) pair of a message's source description.
type SimpleItem struct {
	Name  string
	Value string
}

// SimpleItemDescription describes one source or data item of a topic for
// GetEventProperties.
type SimpleItemDescription struct {
	Name string
	Type string
}

// TopicDescriptor is the static shape of the messages a generator emits.
type TopicDescriptor struct {
	Topic  string
	Source []SimpleItemDescription
	Data   []SimpleItemDescription
}

// NotificationMessage is an immutable event record. Built by a generator at
// emission time and serialized on a PullPoint's response path; never
// mutated after creation.
type NotificationMessage struct {
	Topic             string
	UTCTime           time.Time
	PropertyOperation PropertyOperation
	Source            []SimpleItem
	DataName          string
	DataValue         string
}
