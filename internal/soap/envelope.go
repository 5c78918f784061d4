// Package soap builds and picks apart the SOAP/XML envelopes the simulator
// exchanges with ONVIF clients.
package soap

import (
	"fmt"
	"sort"

	"github.com/beevik/etree"
)

// EnvelopeNamespaces is the xmlns set stamped onto response envelopes. One
// superset for every service keeps responses uniform; unused declarations
// are harmless.
var EnvelopeNamespaces = map[string]string{
	"s":     "http://www.w3.org/2003/05/soap-envelope",
	"wsa":   "http://www.w3.org/2005/08/addressing",
	"wsnt":  "http://docs.oasis-open.org/wsn/b-2",
	"wstop": "http://docs.oasis-open.org/wsn/t-1",
	"tt":    "http://www.onvif.org/ver10/schema",
	"tds":   "http://www.onvif.org/ver10/device/wsdl",
	"trt":   "http://www.onvif.org/ver10/media/wsdl",
	"tet":   "http://www.onvif.org/ver10/events/wsdl",
	"tns1":  "http://www.onvif.org/ver10/topics",
	"ter":   "http://www.onvif.org/ver10/error",
	"xsd":   "http://www.w3.org/2001/XMLSchema",
}

// Envelope accumulates a response document: a s:Envelope with optional
// WS-Addressing headers and an arbitrary body subtree.
type Envelope struct {
	doc    *etree.Document
	root   *etree.Element
	header *etree.Element
	body   *etree.Element
}

// NewEnvelope creates an envelope carrying the given xmlns declarations
// (prefix -> namespace URI). Prefixes are emitted in sorted order so output
// is stable.
func NewEnvelope(namespaces map[string]string) *Envelope {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("s:Envelope")

	prefixes := make([]string, 0, len(namespaces))
	for p := range namespaces {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	for _, p := range prefixes {
		root.CreateAttr("xmlns:"+p, namespaces[p])
	}

	return &Envelope{doc: doc, root: root}
}

// Header returns the s:Header element, creating it on first use.
func (e *Envelope) Header() *etree.Element {
	if e.header == nil {
		e.header = e.root.CreateElement("s:Header")
	}
	return e.header
}

// Body returns the s:Body element, creating it on first use.
func (e *Envelope) Body() *etree.Element {
	if e.body == nil {
		e.body = e.root.CreateElement("s:Body")
	}
	return e.body
}

// SetAction sets the wsa:Action addressing header.
func (e *Envelope) SetAction(action string) {
	e.Header().CreateElement("wsa:Action").SetText(action)
}

// SetMessageID sets the wsa:MessageID addressing header.
func (e *Envelope) SetMessageID(id string) {
	e.Header().CreateElement("wsa:MessageID").SetText(id)
}

// SetTo sets the wsa:To addressing header.
func (e *Envelope) SetTo(to string) {
	e.Header().CreateElement("wsa:To").SetText(to)
}

// String renders the document.
func (e *Envelope) String() (string, error) {
	// make sure the body exists even when empty
	e.Body()
	s, err := e.doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("serialize envelope: %w", err)
	}
	return s, nil
}

// AnonymousAddress is the WS-Addressing anonymous endpoint, used as wsa:To
// in responses.
const AnonymousAddress = "http://www.w3.org/2005/08/addressing/anonymous"

// FaultSender and FaultReceiver are the two SOAP 1.2 fault classes.
const (
	FaultSender   = "s:Sender"
	FaultReceiver = "s:Receiver"
)

// Fault builds a SOAP Fault envelope. subcodes nest in order under the
// fault code (e.g. "ter:InvalidArgVal", "ter:NoProfile").
func Fault(namespaces map[string]string, code string, subcodes []string, reason string) (string, error) {
	env := NewEnvelope(namespaces)

	fault := env.Body().CreateElement("s:Fault")
	codeEl := fault.CreateElement("s:Code")
	codeEl.CreateElement("s:Value").SetText(code)

	parent := codeEl
	for _, sub := range subcodes {
		subEl := parent.CreateElement("s:Subcode")
		subEl.CreateElement("s:Value").SetText(sub)
		parent = subEl
	}

	text := fault.CreateElement("s:Reason").CreateElement("s:Text")
	text.CreateAttr("xml:lang", "en")
	text.SetText(reason)

	return env.String()
}
