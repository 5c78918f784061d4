package soap

import (
	"errors"
	"strings"

	"github.com/beevik/etree"
)

// ErrMalformed reports a request body that is not a well-formed SOAP
// envelope. It is never retried; the dispatcher maps it to HTTP 400.
var ErrMalformed = errors.New("malformed soap envelope")

// OperationName extracts the requested method from a SOAP envelope: the tag
// of the first child element of Body, with any namespace prefix stripped.
// Matching of Envelope and Body ignores namespace prefixes too, so
// "SOAP-ENV:Envelope" and "s:Envelope" are equivalent.
func OperationName(body []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return "", ErrMalformed
	}

	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return "", ErrMalformed
	}

	var soapBody *etree.Element
	for _, child := range root.ChildElements() {
		if child.Tag == "Body" {
			soapBody = child
			break
		}
	}
	if soapBody == nil {
		return "", ErrMalformed
	}

	children := soapBody.ChildElements()
	if len(children) == 0 {
		return "", ErrMalformed
	}
	return children[0].Tag, nil
}

// Parse reads a request body into a document for FindHierarchy lookups.
func Parse(body []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, ErrMalformed
	}
	return doc, nil
}

// FindHierarchy walks a dot-separated element path from the document root,
// comparing tags case-insensitively and ignoring namespace prefixes, and
// returns the text of the matched element. The empty string means not
// found. Example path: "Envelope.Body.PullMessages.Timeout".
func FindHierarchy(doc *etree.Document, path string) string {
	tokens := strings.Split(path, ".")
	if len(tokens) == 0 {
		return ""
	}

	root := doc.Root()
	if root == nil || !strings.EqualFold(root.Tag, tokens[0]) {
		return ""
	}

	el := root
	for _, tok := range tokens[1:] {
		var next *etree.Element
		for _, child := range el.ChildElements() {
			if strings.EqualFold(child.Tag, tok) {
				next = child
				break
			}
		}
		if next == nil {
			return ""
		}
		el = next
	}
	return el.Text()
}
