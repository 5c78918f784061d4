// Package dispatch routes inbound SOAP calls to registered operation
// handlers, enforcing per-operation access levels on the way in.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/beevik/etree"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/osrv/onvifsim/internal/auth"
	"github.com/osrv/onvifsim/internal/soap"
)

// ContentType is the media type of every successful SOAP response.
const ContentType = "application/soap+xml; charset=utf-8"

// maxBodyBytes bounds how much of a request body is read. ONVIF requests
// are small; anything past this is garbage.
const maxBodyBytes = 1 << 20

// Fault is a handler error rendered as a SOAP Fault envelope with HTTP 400,
// instead of the empty 500 an internal failure produces.
type Fault struct {
	Code     string
	Subcodes []string
	Reason   string
}

func (f *Fault) Error() string { return f.Reason }

// Request is the parsed inbound call handed to an operation handler.
type Request struct {
	Doc  *etree.Document
	HTTP *http.Request
}

// Text looks up a dot-separated element path in the request document and
// returns its text, or "" when absent.
func (r *Request) Text(path string) string { return soap.FindHierarchy(r.Doc, path) }

// Handler executes one operation and returns the serialized response
// envelope.
type Handler func(req *Request) (string, error)

// Operation binds a dispatch key to the access level it requires and the
// handler that serves it.
type Operation struct {
	Name   string
	Level  auth.SecurityLevel
	Handle Handler
}

// KeyFunc extracts the dispatch key from a request body. The default takes
// the operation name from the first child of Body; subscription endpoints
// key on the wsa:Action header instead.
type KeyFunc func(body []byte) (string, error)

// ActionKey keys dispatch on the wsa:Action addressing header.
func ActionKey(body []byte) (string, error) {
	doc, err := soap.Parse(body)
	if err != nil {
		return "", err
	}
	action := soap.FindHierarchy(doc, "Envelope.Header.Action")
	if action == "" {
		return "", soap.ErrMalformed
	}
	return action, nil
}

// Dispatcher serves one service endpoint: it extracts the dispatch key from
// the envelope, authorizes the caller against the matched operation's level
// and invokes the handler. Outcomes map onto HTTP as
//
//	success                -> 200, SOAP body
//	unknown op / bad XML   -> 400, empty body
//	handler Fault          -> 400, SOAP Fault body
//	authorization failure  -> 401, empty body, fresh WWW-Authenticate
//	handler error / panic  -> 500, empty body
type Dispatcher struct {
	log  *zap.Logger
	name string
	gate *Gate

	key   KeyFunc
	delay time.Duration

	ops map[string]Operation
}

// Option tweaks a Dispatcher at construction.
type Option func(*Dispatcher)

// WithDelay makes every request sleep before processing, emulating a slow
// network path to the device. Only the request's own goroutine is held.
func WithDelay(d time.Duration) Option {
	return func(ds *Dispatcher) { ds.delay = d }
}

// WithKeyFunc replaces the dispatch-key extractor.
func WithKeyFunc(f KeyFunc) Option {
	return func(ds *Dispatcher) { ds.key = f }
}

// NewDispatcher creates a dispatcher for the named service.
func NewDispatcher(log *zap.Logger, name string, gate *Gate, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:  log.Named(name),
		name: name,
		gate: gate,
		key:  soap.OperationName,
		ops:  make(map[string]Operation),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds operations to the dispatch table. Registration happens once
// at startup; a duplicate name is a programming error.
func (d *Dispatcher) Register(ops ...Operation) {
	for _, op := range ops {
		if _, exists := d.ops[op.Name]; exists {
			panic(fmt.Sprintf("dispatch: duplicate operation %q in service %q", op.Name, d.name))
		}
		d.ops[op.Name] = op
	}
}

// GinHandler returns the POST handler serving this dispatcher's endpoint.
func (d *Dispatcher) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			d.log.Warn("failed to read request body", zap.Error(err))
			c.Status(http.StatusBadRequest)
			return
		}

		// the artificial latency covers the whole exchange, auth included
		if d.delay > 0 {
			time.Sleep(d.delay)
		}

		key, err := d.key(body)
		if err != nil {
			d.log.Warn("cannot extract operation from envelope", zap.Error(err))
			c.Status(http.StatusBadRequest)
			return
		}

		op, known := d.ops[key]
		if !known {
			d.log.Warn("unknown operation requested", zap.String("operation", key))
			c.Status(http.StatusBadRequest)
			return
		}

		user, err := d.gate.Authorize(c.Request, op.Level)
		if err != nil {
			d.unauthorized(c, key, err)
			return
		}

		doc, err := soap.Parse(body)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}

		resp, err := d.invoke(op, &Request{Doc: doc, HTTP: c.Request})
		if err != nil {
			var fault *Fault
			if errors.As(err, &fault) {
				d.respondFault(c, key, fault)
				return
			}
			d.log.Error("operation failed",
				zap.String("operation", key),
				zap.Stringer("user", user),
				zap.Error(err))
			c.Status(http.StatusInternalServerError)
			return
		}

		d.log.Debug("operation served",
			zap.String("operation", key),
			zap.Stringer("user", user))
		c.Data(http.StatusOK, ContentType, []byte(resp))
	}
}

func (d *Dispatcher) unauthorized(c *gin.Context, key string, err error) {
	var authErr *AuthError
	stale := errors.As(err, &authErr) && authErr.Stale

	header, chErr := d.gate.Challenge()
	if chErr != nil {
		d.log.Error("cannot issue challenge", zap.Error(chErr))
		c.Status(http.StatusInternalServerError)
		return
	}

	d.log.Debug("request not authorized",
		zap.String("operation", key),
		zap.Bool("stale", stale))
	c.Header("WWW-Authenticate", header)
	c.Status(http.StatusUnauthorized)
}

func (d *Dispatcher) respondFault(c *gin.Context, key string, fault *Fault) {
	body, err := soap.Fault(soap.EnvelopeNamespaces, fault.Code, fault.Subcodes, fault.Reason)
	if err != nil {
		d.log.Error("cannot serialize fault", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	d.log.Debug("operation faulted",
		zap.String("operation", key),
		zap.String("reason", fault.Reason))
	c.Data(http.StatusBadRequest, ContentType, []byte(body))
}

// invoke runs the handler with panic containment: a panicking operation
// must not take the server down, it answers 500 like any internal failure.
func (d *Dispatcher) invoke(op Operation, req *Request) (resp string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("operation panicked",
				zap.String("operation", op.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("operation %s panicked", op.Name)
		}
	}()
	return op.Handle(req)
}
