package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/elgs/gostrgen"
)

const nonceLength = 20

// NonceGenerator produces server nonces for digest challenges. Pluggable so
// tests can fix the value; the default draws random alphanumerics.
type NonceGenerator interface {
	Nonce() (string, error)
}

type randomNonceGenerator struct{}

func (randomNonceGenerator) Nonce() (string, error) {
	return gostrgen.RandGen(nonceLength, gostrgen.LowerDigit, "", "")
}

// Challenge is the triple sent back in a WWW-Authenticate header.
type Challenge struct {
	Realm string
	Nonce string
	Qop   string
}

// Header renders the challenge as a WWW-Authenticate header value.
func (c Challenge) Header() string {
	return fmt.Sprintf("Digest realm=%q, qop=%q, nonce=%q", c.Realm, c.Qop, c.Nonce)
}

// Request carries the fields of a client's Authorization: Digest header.
// Algorithm, cnonce, opaque, qop and nc are optional on the wire and may be
// empty.
type Request struct {
	Username   string
	Realm      string
	Nonce      string
	DigestURI  string
	Response   string
	Algorithm  string
	Cnonce     string
	Opaque     string
	Qop        string
	NonceCount string
}

// DigestSession implements the server side of RFC 2617 digest
// authentication: it issues challenges, tracks which nonces it handed out
// and verifies client credential proofs against the system-users list.
//
// Safe for concurrent use; every HTTP-serving goroutine may call it.
type DigestSession struct {
	realm string
	qop   string
	ttl   time.Duration
	users []UserAccount

	noncegen NonceGenerator

	mu    sync.Mutex
	pool  map[string]time.Time // nonce -> issuance time
	clock func() time.Time
}

// DigestOption tweaks a DigestSession at construction.
type DigestOption func(*DigestSession)

// WithNonceGenerator replaces the random nonce source.
func WithNonceGenerator(g NonceGenerator) DigestOption {
	return func(s *DigestSession) { s.noncegen = g }
}

// WithClock replaces the wall clock used for nonce aging.
func WithClock(now func() time.Time) DigestOption {
	return func(s *DigestSession) { s.clock = now }
}

// NewDigestSession creates a session for the given realm. The nonce TTL is
// a fixed server policy; nonces older than it verify as stale.
func NewDigestSession(realm string, ttl time.Duration, users []UserAccount, opts ...DigestOption) *DigestSession {
	s := &DigestSession{
		realm:    realm,
		qop:      "auth",
		ttl:      ttl,
		users:    users,
		noncegen: randomNonceGenerator{},
		pool:     make(map[string]time.Time),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Users returns the system-users list the session verifies against.
func (s *DigestSession) Users() []UserAccount { return s.users }

// GenerateChallenge produces a fresh nonce, records it in the pool and
// returns the challenge triple. Expired pool entries are pruned here rather
// than on a timer.
func (s *DigestSession) GenerateChallenge() (Challenge, error) {
	nonce, err := s.noncegen.Nonce()
	if err != nil {
		return Challenge{}, fmt.Errorf("generate nonce: %w", err)
	}

	now := s.clock()

	s.mu.Lock()
	for n, issued := range s.pool {
		if now.Sub(issued) > s.ttl {
			delete(s.pool, n)
		}
	}
	s.pool[nonce] = now
	s.mu.Unlock()

	return Challenge{Realm: s.realm, Nonce: nonce, Qop: s.qop}, nil
}

// Verify checks a client's digest proof for the given HTTP method.
//
// The second result distinguishes a recognized-but-expired nonce (stale,
// the client should retry against a fresh challenge) from a genuinely
// invalid credential. A nonce this session never issued is invalid, not
// stale.
func (s *DigestSession) Verify(req Request, httpMethod string) (ok bool, stale bool) {
	s.mu.Lock()
	issued, known := s.pool[req.Nonce]
	s.mu.Unlock()

	if !known {
		return false, false
	}
	if s.clock().Sub(issued) > s.ttl {
		return false, true
	}

	var account *UserAccount
	for i := range s.users {
		if s.users[i].Login == req.Username {
			account = &s.users[i]
			break
		}
	}
	if account == nil {
		return false, false
	}

	ha1 := md5Hex(req.Username + ":" + s.realm + ":" + account.Password)
	ha2 := md5Hex(httpMethod + ":" + req.DigestURI)
	expected := md5Hex(ha1 + ":" + req.Nonce + ":" + req.NonceCount + ":" + req.Cnonce + ":" + req.Qop + ":" + ha2)

	return expected == req.Response, false
}

func md5Hex(in string) string {
	h := md5.New()
	h.Write([]byte(in))
	return hex.EncodeToString(h.Sum(nil))
}
