package dispatch

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/osrv/onvifsim/internal/auth"
	"github.com/osrv/onvifsim/internal/soap"
)

const endpoint = "/onvif/device_service"

func okHandler(tag string) Handler {
	return func(*Request) (string, error) {
		return "<" + tag + "/>", nil
	}
}

func newTestRig(t *testing.T, opts ...Option) http.Handler {
	t.Helper()

	users := []auth.UserAccount{
		{Login: "admin", Password: "admin123", Type: auth.Admin},
		{Login: "viewer", Password: "viewer123", Type: auth.User},
	}
	session := auth.NewDigestSession("onvifsim", time.Minute, users)

	d := NewDispatcher(zap.NewNop(), "device", NewGate(session), opts...)
	d.Register(
		Operation{Name: "GetSystemDateAndTime", Level: auth.PreAuth, Handle: okHandler("DateTime")},
		Operation{Name: "GetDeviceInformation", Level: auth.ReadSystem, Handle: okHandler("Information")},
		Operation{Name: "SetSystemDateAndTime", Level: auth.WriteSystem, Handle: okHandler("SetResponse")},
		Operation{Name: "Faulty", Level: auth.PreAuth, Handle: func(*Request) (string, error) {
			return "", &Fault{Code: soap.FaultSender, Subcodes: []string{"ter:InvalidArgVal"}, Reason: "no such profile"}
		}},
		Operation{Name: "Broken", Level: auth.PreAuth, Handle: func(*Request) (string, error) {
			return "", errors.New("backend unavailable")
		}},
		Operation{Name: "Panics", Level: auth.PreAuth, Handle: func(*Request) (string, error) {
			panic("boom")
		}},
	)

	return mount(d)
}

func mount(d *Dispatcher) http.Handler {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.POST(endpoint, d.GinHandler())
	return engine
}

func envelope(op string) string {
	return fmt.Sprintf(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">`+
		`<s:Body><tds:%s xmlns:tds="http://www.onvif.org/ver10/device/wsdl"/></s:Body></s:Envelope>`, op)
}

func post(h http.Handler, body, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, endpoint, strings.NewReader(body))
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// digestHeader computes a client-side proof against a server challenge.
func digestHeader(user, pass string, challenge auth.Request, method string) string {
	const (
		cnonce = "0a4f113b"
		nc     = "00000001"
	)
	ha1 := md5hex(user + ":" + challenge.Realm + ":" + pass)
	ha2 := md5hex(method + ":" + endpoint)
	response := md5hex(ha1 + ":" + challenge.Nonce + ":" + nc + ":" + cnonce + ":" + challenge.Qop + ":" + ha2)
	return fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", qop=%s, nc=%s, cnonce="%s", response="%s"`,
		user, challenge.Realm, challenge.Nonce, endpoint, challenge.Qop, nc, cnonce, response)
}

func TestPreAuthOperationServedAnonymously(t *testing.T) {
	h := newTestRig(t)

	w := post(h, envelope("GetSystemDateAndTime"), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, ContentType, w.Header().Get("Content-Type"))
	require.Equal(t, "<DateTime/>", w.Body.String())
}

func TestUnknownOperation(t *testing.T) {
	h := newTestRig(t)

	w := post(h, envelope("NoSuchOperation"), "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, w.Body.String())
}

func TestMalformedEnvelope(t *testing.T) {
	h := newTestRig(t)

	for _, body := range []string{
		"",
		"not xml at all",
		`<s:Envelope xmlns:s="x"><s:Body></s:Body></s:Envelope>`,
		`<Other><Body><Op/></Body></Other>`,
	} {
		w := post(h, body, "")
		require.Equal(t, http.StatusBadRequest, w.Code, "body: %q", body)
		require.Empty(t, w.Body.String())
	}
}

func TestDigestRoundTrip(t *testing.T) {
	h := newTestRig(t)
	body := envelope("GetDeviceInformation")

	// unauthenticated call is refused with a challenge
	w := post(h, body, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, w.Body.String())
	header := w.Header().Get("WWW-Authenticate")
	require.True(t, strings.HasPrefix(header, "Digest "))

	challenge := auth.ParseAuthorization(header)
	require.Equal(t, "onvifsim", challenge.Realm)
	require.NotEmpty(t, challenge.Nonce)

	// answering the challenge succeeds
	w = post(h, body, digestHeader("admin", "admin123", challenge, http.MethodPost))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "<Information/>", w.Body.String())
}

func TestEveryRefusalCarriesFreshChallenge(t *testing.T) {
	h := newTestRig(t)
	body := envelope("GetDeviceInformation")

	first := post(h, body, "")
	second := post(h, body, "")
	require.Equal(t, http.StatusUnauthorized, first.Code)
	require.Equal(t, http.StatusUnauthorized, second.Code)

	n1 := auth.ParseAuthorization(first.Header().Get("WWW-Authenticate")).Nonce
	n2 := auth.ParseAuthorization(second.Header().Get("WWW-Authenticate")).Nonce
	require.NotEqual(t, n1, n2)
}

func TestWrongPasswordRefused(t *testing.T) {
	h := newTestRig(t)
	body := envelope("GetDeviceInformation")

	challenge := auth.ParseAuthorization(post(h, body, "").Header().Get("WWW-Authenticate"))
	w := post(h, body, digestHeader("admin", "wrong", challenge, http.MethodPost))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
}

func TestInsufficientLevelRefused(t *testing.T) {
	h := newTestRig(t)
	body := envelope("SetSystemDateAndTime")

	// a correctly authenticated User still may not invoke a WriteSystem op
	challenge := auth.ParseAuthorization(post(h, body, "").Header().Get("WWW-Authenticate"))
	w := post(h, body, digestHeader("viewer", "viewer123", challenge, http.MethodPost))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, w.Body.String())
}

func TestSufficientLevelPasses(t *testing.T) {
	h := newTestRig(t)
	body := envelope("GetDeviceInformation")

	// User satisfies ReadSystem
	challenge := auth.ParseAuthorization(post(h, body, "").Header().Get("WWW-Authenticate"))
	w := post(h, body, digestHeader("viewer", "viewer123", challenge, http.MethodPost))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerFaultRendered(t *testing.T) {
	h := newTestRig(t)

	w := post(h, envelope("Faulty"), "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, ContentType, w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "s:Fault")
	require.Contains(t, w.Body.String(), "ter:InvalidArgVal")
	require.Contains(t, w.Body.String(), "no such profile")
}

func TestHandlerErrorAnswers500(t *testing.T) {
	h := newTestRig(t)

	w := post(h, envelope("Broken"), "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Empty(t, w.Body.String())
}

func TestHandlerPanicContained(t *testing.T) {
	h := newTestRig(t)

	w := post(h, envelope("Panics"), "")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	// the server keeps serving afterwards
	w = post(h, envelope("GetSystemDateAndTime"), "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthDisabledServesEverything(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), "device", NewGate(nil))
	d.Register(Operation{Name: "SetSystemDateAndTime", Level: auth.WriteSystem, Handle: okHandler("SetResponse")})
	h := mount(d)

	w := post(h, envelope("SetSystemDateAndTime"), "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestActionKeyDispatch(t *testing.T) {
	const pullAction = "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/PullMessagesRequest"

	d := NewDispatcher(zap.NewNop(), "subscription", NewGate(nil), WithKeyFunc(ActionKey))
	d.Register(Operation{Name: pullAction, Level: auth.ReadMedia, Handle: okHandler("PullMessagesResponse")})
	h := mount(d)

	body := `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"` +
		` xmlns:wsa="http://www.w3.org/2005/08/addressing">` +
		`<s:Header><wsa:Action>` + pullAction + `</wsa:Action></s:Header>` +
		`<s:Body><PullMessages/></s:Body></s:Envelope>`

	w := post(h, body, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "<PullMessagesResponse/>", w.Body.String())

	// without the addressing header there is nothing to dispatch on
	w = post(h, envelope("PullMessages"), "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDelaySlowsEveryRequest(t *testing.T) {
	h := newTestRig(t, WithDelay(60*time.Millisecond))

	start := time.Now()
	w := post(h, envelope("GetSystemDateAndTime"), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}
