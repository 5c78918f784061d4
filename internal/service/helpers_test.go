package service

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/osrv/onvifsim/internal/config"
	"github.com/osrv/onvifsim/internal/profiles"
	"github.com/osrv/onvifsim/internal/soap"
)

const profilesFixture = `{
  "MediaProfiles": [
    {
      "token": "ProfileToken0",
      "fixed": true,
      "Name": "MainProfile",
      "Configurations": {
        "VideoSource": "VideoSrcConfigToken0",
        "VideoEncoder": "VideoEncoderToken0"
      }
    },
    {
      "token": "ProfileToken1",
      "fixed": false,
      "Name": "SecondProfile"
    }
  ],
  "Configurations": {
    "VideoSource": [{"token": "VideoSrcConfigToken0", "Name": "PrimarySource"}],
    "VideoEncoder": [{"token": "VideoEncoderToken0"}]
  }
}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.Server{
			Address:  "127.0.0.1",
			HTTPPort: 8080,
			RTSPPort: 8554,
		},
		Auth: config.Auth{Scheme: config.SchemeNone},
		Device: config.Device{
			Manufacturer:    "osrv",
			Model:           "onvifsim",
			FirmwareVersion: "1.0.0",
			SerialNumber:    "0000-0001",
			HardwareID:      "sim-1",
		},
		Users: []config.User{
			{Login: "admin", Password: "admin123", Type: "administrator"},
			{Login: "viewer", Password: "viewer123", Type: "user"},
		},
		Media: config.Media{
			StreamPath:   "Live&Unicast",
			SnapshotPath: "snapshot",
		},
		Events: config.Events{
			PullPoint: config.PullPoint{
				TimeoutInterval: time.Minute,
				MaxTimeout:      5 * time.Minute,
				MaxMessages:     50,
			},
		},
		Discovery: config.Discovery{
			Scopes: []string{
				"onvif://www.onvif.org/Profile/Streaming",
				"onvif://www.onvif.org/name/onvifsim",
			},
		},
	}
}

func testStore(t *testing.T) *profiles.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "media_profiles.json")
	require.NoError(t, os.WriteFile(path, []byte(profilesFixture), 0o644))
	s := profiles.NewStore(path)
	require.NoError(t, s.Load())
	return s
}

type mountable interface {
	Mount(gin.IRouter)
}

func mountService(svc mountable) http.Handler {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	svc.Mount(engine)
	return engine
}

func postSOAP(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// requestEnvelope builds a request with one operation element in the body.
// inner is serialized XML placed inside the operation element.
func requestEnvelope(ns, op, inner string) string {
	return fmt.Sprintf(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">`+
		`<s:Body><m:%s xmlns:m=%q>%s</m:%s></s:Body></s:Envelope>`, op, ns, inner, op)
}

func deviceRequest(op string) string {
	return requestEnvelope("http://www.onvif.org/ver10/device/wsdl", op, "")
}

func mediaRequest(op, inner string) string {
	return requestEnvelope("http://www.onvif.org/ver10/media/wsdl", op, inner)
}

// actionRequest builds a WS-Addressing request for the subscription
// endpoint.
func actionRequest(action, to, inner string) string {
	header := fmt.Sprintf("<wsa:Action>%s</wsa:Action>", action)
	if to != "" {
		header += fmt.Sprintf("<wsa:To>%s</wsa:To>", to)
	}
	return fmt.Sprintf(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"`+
		` xmlns:wsa="http://www.w3.org/2005/08/addressing">`+
		`<s:Header>%s</s:Header><s:Body>%s</s:Body></s:Envelope>`, header, inner)
}

// responseText parses a response body and resolves a dot path in it.
func responseText(t *testing.T, body, path string) string {
	t.Helper()
	doc, err := soap.Parse([]byte(body))
	require.NoError(t, err)
	return soap.FindHierarchy(doc, path)
}
