package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/osrv/onvifsim/internal/auth"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "onvifsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  address: 192.168.1.5
  http_port: 8080
  rtsp_port: 8554
  network_delay: 200ms
auth:
  scheme: digest
  realm: TestRealm
  nonce_ttl: 30s
users:
  - login: admin
    password: admin123
    type: administrator
  - login: viewer
    password: viewer123
    type: user
device:
  manufacturer: acme
  model: cam-1000
events:
  pull_point:
    timeout_interval: 2m
    max_messages: 10
  digital_inputs:
    - token: DIGIT_INPUT_0
      enabled: true
  generators:
    - type: motion_alarm
      enabled: true
      interval: 5s
      topic: tns1:VideoSource/MotionAlarm
      source: VideoSource_0
discovery:
  scopes:
    - onvif://www.onvif.org/Profile/Streaming
`))
	require.NoError(t, err)

	require.Equal(t, "192.168.1.5", cfg.Server.Address)
	require.Equal(t, 200*time.Millisecond, cfg.Server.NetworkDelay)
	require.Equal(t, "TestRealm", cfg.Auth.Realm)
	require.Equal(t, 30*time.Second, cfg.Auth.NonceTTL)
	require.Equal(t, 2*time.Minute, cfg.Events.PullPoint.TimeoutInterval)
	require.Equal(t, 10, cfg.Events.PullPoint.MaxMessages)
	require.Len(t, cfg.Events.Generators, 1)

	accounts := cfg.UserAccounts()
	require.Equal(t, []auth.UserAccount{
		{Login: "admin", Password: "admin123", Type: auth.Admin},
		{Login: "viewer", Password: "viewer123", Type: auth.User},
	}, accounts)

	require.Equal(t, "http://192.168.1.5:8080", cfg.BaseURL())
	require.Equal(t, "rtsp://192.168.1.5:8554/Live&Unicast", cfg.RTSPURL("Live&Unicast"))
}

func TestDefaultsApply(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  address: 10.0.0.1
`))
	require.NoError(t, err)

	require.Equal(t, SchemeDigest, cfg.Auth.Scheme)
	require.Equal(t, time.Minute, cfg.Auth.NonceTTL)
	require.Equal(t, 8080, cfg.Server.HTTPPort)
	require.Equal(t, 50, cfg.Events.PullPoint.MaxMessages)
	require.True(t, cfg.Discovery.Enabled)
}

func TestValidation(t *testing.T) {
	for _, ca := range []struct {
		name string
		body string
	}{
		{"bad scheme", "auth:\n  scheme: basic\n"},
		{"bad user type", "users:\n  - login: x\n    password: y\n    type: root\n"},
		{"empty login", "users:\n  - login: \"\"\n    password: y\n    type: user\n"},
		{"bad generator type", "events:\n  generators:\n    - type: earthquake\n      enabled: true\n      interval: 1s\n"},
		{"zero interval", "events:\n  generators:\n    - type: motion_alarm\n      enabled: true\n"},
		{"bad port", "server:\n  http_port: 99999\n"},
	} {
		t.Run(ca.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, ca.body))
			require.Error(t, err)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
