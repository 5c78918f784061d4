// Package service implements the ONVIF service ports: device, media and
// events, each mounted as a SOAP endpoint behind its own dispatcher.
package service

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/osrv/onvifsim/internal/auth"
	"github.com/osrv/onvifsim/internal/config"
	"github.com/osrv/onvifsim/internal/dispatch"
	"github.com/osrv/onvifsim/internal/soap"
)

// Service endpoint paths.
const (
	DevicePath = "/onvif/device_service"
	MediaPath  = "/onvif/media_service"
	EventsPath = "/onvif/event_service"
)

// DeviceService serves the ONVIF Device Management port.
type DeviceService struct {
	log   *zap.Logger
	cfg   *config.Config
	users []auth.UserAccount
	disp  *dispatch.Dispatcher
	clock func() time.Time
}

// NewDeviceService wires the device operations into a dispatcher.
func NewDeviceService(log *zap.Logger, cfg *config.Config, gate *dispatch.Gate) *DeviceService {
	s := &DeviceService{
		log:   log.Named("device"),
		cfg:   cfg,
		users: cfg.UserAccounts(),
		clock: time.Now,
	}

	d := dispatch.NewDispatcher(log, "device", gate, dispatch.WithDelay(cfg.Server.NetworkDelay))
	d.Register(
		dispatch.Operation{Name: "GetSystemDateAndTime", Level: auth.PreAuth, Handle: s.getSystemDateAndTime},
		dispatch.Operation{Name: "GetServices", Level: auth.PreAuth, Handle: s.getServices},
		dispatch.Operation{Name: "GetCapabilities", Level: auth.PreAuth, Handle: s.getCapabilities},
		dispatch.Operation{Name: "GetDeviceInformation", Level: auth.ReadSystem, Handle: s.getDeviceInformation},
		dispatch.Operation{Name: "GetScopes", Level: auth.ReadSystem, Handle: s.getScopes},
		dispatch.Operation{Name: "GetUsers", Level: auth.ReadSystemSecret, Handle: s.getUsers},
		dispatch.Operation{Name: "SystemReboot", Level: auth.Unrecoverable, Handle: s.systemReboot},
	)
	s.disp = d
	return s
}

// Mount registers the endpoint on the router.
func (s *DeviceService) Mount(r gin.IRouter) {
	r.POST(DevicePath, s.disp.GinHandler())
}

func (s *DeviceService) getDeviceInformation(*dispatch.Request) (string, error) {
	env := soap.NewEnvelope(soap.EnvelopeNamespaces)

	resp := env.Body().CreateElement("tds:GetDeviceInformationResponse")
	resp.CreateElement("tds:Manufacturer").SetText(s.cfg.Device.Manufacturer)
	resp.CreateElement("tds:Model").SetText(s.cfg.Device.Model)
	resp.CreateElement("tds:FirmwareVersion").SetText(s.cfg.Device.FirmwareVersion)
	resp.CreateElement("tds:SerialNumber").SetText(s.cfg.Device.SerialNumber)
	resp.CreateElement("tds:HardwareId").SetText(s.cfg.Device.HardwareID)

	return env.String()
}

func (s *DeviceService) getSystemDateAndTime(*dispatch.Request) (string, error) {
	now := s.clock().UTC()

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	sdt := env.Body().
		CreateElement("tds:GetSystemDateAndTimeResponse").
		CreateElement("tds:SystemDateAndTime")
	sdt.CreateElement("tt:DateTimeType").SetText("Manual")
	sdt.CreateElement("tt:DaylightSavings").SetText("false")

	utc := sdt.CreateElement("tt:UTCDateTime")
	tm := utc.CreateElement("tt:Time")
	tm.CreateElement("tt:Hour").SetText(fmt.Sprintf("%d", now.Hour()))
	tm.CreateElement("tt:Minute").SetText(fmt.Sprintf("%d", now.Minute()))
	tm.CreateElement("tt:Second").SetText(fmt.Sprintf("%d", now.Second()))
	date := utc.CreateElement("tt:Date")
	date.CreateElement("tt:Year").SetText(fmt.Sprintf("%d", now.Year()))
	date.CreateElement("tt:Month").SetText(fmt.Sprintf("%d", int(now.Month())))
	date.CreateElement("tt:Day").SetText(fmt.Sprintf("%d", now.Day()))

	return env.String()
}

func (s *DeviceService) getServices(req *dispatch.Request) (string, error) {
	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	resp := env.Body().CreateElement("tds:GetServicesResponse")

	for _, svc := range []struct {
		namespace string
		path      string
	}{
		{"http://www.onvif.org/ver10/device/wsdl", DevicePath},
		{"http://www.onvif.org/ver10/media/wsdl", MediaPath},
		{"http://www.onvif.org/ver10/events/wsdl", EventsPath},
	} {
		el := resp.CreateElement("tds:Service")
		el.CreateElement("tds:Namespace").SetText(svc.namespace)
		el.CreateElement("tds:XAddr").SetText(s.cfg.BaseURL() + svc.path)
		version := el.CreateElement("tds:Version")
		version.CreateElement("tt:Major").SetText("2")
		version.CreateElement("tt:Minor").SetText("0")
	}

	return env.String()
}

func (s *DeviceService) getCapabilities(*dispatch.Request) (string, error) {
	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	caps := env.Body().
		CreateElement("tds:GetCapabilitiesResponse").
		CreateElement("tds:Capabilities")

	device := caps.CreateElement("tt:Device")
	device.CreateElement("tt:XAddr").SetText(s.cfg.BaseURL() + DevicePath)

	events := caps.CreateElement("tt:Events")
	events.CreateElement("tt:XAddr").SetText(s.cfg.BaseURL() + EventsPath)
	events.CreateElement("tt:WSSubscriptionPolicySupport").SetText("false")
	events.CreateElement("tt:WSPullPointSupport").SetText("true")

	media := caps.CreateElement("tt:Media")
	media.CreateElement("tt:XAddr").SetText(s.cfg.BaseURL() + MediaPath)
	streaming := media.CreateElement("tt:StreamingCapabilities")
	streaming.CreateElement("tt:RTPMulticast").SetText("false")
	streaming.CreateElement("tt:RTP_TCP").SetText("true")
	streaming.CreateElement("tt:RTP_RTSP_TCP").SetText("true")

	return env.String()
}

func (s *DeviceService) getScopes(*dispatch.Request) (string, error) {
	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	resp := env.Body().CreateElement("tds:GetScopesResponse")

	for _, scope := range s.cfg.Discovery.Scopes {
		el := resp.CreateElement("tds:Scopes")
		el.CreateElement("tt:ScopeDef").SetText("Fixed")
		el.CreateElement("tt:ScopeItem").SetText(scope)
	}

	return env.String()
}

// getUsers reports logins and levels only. Passwords never leave the
// device.
func (s *DeviceService) getUsers(*dispatch.Request) (string, error) {
	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	resp := env.Body().CreateElement("tds:GetUsersResponse")

	for _, u := range s.users {
		el := resp.CreateElement("tds:User")
		el.CreateElement("tt:Username").SetText(u.Login)
		el.CreateElement("tt:UserLevel").SetText(userLevel(u.Type))
	}

	return env.String()
}

func userLevel(t auth.UserType) string {
	switch t {
	case auth.Admin:
		return "Administrator"
	case auth.Operator:
		return "Operator"
	default:
		return "User"
	}
}

func (s *DeviceService) systemReboot(*dispatch.Request) (string, error) {
	s.log.Warn("system reboot requested, simulating")

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	env.Body().
		CreateElement("tds:SystemRebootResponse").
		CreateElement("tds:Message").
		SetText("Rebooting in 30 seconds")

	return env.String()
}
