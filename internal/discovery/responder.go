// Package discovery answers WS-Discovery probes so ONVIF clients can find
// the simulated device on the local network.
package discovery

import (
	"context"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/osrv/onvifsim/internal/config"
	"github.com/osrv/onvifsim/internal/service"
	"github.com/osrv/onvifsim/internal/soap"
)

// The WS-Discovery multicast group every ONVIF client probes.
const (
	MulticastAddress = "239.255.255.250"
	Port             = 3702
)

// probe Types worth answering; anything else is some other device class
var onvifTypes = []string{"NetworkVideoTransmitter", "NetworkVideoDisplay", "Device"}

var probeMatchNamespaces = map[string]string{
	"s":   "http://www.w3.org/2003/05/soap-envelope",
	"wsa": "http://schemas.xmlsoap.org/ws/2004/08/addressing",
	"d":   "http://schemas.xmlsoap.org/ws/2005/04/discovery",
	"dn":  "http://www.onvif.org/ver10/network/wsdl",
}

// Responder listens on the discovery multicast group and answers matching
// probes with a ProbeMatch describing this device.
type Responder struct {
	log *zap.Logger

	endpointUUID string
	types        string
	scopes       []string
	xaddr        string

	newMessageID func() string
}

// NewResponder builds a responder from the discovery configuration. The
// endpoint UUID is generated when the config leaves it empty.
func NewResponder(log *zap.Logger, cfg *config.Config) *Responder {
	endpointUUID := cfg.Discovery.EndpointUUID
	if endpointUUID == "" {
		endpointUUID = uuid.NewString()
	}
	return &Responder{
		log:          log.Named("discovery"),
		endpointUUID: endpointUUID,
		types:        cfg.Discovery.Types,
		scopes:       cfg.Discovery.Scopes,
		xaddr:        cfg.BaseURL() + service.DevicePath,
		newMessageID: func() string { return "urn:uuid:" + uuid.NewString() },
	}
}

// Run serves probes until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	group := &net.UDPAddr{IP: net.ParseIP(MulticastAddress), Port: Port}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return errors.Annotate(err, "join discovery group")
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	r.log.Info("discovery responder listening",
		zap.String("group", group.String()),
		zap.String("xaddr", r.xaddr))

	buf := make([]byte, 4096)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Annotate(err, "read probe")
		}

		resp, ok := r.HandleProbe(buf[:n])
		if !ok {
			continue
		}

		if _, err := conn.WriteToUDP([]byte(resp), remote); err != nil {
			r.log.Error("probe match send failed",
				zap.String("remote", remote.String()),
				zap.Error(err))
			continue
		}
		r.log.Debug("probe match sent", zap.String("remote", remote.String()))
	}
}

// HandleProbe decides whether a probe deserves a reply and builds it.
func (r *Responder) HandleProbe(probe []byte) (string, bool) {
	doc, err := soap.Parse(probe)
	if err != nil {
		r.log.Debug("ignoring malformed probe")
		return "", false
	}

	types := soap.FindHierarchy(doc, "Envelope.Body.Probe.Types")
	if !matchesONVIF(types) {
		r.log.Debug("ignoring probe for foreign types", zap.String("types", types))
		return "", false
	}

	relatesTo := soap.FindHierarchy(doc, "Envelope.Header.MessageID")
	if relatesTo == "" {
		r.log.Error("probe has no MessageID, match dropped")
		return "", false
	}

	resp, err := r.probeMatch(relatesTo)
	if err != nil {
		r.log.Error("probe match serialization failed", zap.Error(err))
		return "", false
	}
	return resp, true
}

func matchesONVIF(types string) bool {
	for _, t := range onvifTypes {
		if strings.Contains(types, t) {
			return true
		}
	}
	return false
}

// probeMatch renders the reply: a fresh MessageID, RelatesTo echoing the
// probe, and this device's endpoint, types, scopes and XAddrs.
func (r *Responder) probeMatch(relatesTo string) (string, error) {
	env := soap.NewEnvelope(probeMatchNamespaces)

	env.SetMessageID(r.newMessageID())
	env.Header().CreateElement("wsa:RelatesTo").SetText(relatesTo)
	env.SetTo("urn:schemas-xmlsoap-org:ws:2005:04:discovery")
	env.SetAction("http://schemas.xmlsoap.org/ws/2005/04/discovery/ProbeMatches")

	match := env.Body().
		CreateElement("d:ProbeMatches").
		CreateElement("d:ProbeMatch")
	match.CreateElement("wsa:EndpointReference").
		CreateElement("wsa:Address").
		SetText("urn:uuid:" + r.endpointUUID)
	match.CreateElement("d:Types").SetText(r.types)
	match.CreateElement("d:Scopes").SetText(strings.Join(r.scopes, " "))
	match.CreateElement("d:XAddrs").SetText(r.xaddr)
	match.CreateElement("d:MetadataVersion").SetText("1")

	return env.String()
}
