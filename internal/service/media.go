package service

import (
	"errors"

	"github.com/beevik/etree"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/osrv/onvifsim/internal/auth"
	"github.com/osrv/onvifsim/internal/config"
	"github.com/osrv/onvifsim/internal/dispatch"
	"github.com/osrv/onvifsim/internal/profiles"
	"github.com/osrv/onvifsim/internal/soap"
)

// MediaService serves the ONVIF Media port backed by the profile store.
type MediaService struct {
	log   *zap.Logger
	cfg   *config.Config
	store *profiles.Store
	disp  *dispatch.Dispatcher
}

// NewMediaService wires the media operations into a dispatcher.
func NewMediaService(log *zap.Logger, cfg *config.Config, gate *dispatch.Gate, store *profiles.Store) *MediaService {
	s := &MediaService{
		log:   log.Named("media"),
		cfg:   cfg,
		store: store,
	}

	d := dispatch.NewDispatcher(log, "media", gate, dispatch.WithDelay(cfg.Server.NetworkDelay))
	d.Register(
		dispatch.Operation{Name: "GetProfiles", Level: auth.ReadMedia, Handle: s.getProfiles},
		dispatch.Operation{Name: "GetProfile", Level: auth.ReadMedia, Handle: s.getProfile},
		dispatch.Operation{Name: "GetVideoSources", Level: auth.ReadMedia, Handle: s.getVideoSources},
		dispatch.Operation{Name: "GetStreamUri", Level: auth.ReadMedia, Handle: s.getStreamURI},
		dispatch.Operation{Name: "GetSnapshotUri", Level: auth.ReadMedia, Handle: s.getSnapshotURI},
		dispatch.Operation{Name: "CreateProfile", Level: auth.Actuate, Handle: s.createProfile},
		dispatch.Operation{Name: "DeleteProfile", Level: auth.Actuate, Handle: s.deleteProfile},
	)
	s.disp = d
	return s
}

// Mount registers the endpoint on the router.
func (s *MediaService) Mount(r gin.IRouter) {
	r.POST(MediaPath, s.disp.GinHandler())
}

func profileFault(err error) error {
	switch {
	case errors.Is(err, profiles.ErrNoSuchProfile):
		return &dispatch.Fault{
			Code:     soap.FaultSender,
			Subcodes: []string{"ter:InvalidArgVal", "ter:NoProfile"},
			Reason:   "The requested profile token does not exist",
		}
	case errors.Is(err, profiles.ErrFixedProfile):
		return &dispatch.Fault{
			Code:     soap.FaultSender,
			Subcodes: []string{"ter:Action", "ter:DeletionOfFixedProfile"},
			Reason:   "A fixed Profile cannot be deleted",
		}
	default:
		return err
	}
}

// writeProfile renders one profile as a trt child element.
func writeProfile(parent *etree.Element, tag string, p profiles.Profile) {
	el := parent.CreateElement(tag)
	el.CreateAttr("token", p.Token)
	if p.Fixed {
		el.CreateAttr("fixed", "true")
	} else {
		el.CreateAttr("fixed", "false")
	}
	el.CreateElement("tt:Name").SetText(p.Name)

	if token, ok := p.Configurations["VideoSource"]; ok {
		vsc := el.CreateElement("tt:VideoSourceConfiguration")
		vsc.CreateAttr("token", token)
		vsc.CreateElement("tt:SourceToken").SetText(token)
	}
	if token, ok := p.Configurations["VideoEncoder"]; ok {
		vec := el.CreateElement("tt:VideoEncoderConfiguration")
		vec.CreateAttr("token", token)
		vec.CreateElement("tt:Encoding").SetText("H264")
	}
}

func (s *MediaService) getProfiles(*dispatch.Request) (string, error) {
	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	resp := env.Body().CreateElement("trt:GetProfilesResponse")

	for _, p := range s.store.Profiles() {
		writeProfile(resp, "trt:Profiles", p)
	}

	return env.String()
}

func (s *MediaService) getProfile(req *dispatch.Request) (string, error) {
	token := req.Text("Envelope.Body.GetProfile.ProfileToken")
	p, err := s.store.ProfileByToken(token)
	if err != nil {
		return "", profileFault(err)
	}

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	writeProfile(env.Body().CreateElement("trt:GetProfileResponse"), "trt:Profile", p)
	return env.String()
}

func (s *MediaService) getVideoSources(*dispatch.Request) (string, error) {
	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	resp := env.Body().CreateElement("trt:GetVideoSourcesResponse")

	for _, src := range s.store.Configurations("VideoSource") {
		el := resp.CreateElement("trt:VideoSources")
		el.CreateAttr("token", src.Token)
		el.CreateElement("tt:Framerate").SetText("25")
		res := el.CreateElement("tt:Resolution")
		res.CreateElement("tt:Width").SetText("1920")
		res.CreateElement("tt:Height").SetText("1080")
	}

	return env.String()
}

func (s *MediaService) getStreamURI(req *dispatch.Request) (string, error) {
	token := req.Text("Envelope.Body.GetStreamUri.ProfileToken")
	if _, err := s.store.ProfileByToken(token); err != nil {
		return "", profileFault(err)
	}

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	uri := env.Body().
		CreateElement("trt:GetStreamUriResponse").
		CreateElement("trt:MediaUri")
	uri.CreateElement("tt:Uri").SetText(s.cfg.RTSPURL(s.cfg.Media.StreamPath))
	uri.CreateElement("tt:InvalidAfterConnect").SetText("false")
	uri.CreateElement("tt:InvalidAfterReboot").SetText("false")
	uri.CreateElement("tt:Timeout").SetText("PT0S")

	return env.String()
}

func (s *MediaService) getSnapshotURI(req *dispatch.Request) (string, error) {
	token := req.Text("Envelope.Body.GetSnapshotUri.ProfileToken")
	if _, err := s.store.ProfileByToken(token); err != nil {
		return "", profileFault(err)
	}

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	uri := env.Body().
		CreateElement("trt:GetSnapshotUriResponse").
		CreateElement("trt:MediaUri")
	uri.CreateElement("tt:Uri").SetText(s.cfg.BaseURL() + "/" + s.cfg.Media.SnapshotPath)
	uri.CreateElement("tt:InvalidAfterConnect").SetText("false")
	uri.CreateElement("tt:InvalidAfterReboot").SetText("false")
	uri.CreateElement("tt:Timeout").SetText("PT0S")

	return env.String()
}

func (s *MediaService) createProfile(req *dispatch.Request) (string, error) {
	name := req.Text("Envelope.Body.CreateProfile.Name")
	if name == "" {
		return "", &dispatch.Fault{
			Code:     soap.FaultSender,
			Subcodes: []string{"ter:InvalidArgVal"},
			Reason:   "Profile name is required",
		}
	}

	p, err := s.store.Create(name)
	if err != nil {
		return "", err
	}
	s.log.Info("profile created", zap.String("token", p.Token), zap.String("name", p.Name))

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	writeProfile(env.Body().CreateElement("trt:CreateProfileResponse"), "trt:Profile", p)
	return env.String()
}

func (s *MediaService) deleteProfile(req *dispatch.Request) (string, error) {
	token := req.Text("Envelope.Body.DeleteProfile.ProfileToken")
	if err := s.store.Delete(token); err != nil {
		return "", profileFault(err)
	}
	s.log.Info("profile deleted", zap.String("token", token))

	env := soap.NewEnvelope(soap.EnvelopeNamespaces)
	env.Body().CreateElement("trt:DeleteProfileResponse")
	return env.String()
}
