// Package media serves the simulated live video stream over RTSP so the
// URIs handed out by the media service actually play.
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	"github.com/juju/errors"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/osrv/onvifsim/internal/config"
)

const (
	frameRate    = 25
	rtpClockRate = 90000
	payloadType  = 96
)

// Baseline 1920x1080 parameter sets advertised in the SDP and refreshed
// in-band ahead of every synthetic keyframe.
var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x28, 0xac, 0xd9, 0x40, 0x78,
		0x02, 0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00,
		0x04, 0x00, 0x00, 0x03, 0x00, 0xc8, 0x3c, 0x60,
		0xc6, 0x58,
	}
	testPPS = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
)

// Server is a single-stream RTSP server. Every session plays the same
// generated H264 feed at the configured stream path.
type Server struct {
	log  *zap.Logger
	addr string
	path string

	server *gortsplib.Server
	stream *gortsplib.ServerStream
	video  *description.Media
}

func NewServer(log *zap.Logger, cfg *config.Config) *Server {
	return &Server{
		log:  log.Named("rtsp"),
		addr: fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.RTSPPort),
		path: "/" + cfg.Media.StreamPath,
	}
}

// Run serves RTSP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.server = &gortsplib.Server{
		Handler:     s,
		RTSPAddress: s.addr,
	}
	if err := s.server.Start(); err != nil {
		return errors.Annotate(err, "start rtsp server")
	}
	defer s.server.Close()

	s.video = &description.Media{
		Type: description.MediaTypeVideo,
		Formats: []format.Format{&format.H264{
			PayloadTyp:        payloadType,
			SPS:               testSPS,
			PPS:               testPPS,
			PacketizationMode: 1,
		}},
	}

	s.stream = &gortsplib.ServerStream{
		Server: s.server,
		Desc:   &description.Session{Medias: []*description.Media{s.video}},
	}
	if err := s.stream.Initialize(); err != nil {
		return errors.Annotate(err, "initialize stream")
	}
	defer s.stream.Close()

	s.log.Info("rtsp server listening",
		zap.String("address", s.addr),
		zap.String("path", s.path))

	go s.feed(ctx)

	done := make(chan error, 1)
	go func() { done <- s.server.Wait() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return errors.Annotate(err, "rtsp server")
	}
}

// feed pushes one synthetic access unit per frame interval. Content is a
// repeating filler slice; once a second the parameter sets and an IDR-coded
// slice are sent so late joiners can start decoding.
func (s *Server) feed(ctx context.Context) {
	ticker := time.NewTicker(time.Second / frameRate)
	defer ticker.Stop()

	var (
		seq       uint16
		timestamp uint32
		frame     int
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		keyframe := frame%frameRate == 0
		nalus := frameNALUs(keyframe, frame)
		for i, nalu := range nalus {
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    payloadType,
					SequenceNumber: seq,
					Timestamp:      timestamp,
					Marker:         i == len(nalus)-1,
				},
				Payload: nalu,
			}
			if err := s.stream.WritePacketRTP(s.video, pkt); err != nil {
				s.log.Debug("rtp write failed", zap.Error(err))
			}
			seq++
		}

		timestamp += rtpClockRate / frameRate
		frame++
	}
}

// frameNALUs returns the NAL units of one frame, each small enough to ride
// in a single RTP packet.
func frameNALUs(keyframe bool, frame int) [][]byte {
	slice := fillerSlice(keyframe, frame)
	if keyframe {
		return [][]byte{testSPS, testPPS, slice}
	}
	return [][]byte{slice}
}

// fillerSlice fabricates a coded-slice NAL. Decoders render garbage from
// it, which is fine: clients only need a stream that flows.
func fillerSlice(keyframe bool, frame int) []byte {
	header := byte(0x61) // non-IDR slice, nal_ref_idc 3
	if keyframe {
		header = 0x65 // IDR slice
	}
	slice := make([]byte, 64)
	slice[0] = header
	for i := 1; i < len(slice); i++ {
		slice[i] = byte(frame + i)
	}
	return slice
}

// OnConnOpen implements gortsplib.ServerHandler.
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	s.log.Debug("connection opened",
		zap.String("remote", ctx.Conn.NetConn().RemoteAddr().String()))
}

// OnConnClose implements gortsplib.ServerHandler.
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.log.Debug("connection closed", zap.Error(ctx.Error))
}

// OnSessionOpen implements gortsplib.ServerHandler.
func (s *Server) OnSessionOpen(_ *gortsplib.ServerHandlerOnSessionOpenCtx) {
	s.log.Debug("session opened")
}

// OnSessionClose implements gortsplib.ServerHandler.
func (s *Server) OnSessionClose(_ *gortsplib.ServerHandlerOnSessionCloseCtx) {
	s.log.Debug("session closed")
}

// OnDescribe implements gortsplib.ServerHandler.
func (s *Server) OnDescribe(
	ctx *gortsplib.ServerHandlerOnDescribeCtx,
) (*base.Response, *gortsplib.ServerStream, error) {
	if ctx.Path != s.path {
		s.log.Debug("describe for unknown path", zap.String("path", ctx.Path))
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, s.stream, nil
}

// OnSetup implements gortsplib.ServerHandler.
func (s *Server) OnSetup(
	ctx *gortsplib.ServerHandlerOnSetupCtx,
) (*base.Response, *gortsplib.ServerStream, error) {
	if ctx.Path != s.path {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, s.stream, nil
}

// OnPlay implements gortsplib.ServerHandler.
func (s *Server) OnPlay(_ *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusOK}, nil
}
