package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/wire"
)

// Sample is one encoded audio frame from the capture device.
type Sample struct {
	Data     []byte
	Duration time.Duration
}

// SampleSource produces encoded opus frames from the platform's audio
// stack. The host application supplies the concrete capture.
type SampleSource interface {
	ReadSample() (Sample, error)
	Close() error
}

// OpenSource opens the platform capture device. Failures map to
// device-permission errors upstream.
type OpenSource func(ctx context.Context) (SampleSource, error)

// PionDevices acquires the microphone as a pion local track fed from a
// SampleSource.
type PionDevices struct {
	open   OpenSource
	codec  webrtc.RTPCodecCapability
	logger *zap.Logger
}

// NewPionDevices creates the device layer around a capture opener producing
// frames of the given codec.
func NewPionDevices(open OpenSource, codec webrtc.RTPCodecCapability, logger *zap.Logger) *PionDevices {
	return &PionDevices{open: open, codec: codec, logger: logger}
}

// OpenMicrophone acquires the capture device and starts pumping samples
// into a local track. Stop halts the pump and closes the device.
func (d *PionDevices) OpenMicrophone(ctx context.Context) (LocalAudio, error) {
	src, err := d.open(ctx)
	if err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(d.codec, "audio", "lenstalk")
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create local track: %w", err)
	}

	audio := &pionAudio{track: track, src: src, stop: make(chan struct{}), logger: d.logger}
	audio.enabled.Store(true)
	go audio.pump()
	return audio, nil
}

type pionAudio struct {
	track    *webrtc.TrackLocalStaticSample
	src      SampleSource
	enabled  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

func (a *pionAudio) pump() {
	for {
		select {
		case <-a.stop:
			return
		default:
		}
		sample, err := a.src.ReadSample()
		if err != nil {
			return
		}
		// Mute is local-only: frames are simply not written, which the
		// peer hears as silence without any renegotiation.
		if !a.enabled.Load() {
			continue
		}
		if err := a.track.WriteSample(media.Sample{Data: sample.Data, Duration: sample.Duration}); err != nil {
			a.logger.Warn("write audio sample", zap.Error(err))
			return
		}
	}
}

func (a *pionAudio) SetEnabled(enabled bool) { a.enabled.Store(enabled) }

func (a *pionAudio) Enabled() bool { return a.enabled.Load() }

func (a *pionAudio) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		_ = a.src.Close()
	})
}

// PionFactory builds pion peer connections.
type PionFactory struct {
	cfg    webrtc.Configuration
	logger *zap.Logger
}

// NewPionFactory creates a factory using the given STUN server URLs.
func NewPionFactory(stunServers []string, logger *zap.Logger) *PionFactory {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &PionFactory{cfg: cfg, logger: logger}
}

// NewPeer creates a peer connection with the local audio track attached.
func (f *PionFactory) NewPeer(_ context.Context, audio LocalAudio, onICE func(wire.ICECandidate), onRemoteTrack func()) (Peer, error) {
	pc, err := webrtc.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if audio != nil {
		pa, ok := audio.(*pionAudio)
		if !ok {
			_ = pc.Close()
			return nil, errors.New("pion factory requires audio from PionDevices")
		}
		if _, err := pc.AddTrack(pa.track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		onICE(wire.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	var sawTrack atomic.Bool
	pc.OnTrack(func(_ *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if sawTrack.CompareAndSwap(false, true) {
			onRemoteTrack()
		}
	})

	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer(_ context.Context) (wire.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return wire.SessionDescription{}, err
	}
	return fromPionDesc(offer), nil
}

func (p *pionPeer) CreateAnswer(_ context.Context) (wire.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return wire.SessionDescription{}, err
	}
	return fromPionDesc(answer), nil
}

func (p *pionPeer) SetLocalDescription(desc wire.SessionDescription) error {
	return p.pc.SetLocalDescription(toPionDesc(desc))
}

func (p *pionPeer) SetRemoteDescription(desc wire.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPionDesc(desc))
}

func (p *pionPeer) AddICECandidate(cand wire.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func fromPionDesc(d webrtc.SessionDescription) wire.SessionDescription {
	return wire.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPionDesc(d wire.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}
