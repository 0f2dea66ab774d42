package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"whisper/internal/domain"
)

// PionFactory builds peers on github.com/pion/webrtc/v4 with the default
// codec set.
type PionFactory struct {
	api *webrtc.API
}

func NewPionFactory() (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("rtc: register codecs: %w", err)
	}
	return &PionFactory{api: webrtc.NewAPI(webrtc.WithMediaEngine(m))}, nil
}

func (f *PionFactory) NewPeer(cfg Config) (Peer, error) {
	conf := webrtc.Configuration{}
	for _, s := range cfg.ICEServers {
		conf.ICEServers = append(conf.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := f.api.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if cfg.Video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, k := range kinds {
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("rtc: add %s transceiver: %w", k, err)
		}
	}

	p := &pionPeer{pc: pc}
	pc.OnConnectionStateChange(p.stateChanged)
	return p, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	early       []webrtc.ICECandidateInit
	onConnected func()
	onFailed    func()
}

func (p *pionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("rtc: set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionPeer) CreateAnswer(offer string) (string, error) {
	if err := p.setRemote(webrtc.SDPTypeOffer, offer); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("rtc: set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *pionPeer) SetAnswer(answer string) error {
	return p.setRemote(webrtc.SDPTypeAnswer, answer)
}

func (p *pionPeer) setRemote(t webrtc.SDPType, sdp string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp}); err != nil {
		return fmt.Errorf("rtc: set remote %s: %w", t, err)
	}
	p.mu.Lock()
	early := p.early
	p.early = nil
	p.mu.Unlock()
	for _, c := range early {
		if err := p.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("rtc: apply held candidate: %w", err)
		}
	}
	return nil
}

func (p *pionPeer) AddICECandidate(c domain.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.early = append(p.early, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *pionPeer) OnConnected(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnected = fn
}

func (p *pionPeer) OnFailed(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailed = fn
}

func (p *pionPeer) stateChanged(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	connected, failed := p.onConnected, p.onFailed
	p.mu.Unlock()
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if connected != nil {
			connected()
		}
	case webrtc.PeerConnectionStateFailed:
		if failed != nil {
			failed()
		}
	}
}

// HeldCandidates reports how many remote candidates wait for a remote
// description.
func (p *pionPeer) HeldCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.early)
}

func (p *pionPeer) Close() error { return p.pc.Close() }
