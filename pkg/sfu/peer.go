package sfu

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// maxPendingCandidates bounds candidates queued before the remote
// description arrives.
const maxPendingCandidates = 4096

// Peer wraps one server-side PeerConnection. Trickle candidates that
// arrive before the remote description are queued and drained, in
// order, once HandleOffer sets it.
type Peer struct {
	mu sync.Mutex
	pc *webrtc.PeerConnection

	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit

	// Senders added on behalf of forwarders, keyed by local track ID.
	senders map[string]*webrtc.RTPSender

	closed bool
}

func newPeer(pc *webrtc.PeerConnection) *Peer {
	return &Peer{
		pc:      pc,
		senders: make(map[string]*webrtc.RTPSender),
	}
}

// OnAudioTrack registers a handler for inbound audio tracks. Tracks of
// any other kind are dropped.
func (p *Peer) OnAudioTrack(fn func(track *webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		fn(track)
	})
}

// OnICECandidate registers a handler for locally gathered candidates.
// The handler receives nil once gathering completes.
func (p *Peer) OnICECandidate(fn func(candidate *webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

// OnConnectionStateChange registers a connection state handler.
func (p *Peer) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

// HandleOffer applies a remote offer, drains queued candidates, and
// returns the raw local answer SDP.
func (p *Peer) HandleOffer(offerSDP string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrPeerClosed
	}

	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	p.remoteSet = true

	for _, c := range p.pendingICE {
		if err := p.pc.AddICECandidate(c); err != nil {
			return "", err
		}
	}
	p.pendingICE = nil

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}

	return answer.SDP, nil
}

// AddICECandidate applies a remote candidate, queueing it when the
// remote description has not been set yet.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	if !p.remoteSet {
		if len(p.pendingICE) >= maxPendingCandidates {
			return ErrCandidateQueueFull
		}
		p.pendingICE = append(p.pendingICE, candidate)
		return nil
	}
	return p.pc.AddICECandidate(candidate)
}

// AddTrack attaches a local track for forwarding to this peer.
func (p *Peer) AddTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPeerClosed
	}

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	p.senders[track.ID()] = sender
	return sender, nil
}

// RemoveTrack detaches a forwarded track by its local track ID.
func (p *Peer) RemoveTrack(trackID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}

	sender, ok := p.senders[trackID]
	if !ok {
		return nil
	}
	delete(p.senders, trackID)
	return p.pc.RemoveTrack(sender)
}

// IsClosed reports whether Close has run.
func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ConnectionState returns the current connection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return p.pc.ConnectionState()
}

// Close stops every sender, then the connection. Idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	senders := p.senders
	p.senders = nil
	pc := p.pc
	p.mu.Unlock()

	for _, sender := range senders {
		sender.Stop()
	}
	return pc.Close()
}
