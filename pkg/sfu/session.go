package sfu

import (
	"strconv"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/voicelab/huddle/pkg/auth"
	"github.com/voicelab/huddle/pkg/signaling"
)

// Transport is the signaling side of a session: an ordered message
// stream in, serialized sends out.
type Transport interface {
	Send(msg signaling.Message) error
	Incoming() <-chan signaling.Message
	Done() <-chan struct{}
	Close() error
}

// State is a session's position in its lifecycle.
type State int32

const (
	// StateRegistered means the session joined its room.
	StateRegistered State = iota
	// StateWaiting means the session is queued for admission.
	StateWaiting
	// StateNegotiating means the session is exchanging SDP.
	StateNegotiating
	// StateLive means the answer has been sent and media may flow.
	StateLive
	// StateClosed means the session has been torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateWaiting:
		return "waiting"
	case StateNegotiating:
		return "negotiating"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session drives one connection through the room protocol: register,
// gate on admission, negotiate, then serve the live message loop until
// the transport drops.
type Session struct {
	id   int64
	role auth.Role
	room *Room
	tr   Transport
	log  logging.LeveledLogger

	mu    sync.Mutex
	peer  *Peer
	state State

	admitCh   chan struct{}
	admitOnce sync.Once
}

func newSession(id int64, role auth.Role, room *Room, tr Transport, log logging.LeveledLogger) *Session {
	return &Session{
		id:      id,
		role:    role,
		room:    room,
		tr:      tr,
		log:     log,
		admitCh: make(chan struct{}),
	}
}

// ID returns the session's peer ID.
func (s *Session) ID() int64 {
	return s.id
}

// Role returns the privilege level extracted at connect time.
func (s *Session) Role() auth.Role {
	return s.role
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Peer returns the media peer, nil before admission.
func (s *Session) Peer() *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// bindPeer wires a freshly created media peer to this session's
// transport. Called by the room during admission, before the admit
// gate opens. Returns false if another admission already bound one.
func (s *Session) bindPeer(peer *Peer) bool {
	s.mu.Lock()
	if s.peer != nil {
		s.mu.Unlock()
		return false
	}
	s.peer = peer
	s.mu.Unlock()

	peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			s.tr.Send(signaling.ICE(nil))
			return
		}
		init := c.ToJSON()
		s.tr.Send(signaling.ICE(&signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}))
	})

	peer.OnAudioTrack(func(track *webrtc.TrackRemote) {
		s.room.onTrackPublished(s, track)
	})

	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			s.log.Warnf("peer %d: %v", s.id, ErrConnectionFailed)
			s.tr.Close()
		}
	})

	return true
}

// admitted opens the admission gate. Idempotent.
func (s *Session) admitted() {
	s.admitOnce.Do(func() {
		close(s.admitCh)
	})
}

// Run executes the session lifecycle. It returns when the transport
// closes or the room refuses the join.
func (s *Session) Run() {
	defer s.teardown()

	if err := s.room.Join(s); err != nil {
		s.log.Warnf("peer %d: join %s: %v", s.id, s.room.ID(), err)
		return
	}

	// Both admins and users gate here; an admin's gate is already open
	// because Join self-admits it.
	select {
	case <-s.admitCh:
	case <-s.tr.Done():
		return
	}

	for {
		select {
		case msg, ok := <-s.tr.Incoming():
			if !ok {
				return
			}
			s.dispatch(msg)
		case <-s.tr.Done():
			return
		}
	}
}

func (s *Session) teardown() {
	s.room.Leave(s)
	s.tr.Close()
	s.setState(StateClosed)
}

func (s *Session) dispatch(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeOffer:
		s.handleOffer(msg)
	case signaling.MessageTypeICE:
		s.handleICE(msg)
	case signaling.MessageTypeChat:
		s.room.Broadcast(signaling.Chat(s.chatFrom(msg.From), msg.Text))
	case signaling.MessageTypeAdmit:
		if !s.role.IsAdmin() {
			s.log.Debugf("peer %d: admit dropped, not admin", s.id)
			return
		}
		if err := s.room.Admit(msg.PeerID); err != nil {
			s.log.Warnf("peer %d: admit %d: %v", s.id, msg.PeerID, err)
		}
	case signaling.MessageTypeMaterialEvent:
		if !s.role.IsAdmin() {
			s.log.Debugf("peer %d: material_event dropped, not admin", s.id)
			return
		}
		s.room.Broadcast(signaling.MaterialEvent(msg.Event, msg.Payload))
	default:
		s.log.Debugf("peer %d: ignoring %q", s.id, msg.Type)
	}
}

func (s *Session) handleOffer(msg signaling.Message) {
	peer := s.Peer()
	if peer == nil {
		s.log.Debugf("peer %d: offer before admission", s.id)
		return
	}

	s.setState(StateNegotiating)
	answer, err := peer.HandleOffer(msg.SDP)
	if err != nil {
		s.log.Warnf("peer %d: offer: %v", s.id, err)
		return
	}

	if err := s.tr.Send(signaling.Answer(PatchAnswer(answer))); err != nil {
		return
	}
	s.setState(StateLive)
}

func (s *Session) handleICE(msg signaling.Message) {
	// A null candidate is the client's end-of-candidates marker.
	if msg.Candidate == nil {
		return
	}
	peer := s.Peer()
	if peer == nil {
		s.log.Debugf("peer %d: candidate before admission", s.id)
		return
	}

	err := peer.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        msg.Candidate.Candidate,
		SDPMid:           msg.Candidate.SDPMid,
		SDPMLineIndex:    msg.Candidate.SDPMLineIndex,
		UsernameFragment: msg.Candidate.UsernameFragment,
	})
	if err != nil {
		s.log.Warnf("peer %d: candidate: %v", s.id, err)
	}
}

func (s *Session) chatFrom(from string) string {
	if from != "" {
		return from
	}
	return strconv.FormatInt(s.id, 10)
}
