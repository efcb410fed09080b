package sfu

import (
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/voicelab/huddle/pkg/signaling"
)

// Room holds one conference: a role register of admins, the admission
// queue, the live peer set, and the forwarders fanning published audio
// out. All three sets are guarded by one mutex; waiting and admitted
// are mutually exclusive, and an admin is never waiting.
type Room struct {
	mu     sync.RWMutex
	id     string
	engine *Engine
	log    logging.LeveledLogger

	admins   map[int64]*Session
	waiting  map[int64]*Session
	admitted map[int64]*Session

	// Creation order, so late joiners subscribe oldest first.
	forwarders []*Forwarder

	started time.Time
	closed  bool
}

func newRoom(id string, engine *Engine, log logging.LeveledLogger) *Room {
	return &Room{
		id:       id,
		engine:   engine,
		log:      log,
		admins:   make(map[int64]*Session),
		waiting:  make(map[int64]*Session),
		admitted: make(map[int64]*Session),
		started:  time.Now(),
	}
}

// ID returns the room ID.
func (r *Room) ID() string {
	return r.id
}

// Join registers a session. Admins are recorded in the role register,
// told about the current admission queue, and admitted immediately.
// Users enter the queue, receive "waiting", and every admin is
// notified.
func (r *Room) Join(s *Session) error {
	if s.Role().IsAdmin() {
		return r.joinAdmin(s)
	}
	return r.joinUser(s)
}

func (r *Room) joinAdmin(s *Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	r.admins[s.id] = s
	backlog := make([]int64, 0, len(r.waiting))
	for id := range r.waiting {
		backlog = append(backlog, id)
	}
	r.mu.Unlock()

	s.setState(StateRegistered)
	for _, id := range backlog {
		s.tr.Send(signaling.NewWaiting(id))
	}

	return r.Admit(s.id)
}

func (r *Room) joinUser(s *Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	r.waiting[s.id] = s
	notify := make([]*Session, 0, len(r.admins))
	for _, a := range r.admins {
		notify = append(notify, a)
	}
	r.mu.Unlock()

	s.setState(StateWaiting)
	s.tr.Send(signaling.Waiting())
	for _, a := range notify {
		a.tr.Send(signaling.NewWaiting(s.id))
	}
	return nil
}

// Admit moves a peer from the queue to the live set, builds its media
// peer, subscribes it to every existing forwarder, and opens its
// admission gate. Admitting an already-admitted peer is a no-op.
func (r *Room) Admit(peerID int64) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if _, ok := r.admitted[peerID]; ok {
		r.mu.Unlock()
		return nil
	}
	target, ok := r.waiting[peerID]
	if !ok {
		// A joining admin self-admits without ever entering the queue.
		if target, ok = r.admins[peerID]; !ok {
			r.mu.Unlock()
			return ErrPeerNotFound
		}
	}
	r.mu.Unlock()

	// PeerConnection construction fetches ICE credentials; keep it
	// outside the room lock.
	pc, err := r.engine.newPeerConnection()
	if err != nil {
		return err
	}
	peer := newPeer(pc)
	if !target.bindPeer(peer) {
		peer.Close()
		return nil
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		peer.Close()
		return ErrRoomClosed
	}
	if _, stillWaiting := r.waiting[peerID]; !stillWaiting {
		if _, isAdmin := r.admins[peerID]; !isAdmin {
			// Left while we were building the connection.
			r.mu.Unlock()
			peer.Close()
			return ErrPeerNotFound
		}
	}
	delete(r.waiting, peerID)
	r.admitted[peerID] = target
	fwds := make([]*Forwarder, len(r.forwarders))
	copy(fwds, r.forwarders)
	r.mu.Unlock()

	for _, fwd := range fwds {
		if fwd.PublisherID() == peerID {
			continue
		}
		if err := fwd.Subscribe(peerID, peer); err != nil {
			r.log.Warnf("room %s: subscribe %d to %s: %v", r.id, peerID, fwd.TrackID(), err)
		}
	}

	target.tr.Send(signaling.Admitted(peerID))
	target.tr.Send(signaling.ReadyForOffer())
	target.admitted()

	r.engine.emitPeerJoined(r.id, peerID)
	return nil
}

// Leave removes a session from every set, closes the forwarders it
// published, detaches it from the rest, and closes its media peer.
// Leaving a room the session is not in is a no-op.
func (r *Room) Leave(s *Session) {
	r.mu.Lock()
	_, wasAdmin := r.admins[s.id]
	_, wasWaiting := r.waiting[s.id]
	_, wasAdmitted := r.admitted[s.id]
	if !wasAdmin && !wasWaiting && !wasAdmitted {
		r.mu.Unlock()
		return
	}
	delete(r.admins, s.id)
	delete(r.waiting, s.id)
	delete(r.admitted, s.id)

	var published, others []*Forwarder
	kept := r.forwarders[:0]
	for _, fwd := range r.forwarders {
		if fwd.PublisherID() == s.id {
			published = append(published, fwd)
		} else {
			others = append(others, fwd)
			kept = append(kept, fwd)
		}
	}
	r.forwarders = kept
	r.mu.Unlock()

	for _, fwd := range published {
		fwd.Close()
	}
	for _, fwd := range others {
		fwd.Unsubscribe(s.id)
	}

	if peer := s.Peer(); peer != nil {
		peer.Close()
	}

	if wasAdmitted {
		r.engine.emitPeerLeft(r.id, s.id)
	}
}

// Broadcast sends a message to every admitted peer, the sender
// included. Per-recipient failures are swallowed.
func (r *Room) Broadcast(msg signaling.Message) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.admitted))
	for _, s := range r.admitted {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.tr.Send(msg)
	}
}

// onTrackPublished creates a forwarder for a newly published track and
// subscribes every other admitted peer.
func (r *Room) onTrackPublished(pub *Session, track *webrtc.TrackRemote) {
	fwd := NewForwarder(pub.id, remoteSource{track: track}, r.log)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		fwd.Close()
		return
	}
	r.forwarders = append(r.forwarders, fwd)
	subs := make([]*Session, 0, len(r.admitted))
	for id, s := range r.admitted {
		if id != pub.id {
			subs = append(subs, s)
		}
	}
	r.mu.Unlock()

	for _, sub := range subs {
		peer := sub.Peer()
		if peer == nil {
			continue
		}
		if err := fwd.Subscribe(sub.id, peer); err != nil {
			r.log.Warnf("room %s: subscribe %d to %s: %v", r.id, sub.id, fwd.TrackID(), err)
		}
	}

	go fwd.Start()

	r.log.Infof("room %s: peer %d published track %s", r.id, pub.id, track.ID())
	r.engine.emitTrackAdded(r.id, pub.id, track.ID())
}

// Membership reports which sets currently hold the peer.
func (r *Room) Membership(peerID int64) (admin, waiting, admitted bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, admin = r.admins[peerID]
	_, waiting = r.waiting[peerID]
	_, admitted = r.admitted[peerID]
	return admin, waiting, admitted
}

// Counts returns the size of each membership set.
func (r *Room) Counts() (admins, waiting, admitted int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.admins), len(r.waiting), len(r.admitted)
}

// Stats snapshots the room for the stats endpoint.
func (r *Room) Stats() RoomStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tracks := make([]TrackStats, 0, len(r.forwarders))
	for _, fwd := range r.forwarders {
		packets, bytes := fwd.Stats()
		tracks = append(tracks, TrackStats{
			TrackID:     fwd.TrackID(),
			PublisherID: fwd.PublisherID(),
			Packets:     packets,
			Bytes:       bytes,
			Subscribers: fwd.SubscriberCount(),
		})
	}

	return RoomStats{
		RoomID:        r.id,
		Admins:        len(r.admins),
		Waiting:       len(r.waiting),
		Admitted:      len(r.admitted),
		Tracks:        tracks,
		UptimeSeconds: time.Since(r.started).Seconds(),
	}
}

// Close tears the room down: every forwarder stops, every session's
// transport closes. Idempotent.
func (r *Room) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	sessions := make([]*Session, 0, len(r.admins)+len(r.waiting)+len(r.admitted))
	seen := make(map[int64]bool)
	for _, set := range []map[int64]*Session{r.admitted, r.waiting, r.admins} {
		for id, s := range set {
			if !seen[id] {
				seen[id] = true
				sessions = append(sessions, s)
			}
		}
	}
	r.admins = make(map[int64]*Session)
	r.waiting = make(map[int64]*Session)
	r.admitted = make(map[int64]*Session)

	fwds := r.forwarders
	r.forwarders = nil
	r.mu.Unlock()

	for _, fwd := range fwds {
		fwd.Close()
	}
	for _, s := range sessions {
		if peer := s.Peer(); peer != nil {
			peer.Close()
		}
		s.tr.Close()
	}
	return nil
}
