package sfu

import (
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// TrackSource is the inbound side of a forwarder: one stream of RTP
// packets with a stable identity and codec.
type TrackSource interface {
	ID() string
	StreamID() string
	Codec() webrtc.RTPCodecCapability
	ReadRTP() (*rtp.Packet, error)
}

// remoteSource adapts a pion TrackRemote to TrackSource.
type remoteSource struct {
	track *webrtc.TrackRemote
}

func (r remoteSource) ID() string       { return r.track.ID() }
func (r remoteSource) StreamID() string { return r.track.StreamID() }
func (r remoteSource) Codec() webrtc.RTPCodecCapability {
	return r.track.Codec().RTPCodecCapability
}
func (r remoteSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

// rtpWriter is the outbound side of one subscription.
type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

// sink carries packets from the forwarder loop to one subscriber. The
// slot holds at most one packet; when the subscriber falls behind, the
// queued packet is replaced by the newest one.
type sink struct {
	slot   chan *rtp.Packet
	writer rtpWriter
	done   chan struct{}

	// detach undoes the subscription on the peer side, nil for test
	// writers.
	detach func()
}

// offer places a packet in the slot, evicting a stale one if needed.
// Called only under the forwarder's read lock, so it cannot race with
// the close of the slot, which requires the write lock.
func (s *sink) offer(pkt *rtp.Packet) {
	for {
		select {
		case s.slot <- pkt:
			return
		default:
		}
		select {
		case <-s.slot:
		default:
		}
	}
}

func (s *sink) run() {
	defer close(s.done)
	for pkt := range s.slot {
		if err := s.writer.WriteRTP(pkt); err != nil {
			return
		}
	}
}

// Forwarder fans one published track out to the room's admitted peers.
// A single goroutine reads the source; each subscriber drains its own
// one-slot sink, so a slow receiver drops frames instead of building a
// backlog or stalling the rest of the room.
type Forwarder struct {
	mu          sync.RWMutex
	publisherID int64
	source      TrackSource
	log         logging.LeveledLogger

	// Keyed by subscriber session ID.
	sinks map[int64]*sink

	closed  int32 // atomic
	closeCh chan struct{}

	packetsForwarded uint64
	bytesForwarded   uint64
}

// NewForwarder creates a forwarder for one published track.
func NewForwarder(publisherID int64, source TrackSource, log logging.LeveledLogger) *Forwarder {
	return &Forwarder{
		publisherID: publisherID,
		source:      source,
		log:         log,
		sinks:       make(map[int64]*sink),
		closeCh:     make(chan struct{}),
	}
}

// PublisherID returns the session ID that published the track.
func (f *Forwarder) PublisherID() int64 {
	return f.publisherID
}

// TrackID returns the forwarded track's ID.
func (f *Forwarder) TrackID() string {
	return f.source.ID()
}

// Subscribe attaches a peer to this forwarder. A local track mirroring
// the source codec is added to the peer's connection. Subscribing the
// same session twice is a no-op.
func (f *Forwarder) Subscribe(sessionID int64, peer *Peer) error {
	f.mu.Lock()
	already := false
	if _, ok := f.sinks[sessionID]; ok {
		already = true
	}
	closed := atomic.LoadInt32(&f.closed) == 1
	f.mu.Unlock()

	if closed {
		return ErrForwarderClosed
	}
	if already {
		return nil
	}

	localTrack, err := webrtc.NewTrackLocalStaticRTP(f.source.Codec(), f.source.ID(), f.source.StreamID())
	if err != nil {
		return err
	}
	if _, err := peer.AddTrack(localTrack); err != nil {
		return err
	}

	trackID := localTrack.ID()
	return f.attach(sessionID, localTrack, func() {
		peer.RemoveTrack(trackID)
	})
}

// attach registers a writer as a subscriber and starts its drain
// goroutine. detach runs once when the sink is removed.
func (f *Forwarder) attach(sessionID int64, w rtpWriter, detach func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if atomic.LoadInt32(&f.closed) == 1 {
		if detach != nil {
			detach()
		}
		return ErrForwarderClosed
	}
	if _, ok := f.sinks[sessionID]; ok {
		if detach != nil {
			detach()
		}
		return nil
	}

	s := &sink{
		slot:   make(chan *rtp.Packet, 1),
		writer: w,
		done:   make(chan struct{}),
		detach: detach,
	}
	f.sinks[sessionID] = s
	go s.run()
	return nil
}

// Unsubscribe detaches a session's sink. Unknown sessions are ignored.
func (f *Forwarder) Unsubscribe(sessionID int64) {
	f.mu.Lock()
	s, ok := f.sinks[sessionID]
	if ok {
		delete(f.sinks, sessionID)
		close(s.slot)
	}
	f.mu.Unlock()

	if ok && s.detach != nil {
		s.detach()
	}
}

// Start runs the forwarding loop until the source ends or the forwarder
// is closed. Run it on its own goroutine.
func (f *Forwarder) Start() {
	defer f.cleanup()

	for {
		select {
		case <-f.closeCh:
			return
		default:
		}

		pkt, err := f.source.ReadRTP()
		if err != nil {
			return
		}
		f.forward(pkt)
	}
}

func (f *Forwarder) forward(pkt *rtp.Packet) {
	f.mu.RLock()
	n := len(f.sinks)
	for _, s := range f.sinks {
		s.offer(pkt)
	}
	f.mu.RUnlock()

	if n > 0 {
		atomic.AddUint64(&f.packetsForwarded, uint64(n))
		atomic.AddUint64(&f.bytesForwarded, uint64(n)*uint64(pkt.MarshalSize()))
	}
}

// Close stops the forwarding loop. Idempotent.
func (f *Forwarder) Close() {
	if !atomic.CompareAndSwapInt32(&f.closed, 0, 1) {
		return
	}
	close(f.closeCh)
}

// cleanup drops all sinks once the loop exits.
func (f *Forwarder) cleanup() {
	atomic.CompareAndSwapInt32(&f.closed, 0, 1)

	f.mu.Lock()
	sinks := f.sinks
	f.sinks = make(map[int64]*sink)
	for _, s := range sinks {
		close(s.slot)
	}
	f.mu.Unlock()

	for _, s := range sinks {
		<-s.done
		if s.detach != nil {
			s.detach()
		}
	}
}

// Stats returns cumulative forwarded packet and byte counts.
func (f *Forwarder) Stats() (packetsForwarded, bytesForwarded uint64) {
	return atomic.LoadUint64(&f.packetsForwarded), atomic.LoadUint64(&f.bytesForwarded)
}

// SubscriberCount returns the number of attached sinks.
func (f *Forwarder) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}
