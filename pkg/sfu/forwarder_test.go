package sfu

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// chanSource feeds a forwarder from a channel; closing the channel
// ends the track.
type chanSource struct {
	ch chan *rtp.Packet
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan *rtp.Packet, 16)}
}

func (s *chanSource) ID() string       { return "test-track" }
func (s *chanSource) StreamID() string { return "test-stream" }
func (s *chanSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}
func (s *chanSource) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-s.ch
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

// recordingWriter captures forwarded sequence numbers and can stall to
// simulate a slow subscriber.
type recordingWriter struct {
	mu      sync.Mutex
	seqs    []uint16
	entered chan struct{}
	release chan struct{}
}

func (w *recordingWriter) WriteRTP(pkt *rtp.Packet) error {
	if w.entered != nil {
		w.entered <- struct{}{}
	}
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	w.seqs = append(w.seqs, pkt.SequenceNumber)
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) recorded() []uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uint16, len(w.seqs))
	copy(out, w.seqs)
	return out
}

func packetWithSeq(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq},
		Payload: []byte{0xde, 0xad},
	}
}

func waitForPackets(t *testing.T, f *Forwarder, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := f.Stats(); n >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	n, _ := f.Stats()
	t.Fatalf("forwarded %d packets, want at least %d", n, want)
}

func TestForwarder_SlowSubscriberGetsLatestPacket(t *testing.T) {
	src := newChanSource()
	fwd := NewForwarder(1, src, logging.NewDefaultLoggerFactory().NewLogger("test"))

	w := &recordingWriter{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	if err := fwd.attach(2, w, nil); err != nil {
		t.Fatal(err)
	}

	go fwd.Start()

	// First packet reaches the writer, which stalls mid-write.
	src.ch <- packetWithSeq(1)
	select {
	case <-w.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("writer never received the first packet")
	}

	// Two more arrive while the writer is stalled. The slot holds one
	// packet, so 2 must be evicted by 3.
	src.ch <- packetWithSeq(2)
	src.ch <- packetWithSeq(3)
	waitForPackets(t, fwd, 3)

	close(w.release)
	select {
	case <-w.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("writer never received the replacement packet")
	}

	close(src.ch)
	waitForClosed(t, fwd)

	got := w.recorded()
	want := []uint16{1, 3}
	if len(got) != len(want) {
		t.Fatalf("recorded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recorded %v, want %v", got, want)
		}
	}
}

func TestForwarder_SourceEOFDropsSinks(t *testing.T) {
	src := newChanSource()
	fwd := NewForwarder(1, src, logging.NewDefaultLoggerFactory().NewLogger("test"))

	detached := make(chan struct{})
	w := &recordingWriter{}
	if err := fwd.attach(2, w, func() { close(detached) }); err != nil {
		t.Fatal(err)
	}

	go fwd.Start()

	src.ch <- packetWithSeq(10)
	waitForPackets(t, fwd, 1)
	close(src.ch)

	select {
	case <-detached:
	case <-time.After(5 * time.Second):
		t.Fatal("sink not detached after source EOF")
	}
	if fwd.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after EOF, want 0", fwd.SubscriberCount())
	}
}

func TestForwarder_AttachIdempotent(t *testing.T) {
	src := newChanSource()
	fwd := NewForwarder(1, src, logging.NewDefaultLoggerFactory().NewLogger("test"))
	defer fwd.Close()

	if err := fwd.attach(2, &recordingWriter{}, nil); err != nil {
		t.Fatal(err)
	}
	if err := fwd.attach(2, &recordingWriter{}, nil); err != nil {
		t.Fatal(err)
	}
	if fwd.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount = %d, want 1", fwd.SubscriberCount())
	}
}

func TestForwarder_AttachAfterClose(t *testing.T) {
	src := newChanSource()
	fwd := NewForwarder(1, src, logging.NewDefaultLoggerFactory().NewLogger("test"))
	fwd.Close()

	if err := fwd.attach(2, &recordingWriter{}, nil); err != ErrForwarderClosed {
		t.Errorf("attach after close = %v, want ErrForwarderClosed", err)
	}
}

func TestForwarder_Unsubscribe(t *testing.T) {
	src := newChanSource()
	fwd := NewForwarder(1, src, logging.NewDefaultLoggerFactory().NewLogger("test"))
	defer fwd.Close()

	detached := make(chan struct{})
	if err := fwd.attach(2, &recordingWriter{}, func() { close(detached) }); err != nil {
		t.Fatal(err)
	}

	fwd.Unsubscribe(2)
	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("detach callback not invoked")
	}
	if fwd.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", fwd.SubscriberCount())
	}

	// Unknown session is a no-op.
	fwd.Unsubscribe(99)
}

func waitForClosed(t *testing.T, fwd *Forwarder) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fwd.SubscriberCount() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("forwarder did not clean up")
}
