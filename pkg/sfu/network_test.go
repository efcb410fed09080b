package sfu

import (
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/voicelab/huddle/pkg/auth"
	"github.com/voicelab/huddle/pkg/ice"
	"github.com/voicelab/huddle/pkg/signaling"
)

func newVnetAPI(t *testing.T, wan *vnet.Router, ip string) *webrtc.API {
	t.Helper()

	n, err := vnet.NewNet(&vnet.NetConfig{StaticIP: ip})
	if err != nil {
		t.Fatal(err)
	}
	if err := wan.AddNet(n); err != nil {
		t.Fatal(err)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		t.Fatal(err)
	}
	se := webrtc.SettingEngine{}
	se.SetNet(n)
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
}

// negotiate drives a client PC through the offer/answer and trickle
// exchange over a session's fake transport. Server candidates arriving
// before the answer is applied are buffered, as a browser would.
func negotiate(t *testing.T, pc *webrtc.PeerConnection, tr *fakeTransport) {
	t.Helper()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		tr.in <- signaling.Message{
			Type: signaling.MessageTypeICE,
			Candidate: &signaling.Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
		}
	})

	answerApplied := make(chan struct{})
	go func() {
		var pending []webrtc.ICECandidateInit
		remoteSet := false
		for {
			select {
			case msg := <-tr.sent:
				switch msg.Type {
				case signaling.MessageTypeAnswer:
					err := pc.SetRemoteDescription(webrtc.SessionDescription{
						Type: webrtc.SDPTypeAnswer,
						SDP:  msg.SDP,
					})
					if err != nil {
						t.Errorf("apply answer: %v", err)
						return
					}
					remoteSet = true
					for _, c := range pending {
						pc.AddICECandidate(c)
					}
					pending = nil
					close(answerApplied)
				case signaling.MessageTypeICE:
					if msg.Candidate == nil {
						continue
					}
					init := webrtc.ICECandidateInit{
						Candidate:        msg.Candidate.Candidate,
						SDPMid:           msg.Candidate.SDPMid,
						SDPMLineIndex:    msg.Candidate.SDPMLineIndex,
						UsernameFragment: msg.Candidate.UsernameFragment,
					}
					if remoteSet {
						pc.AddICECandidate(init)
					} else {
						pending = append(pending, init)
					}
				}
			case <-tr.done:
				return
			}
		}
	}()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	tr.in <- signaling.Message{Type: signaling.MessageTypeOffer, SDP: offer.SDP}

	select {
	case <-answerApplied:
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for answer")
	}
}

func TestNetwork_AudioFanOut(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping virtual network test in short mode")
	}

	lf := logging.NewDefaultLoggerFactory()
	wan, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "1.2.3.0/24",
		LoggerFactory: lf,
	})
	if err != nil {
		t.Fatal(err)
	}

	serverAPI := newVnetAPI(t, wan, "1.2.3.4")
	pubAPI := newVnetAPI(t, wan, "1.2.3.5")
	subAPI := newVnetAPI(t, wan, "1.2.3.6")

	if err := wan.Start(); err != nil {
		t.Fatal(err)
	}
	defer wan.Stop()

	cfg := DefaultConfig()
	cfg.ICEProvider = ice.Static(nil)
	cfg.LoggerFactory = lf
	engine := New(cfg, WithAPI(serverAPI))
	defer engine.Close()

	// Publisher joins as admin and negotiates a sending audio track.
	pubTr := newFakeTransport()
	pub := engine.NewSession("vnet", auth.RoleAdmin, pubTr)
	go pub.Run()
	defer pubTr.Close()
	pubTr.expect(t, signaling.MessageTypeReadyForOffer)

	pubPC, err := pubAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer pubPC.Close()

	pubTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"mic", "publisher",
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pubPC.AddTrack(pubTrack); err != nil {
		t.Fatal(err)
	}

	negotiate(t, pubPC, pubTr)

	// Keep audio flowing for the rest of the test.
	stopWrite := make(chan struct{})
	defer close(stopWrite)
	go func() {
		seq := uint16(0)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopWrite:
				return
			case <-ticker.C:
				pubTrack.WriteRTP(&rtp.Packet{
					Header: rtp.Header{
						Version:        2,
						SequenceNumber: seq,
						Timestamp:      uint32(seq) * 960,
					},
					Payload: []byte{0x01, 0x02, 0x03},
				})
				seq++
			}
		}
	}()

	// The forwarder appears once the publisher's RTP reaches the server.
	room := engine.GetRoom("vnet")
	trackDeadline := time.Now().Add(15 * time.Second)
	for len(room.Stats().Tracks) == 0 {
		if time.Now().After(trackDeadline) {
			t.Fatal("publisher track never reached the server")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A user joins, is admitted, and negotiates a receive-only leg.
	subTr := newFakeTransport()
	sub := engine.NewSession("vnet", auth.RoleUser, subTr)
	go sub.Run()
	defer subTr.Close()
	subTr.expect(t, signaling.MessageTypeWaiting)

	if err := room.Admit(sub.ID()); err != nil {
		t.Fatal(err)
	}
	subTr.expect(t, signaling.MessageTypeAdmitted)
	subTr.expect(t, signaling.MessageTypeReadyForOffer)

	subPC, err := subAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer subPC.Close()

	if _, err := subPC.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.Fatal(err)
	}

	gotRTP := make(chan struct{})
	subPC.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if _, _, err := track.ReadRTP(); err == nil {
			close(gotRTP)
		}
	})

	negotiate(t, subPC, subTr)

	select {
	case <-gotRTP:
	case <-time.After(15 * time.Second):
		t.Fatal("subscriber never received forwarded audio")
	}
}
