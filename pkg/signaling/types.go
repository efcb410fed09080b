package signaling

import "encoding/json"

// MessageType represents the type of signaling message
type MessageType string

const (
	// MessageTypeWaiting tells a peer it has been queued for admission
	MessageTypeWaiting MessageType = "waiting"
	// MessageTypeNewWaiting tells admins a new peer is queued
	MessageTypeNewWaiting MessageType = "new_waiting"
	// MessageTypeAdmitted tells a peer it has been admitted
	MessageTypeAdmitted MessageType = "admitted"
	// MessageTypeReadyForOffer tells a peer it may send its SDP offer
	MessageTypeReadyForOffer MessageType = "ready_for_offer"
	// MessageTypeOffer is an SDP offer
	MessageTypeOffer MessageType = "offer"
	// MessageTypeAnswer is an SDP answer
	MessageTypeAnswer MessageType = "answer"
	// MessageTypeICE is a trickle ICE candidate
	MessageTypeICE MessageType = "ice"
	// MessageTypeChat is a room-wide text broadcast
	MessageTypeChat MessageType = "chat"
	// MessageTypeAdmit asks the server to admit a waiting peer (admin only)
	MessageTypeAdmit MessageType = "admit"
	// MessageTypeMaterialEvent is an admin-driven room broadcast
	MessageTypeMaterialEvent MessageType = "material_event"
)

// Message is the wire envelope: a mandatory type plus type-dependent
// fields. Fields unused by a given type stay zero and are omitted on
// encode.
type Message struct {
	Type      MessageType     `json:"type"`
	PeerID    int64           `json:"peer_id,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate *Candidate      `json:"candidate,omitempty"`
	From      string          `json:"from,omitempty"`
	Text      string          `json:"text,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Candidate represents an ICE candidate
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Waiting builds the queued notification for a peer
func Waiting() Message {
	return Message{Type: MessageTypeWaiting}
}

// NewWaiting builds the admin notification for a newly queued peer
func NewWaiting(peerID int64) Message {
	return Message{Type: MessageTypeNewWaiting, PeerID: peerID}
}

// Admitted builds the admission notification for a peer
func Admitted(peerID int64) Message {
	return Message{Type: MessageTypeAdmitted, PeerID: peerID}
}

// ReadyForOffer builds the go-ahead for the peer's SDP offer
func ReadyForOffer() Message {
	return Message{Type: MessageTypeReadyForOffer}
}

// Answer builds an SDP answer message
func Answer(sdp string) Message {
	return Message{Type: MessageTypeAnswer, SDP: sdp}
}

// ICE builds a trickle candidate message. A nil candidate signals
// end of candidates.
func ICE(c *Candidate) Message {
	return Message{Type: MessageTypeICE, Candidate: c}
}

// Chat builds a chat broadcast message
func Chat(from, text string) Message {
	return Message{Type: MessageTypeChat, From: from, Text: text}
}

// MaterialEvent builds an admin broadcast message
func MaterialEvent(event string, payload json.RawMessage) Message {
	return Message{Type: MessageTypeMaterialEvent, Event: event, Payload: payload}
}

// Decode parses one wire frame. Frames that are not JSON objects or
// carry no type are rejected so the session loop can drop them.
func Decode(raw []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, false
	}
	if msg.Type == "" {
		return Message{}, false
	}
	return msg, true
}
