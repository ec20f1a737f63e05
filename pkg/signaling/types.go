package signaling

import "github.com/pion/webrtc/v4"

// MessageType identifies a signaling message.
type MessageType string

const (
	// Server to client
	TypeOpen    MessageType = "OPEN"
	TypeError   MessageType = "ERROR"
	TypeIDTaken MessageType = "ID-TAKEN"
	TypeExpire  MessageType = "EXPIRE"

	// Relayed between peers
	TypeOffer     MessageType = "OFFER"
	TypeAnswer    MessageType = "ANSWER"
	TypeCandidate MessageType = "CANDIDATE"
	TypeLeave     MessageType = "LEAVE"

	// Client to server keep-alive
	TypeHeartbeat MessageType = "HEARTBEAT"
)

// ConnectionKind distinguishes the two links kept per remote participant.
type ConnectionKind string

const (
	KindMedia ConnectionKind = "media"
	KindData  ConnectionKind = "data"
)

// Message is the envelope exchanged with the rendezvous server.
type Message struct {
	Type    MessageType `json:"type"`
	Src     string      `json:"src,omitempty"`
	Dst     string      `json:"dst,omitempty"`
	Payload *Payload    `json:"payload,omitempty"`
}

// Payload carries per-connection negotiation data.
type Payload struct {
	ConnectionID string                     `json:"connectionId,omitempty"`
	Kind         ConnectionKind             `json:"type,omitempty"`
	SDP          *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Metadata     *Metadata                  `json:"metadata,omitempty"`
	Msg          string                     `json:"msg,omitempty"`
}

// Metadata describes the caller. Media calls carry name and level; data
// links carry the name only.
type Metadata struct {
	Name  string `json:"name,omitempty"`
	Level int    `json:"level,omitempty"`
}

// relayable reports whether the server forwards t between peers.
func (t MessageType) relayable() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeLeave:
		return true
	default:
		return false
	}
}
