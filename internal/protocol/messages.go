package protocol

import "time"

// GenerateCommand asks a speaker node to synthesize and play text.
type GenerateCommand struct {
	Text    string   `json:"text"`
	VoiceID *int     `json:"voice_id,omitempty"`
	Speed   *float32 `json:"speed,omitempty"`
	// NodeID targets one node; empty means every speaker on the bus.
	NodeID string `json:"node_id,omitempty"`
}

// StopCommand halts generation or playback.
type StopCommand struct {
	NodeID string `json:"node_id,omitempty"`
}

// CommandReply acknowledges a command sent with a reply subject.
type CommandReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// StateEvent is published on every engine transition.
type StateEvent struct {
	NodeID    string    `json:"node_id"`
	Seq       uint64    `json:"seq"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	Token     string    `json:"token,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Voice struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type VoicesReply struct {
	NodeID string  `json:"node_id"`
	Voices []Voice `json:"voices"`
}

// Capability advertises something a node can do.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Announce is published once when a node joins the bus.
type Announce struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Heartbeat is published periodically with the node's engine phase.
type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectGenerate     = "tts.generate"
	SubjectStop         = "tts.stop"
	SubjectVoices       = "tts.voices"
	SubjectStateGet     = "tts.state.get"
	SubjectState        = "tts.state"
	SubjectNodeAnnounce = "ctrl.node.announce"
	// SubjectNodeHeartbeatPrefix is followed by ".<node id>".
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"

	StateStream = "KITTEN_STATE"
)
