package protocol

import "encoding/json"

const Version = "1.0"

// WireVersion identifies the binary frame layout sent after WELCOME.
const WireVersion = 1

// Message types.
const (
	TypeWelcome = "WELCOME"
	TypeFrame   = "FRAME"
	TypeStats   = "STATS"
	TypeError   = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// WelcomeMsg is the only text message on a batch stream; everything after it
// is a binary frame.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientID        string `json:"client_id"`
	WorldID         string `json:"world_id"`
	WireVersion     int    `json:"wire_version"`
	TickRateHz      int    `json:"tick_rate_hz"`
	BatchCap        int    `json:"batch_cap"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: msg}
}
