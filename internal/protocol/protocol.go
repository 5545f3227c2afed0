package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeJoin      = "JOIN"
	TypeJoined    = "JOINED"
	TypeWorldInfo = "WORLD_INFO"
	TypeAction    = "ACTION"
	TypeCellData  = "CELL_DATA"
	TypeError     = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	// Channel optionally addresses a client message; only external
	// channels are open to clients.
	Channel string `json:"channel,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
