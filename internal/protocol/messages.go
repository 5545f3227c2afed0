package protocol

// JOIN (client -> server)
type JoinMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name"`
}

// JOINED (server -> client): the freshly created player.
type JoinedMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Player          EntityView `json:"player"`
}

// WORLD_INFO is sent by the client with only the type set; the server
// answers with the world geometry filled in.
type WorldInfoMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Width           float64 `json:"width,omitempty"`
	Height          float64 `json:"height,omitempty"`
	Cols            int     `json:"cols,omitempty"`
	Rows            int     `json:"rows,omitempty"`
	CellWidth       float64 `json:"cell_width,omitempty"`
	CellHeight      float64 `json:"cell_height,omitempty"`
	CellOverlapDist float64 `json:"cell_overlap_distance,omitempty"`
	ServerWorkerID  string  `json:"server_worker_id,omitempty"`
}

// ACTION (client -> server): movement flags merged into the next tick.
type ActionMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Up              bool   `json:"u,omitempty"`
	Down            bool   `json:"d,omitempty"`
	Left            bool   `json:"l,omitempty"`
	Right           bool   `json:"r,omitempty"`
}

// CELL_DATA (server -> client): one batch from one watched cell.
type CellDataMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Cell            [2]int       `json:"cell"`
	States          []EntityView `json:"states"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
