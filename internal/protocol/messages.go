package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
}

type HelloCapabilities struct {
	MaxQueue int  `json:"max_queue,omitempty"`
	Events   bool `json:"events,omitempty"` // subscribe to lifecycle EVENT fanout
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	ClientID        string       `json:"client_id"`
	StreamParams    StreamParams `json:"stream_params"`
}

type StreamParams struct {
	Strategy           string         `json:"strategy"`
	MaxConcurrentLoads int            `json:"max_concurrent_loads"`
	ChunkSize          [2]int         `json:"chunk_size"`
	TierCapacities     map[string]int `json:"tier_capacities"`
}

// SUBMIT (client -> server): enqueue one explicit chunk-load request.
type SubmitMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Request         RequestSpec `json:"request"`
	Blocking        bool        `json:"blocking,omitempty"` // wait for tier space instead of E_CAPACITY
}

type RequestSpec struct {
	ID            string            `json:"id,omitempty"` // minted server-side when empty
	CX            int               `json:"cx"`
	CZ            int               `json:"cz"`
	Priority      string            `json:"priority"`
	Distance      float64           `json:"distance"`
	EstimatedSize int64             `json:"estimated_size,omitempty"`
	DeadlineMs    int64             `json:"deadline_ms,omitempty"` // relative to receipt
	DependsOn     []string          `json:"depends_on,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// MOVE (client -> server): a player position sample feeding prediction.
type MoveMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	PlayerID        string  `json:"player_id"`
	X               float64 `json:"x"`
	Z               float64 `json:"z"`
	TimestampMs     int64   `json:"timestamp_ms,omitempty"` // server receipt time when 0
}

// CANCEL (client -> server)
type CancelMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Reason          string `json:"reason,omitempty"`
}

// INSPECT (client -> server)
type InspectMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// RESULT (server -> client): outcome of SUBMIT/CANCEL.
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Op              string `json:"op"` // "submit" | "cancel"
	ID              string `json:"id,omitempty"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Submitted       int    `json:"submitted,omitempty"` // predictive admits caused by a MOVE
}

// STATE (server -> client): the O(1) scheduler snapshot.
type StateMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Snapshot        SnapshotBody  `json:"snapshot"`
	Metrics         MetricsBody   `json:"metrics"`
}

type SnapshotBody struct {
	Strategy           string         `json:"strategy"`
	MaxConcurrentLoads int            `json:"max_concurrent_loads"`
	Pending            int            `json:"pending"`
	PendingByTier      map[string]int `json:"pending_by_tier"`
	InProgress         int            `json:"in_progress"`
	Completed          uint64         `json:"completed"`
	Failed             uint64         `json:"failed"`
	Cancelled          uint64         `json:"cancelled"`
	Admitted           uint64         `json:"admitted"`
	TotalProcessed     uint64         `json:"total_processed"`
	AvgLoadMs          float64        `json:"avg_load_ms"`
}

type MetricsBody struct {
	AvgLoadMs          float64 `json:"avg_load_ms"`
	LoadSamples        uint64  `json:"load_samples"`
	Dispatched         uint64  `json:"dispatched"`
	PredictedSubmitted uint64  `json:"predicted_submitted"`
	PredictedDropped   uint64  `json:"predicted_dropped"`
}

// EVENT (server -> client): lifecycle fanout for subscribed clients.
type EventMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Kind            string  `json:"kind"` // submit|dispatch|complete|fail|cancel
	ID              string  `json:"id"`
	CX              int     `json:"cx"`
	CZ              int     `json:"cz"`
	Tier            string  `json:"tier,omitempty"`
	Requester       string  `json:"requester,omitempty"`
	DurationMs      float64 `json:"duration_ms,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}
