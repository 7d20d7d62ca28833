package session

// ProtocolVersion is stamped on every outbound socket message.
const ProtocolVersion = "1.0.0"

// Outbound message types.
const (
	TypeJobStarted     = "job_started"
	TypeJobProgress    = "job_progress"
	TypeJobComplete    = "job_complete"
	TypeError          = "error"
	TypeReadyAck       = "ready_ack"
	TypeBatchInit      = "batch-init"
	TypeBatchProgress  = "batch-progress"
	TypeBatchComplete  = "batch-complete"
	TypeBatchCanceling = "batch-canceling"
)

// Envelope is the fixed outer shape of every outbound socket message.
type Envelope struct {
	Type      string `json:"type"`
	JobID     string `json:"jobId"`
	Pipeline  string `json:"pipeline"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
	Payload   any    `json:"payload"`
}

// StartedPayload announces that a pipeline began executing.
type StartedPayload struct {
	TotalCount int64  `json:"totalCount"`
	Status     string `json:"status,omitempty"`
}

// ProgressPayload reports incremental pipeline progress.
type ProgressPayload struct {
	Progress       float64 `json:"progress"`
	Status         string  `json:"status"`
	ProcessedCount *int64  `json:"processedCount,omitempty"`
	CurrentItem    string  `json:"currentItem,omitempty"`
	KeepAlive      bool    `json:"keepAlive,omitempty"`
}

// ErrorPayload reports a driver failure to the client.
type ErrorPayload struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
}

// ReadyAckPayload acknowledges the client's ready message.
type ReadyAckPayload struct {
	JobVersion int64 `json:"jobVersion"`
}

// inboundMessage is the only client-to-server shape the socket recognizes.
type inboundMessage struct {
	Type string `json:"type"`
}

func (e Envelope) isKeepAlive() bool {
	p, ok := e.Payload.(ProgressPayload)
	return ok && p.KeepAlive
}

func (e Envelope) isTerminal() bool {
	switch e.Type {
	case TypeJobComplete, TypeError, TypeBatchComplete:
		return true
	}
	return false
}
