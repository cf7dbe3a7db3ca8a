package logging

import (
	"encoding/json"
	"time"
)

// Event is one structured flow-log record. Required fields: Timestamp,
// RunID, EventType, Summary. Optional fields use omitempty tags.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	RunID     string          `json:"run_id"`
	EventType string          `json:"event_type"`
	Summary   string          `json:"summary"`
	FlowID    string          `json:"flow_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event type constants.
const (
	EventFlowSpliced = "flow_spliced"
	EventFlowTapped  = "flow_tapped"
	EventFlowClosed  = "flow_closed"
	EventRefillError = "refill_error"
)

// FlowSplicedData is the data payload for flow_spliced events.
type FlowSplicedData struct {
	Port uint16 `json:"port"`
	V6   bool   `json:"v6"`
	Pif  string `json:"pif"`
}

// FlowTappedData is the data payload for flow_tapped events.
type FlowTappedData struct {
	Port uint16 `json:"port"`
	Peer string `json:"peer"`
}

// FlowClosedData is the data payload for flow_closed events.
type FlowClosedData struct {
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
}

// RefillErrorData is the data payload for refill_error events.
type RefillErrorData struct {
	Pool   string `json:"pool"`
	Reason string `json:"reason"`
}
