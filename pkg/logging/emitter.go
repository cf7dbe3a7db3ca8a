package logging

import (
	"encoding/json"
	"time"

	"github.com/akerouanton/passt/internal/errx"
)

// Emitter stamps static run metadata onto flow events and dispatches
// them to one or more sinks.
//
// A nil *Emitter is safe to use: every method is a no-op, so the data
// path never needs to guard event emission.
type Emitter struct {
	runID string
	sinks []Sink
}

// NewEmitter creates an emitter for one run. The run ID should be
// pre-generated by the caller (a UUID by convention).
func NewEmitter(runID string, sinks ...Sink) *Emitter {
	return &Emitter{
		runID: runID,
		sinks: sinks,
	}
}

// Emit constructs an event and writes it to all registered sinks.
//
// Parameters:
//   - eventType: one of the Event* constants
//   - summary: human-readable one-line summary
//   - flowID: per-flow identifier (empty string outside flow context)
//   - data: the typed data struct (e.g. *FlowClosedData); nil for none
//
// Errors are best effort; callers usually discard them with _ =.
func (e *Emitter) Emit(eventType, summary, flowID string, data interface{}) error {
	if e == nil {
		return nil
	}

	var rawData json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		rawData = b
	}

	event := &Event{
		Timestamp: time.Now().UTC(),
		RunID:     e.runID,
		EventType: eventType,
		Summary:   summary,
		FlowID:    flowID,
		Data:      rawData,
	}

	for _, sink := range e.sinks {
		if err := sink.Write(event); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all sinks. Returns the first error encountered.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
