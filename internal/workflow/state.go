package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Trace entry statuses.
const (
	TraceOK      = "ok"
	TraceSkipped = "skipped"
	TraceWaiting = "waiting"
	TraceFailed  = "failed"
)

// TraceEntry records one executed (or skipped) step.
type TraceEntry struct {
	StepIndex int       `json:"stepIndex"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

const manualStateVersion = 1

// ManualState is the interpreter's entire resumable memory for a run,
// serialized under the "manual" key of the run's result field. Steps is a
// snapshot taken when the run first executes, so editing a workflow never
// changes runs already in flight.
type ManualState struct {
	Version           int          `json:"version"`
	StepIndex         int          `json:"stepIndex"`
	Steps             []Step       `json:"steps"`
	Trace             []TraceEntry `json:"trace,omitempty"`
	WaitingApprovalID string       `json:"waitingApprovalId,omitempty"`
}

// appendTrace adds an entry, evicting the oldest past the limit.
func (st *ManualState) appendTrace(e TraceEntry, limit int) {
	st.Trace = append(st.Trace, e)
	if limit > 0 && len(st.Trace) > limit {
		st.Trace = st.Trace[len(st.Trace)-limit:]
	}
}

// appendOnce adds an entry unless the newest entry already records the
// same (stepIndex, status). Keeps repeated still-waiting invocations from
// flooding the trace.
func (st *ManualState) appendOnce(e TraceEntry, limit int) {
	if n := len(st.Trace); n > 0 {
		last := st.Trace[n-1]
		if last.StepIndex == e.StepIndex && last.Status == e.Status {
			return
		}
	}
	st.appendTrace(e, limit)
}

// runResult is the envelope stored in WorkflowRun.Result. Keys other than
// "manual" belong to other producers and are preserved across saves.
type runResult map[string]json.RawMessage

const manualStateSchemaJSON = `{
	"type": "object",
	"required": ["version", "stepIndex", "steps"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"stepIndex": {"type": "integer", "minimum": 0},
		"steps": {"type": "array"},
		"trace": {"type": "array"},
		"waitingApprovalId": {"type": "string"}
	}
}`

var (
	stateSchemaOnce sync.Once
	stateSchema     *jsonschema.Schema
	stateSchemaErr  error
)

// decodeManualState parses and validates the "manual" state out of a run's
// result field. Returns (nil, nil, nil) when no state exists yet (a fresh
// run). A present but unreadable state is an error: the caller quarantines
// the run rather than silently resetting its progress.
func decodeManualState(result string) (*ManualState, runResult, error) {
	envelope := runResult{}
	if strings.TrimSpace(result) != "" {
		if err := json.Unmarshal([]byte(result), &envelope); err != nil {
			return nil, nil, fmt.Errorf("unreadable run result: %w", err)
		}
	}
	raw, ok := envelope["manual"]
	if !ok || len(raw) == 0 {
		return nil, envelope, nil
	}

	if err := validateManualState(raw); err != nil {
		return nil, nil, err
	}
	var st ManualState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil, fmt.Errorf("unreadable manual state: %w", err)
	}
	if st.Version != manualStateVersion {
		return nil, nil, fmt.Errorf("unsupported manual state version %d", st.Version)
	}
	if st.StepIndex < 0 || st.StepIndex > len(st.Steps) {
		return nil, nil, fmt.Errorf("manual state step index %d out of range", st.StepIndex)
	}
	return &st, envelope, nil
}

func validateManualState(raw json.RawMessage) error {
	stateSchemaOnce.Do(func() {
		stateSchema, stateSchemaErr = compileSchema("manual_state.json", manualStateSchemaJSON)
	})
	if stateSchemaErr != nil {
		return stateSchemaErr
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("unreadable manual state: %w", err)
	}
	if err := stateSchema.Validate(doc); err != nil {
		return fmt.Errorf("manual state failed schema check: %w", err)
	}
	return nil
}

// encodeManualState writes the state back into the result envelope and
// returns the serialized result field.
func encodeManualState(envelope runResult, st *ManualState) (string, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encode manual state: %w", err)
	}
	if envelope == nil {
		envelope = runResult{}
	}
	envelope["manual"] = raw
	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode run result: %w", err)
	}
	return string(out), nil
}
