package workflow

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDecodeManualStateFresh(t *testing.T) {
	for _, result := range []string{"", "{}", `{"other": {"x": 1}}`} {
		st, envelope, err := decodeManualState(result)
		if err != nil {
			t.Fatalf("decodeManualState(%q): %v", result, err)
		}
		if st != nil {
			t.Fatalf("decodeManualState(%q) state = %+v, want nil for fresh run", result, st)
		}
		if envelope == nil {
			t.Fatalf("decodeManualState(%q) envelope is nil", result)
		}
	}
}

func TestManualStateRoundTrip(t *testing.T) {
	st := &ManualState{
		Version:   manualStateVersion,
		StepIndex: 1,
		Steps: []Step{
			{Type: StepPostMessage, Message: "kickoff"},
			{Type: StepWaitForApproval, Reviewer: "alice"},
		},
		Trace: []TraceEntry{
			{StepIndex: 0, Type: StepPostMessage, Status: TraceOK, At: time.Now().UTC()},
		},
		WaitingApprovalID: "ap-1",
	}

	result, err := encodeManualState(runResult{"other": json.RawMessage(`{"x":1}`)}, st)
	if err != nil {
		t.Fatal(err)
	}

	got, envelope, err := decodeManualState(result)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.StepIndex != 1 || got.WaitingApprovalID != "ap-1" {
		t.Fatalf("decoded = %+v", got)
	}
	if len(got.Steps) != 2 || got.Steps[1].Reviewer != "alice" {
		t.Fatalf("steps = %+v", got.Steps)
	}
	if _, ok := envelope["other"]; !ok {
		t.Fatal("envelope dropped foreign key")
	}
}

func TestDecodeManualStateQuarantineCases(t *testing.T) {
	cases := map[string]string{
		"garbage result":    `{not json`,
		"garbage state":     `{"manual": "not an object"}`,
		"missing version":   `{"manual": {"stepIndex": 0, "steps": []}}`,
		"future version":    `{"manual": {"version": 99, "stepIndex": 0, "steps": []}}`,
		"negative index":    `{"manual": {"version": 1, "stepIndex": -1, "steps": []}}`,
		"index out of range": `{"manual": {"version": 1, "stepIndex": 5, "steps": [{"type": "post_message"}]}}`,
	}
	for name, result := range cases {
		if _, _, err := decodeManualState(result); err == nil {
			t.Errorf("%s: decodeManualState(%q) accepted", name, result)
		}
	}
}

func TestDecodeManualStateIndexAtEnd(t *testing.T) {
	// StepIndex == len(Steps) is the completed position, not out of range.
	st, _, err := decodeManualState(`{"manual": {"version": 1, "stepIndex": 1, "steps": [{"type": "post_message"}]}}`)
	if err != nil {
		t.Fatal(err)
	}
	if st.StepIndex != 1 {
		t.Fatalf("stepIndex = %d", st.StepIndex)
	}
}

func TestAppendTraceEvictsOldest(t *testing.T) {
	st := &ManualState{}
	for i := 0; i < 10; i++ {
		st.appendTrace(TraceEntry{StepIndex: i, Status: TraceOK}, 3)
	}
	if len(st.Trace) != 3 {
		t.Fatalf("trace length = %d, want 3", len(st.Trace))
	}
	if st.Trace[0].StepIndex != 7 || st.Trace[2].StepIndex != 9 {
		t.Fatalf("trace = %+v, want newest three kept", st.Trace)
	}
}

func TestAppendOnceDeduplicatesNewest(t *testing.T) {
	st := &ManualState{}
	st.appendOnce(TraceEntry{StepIndex: 1, Status: TraceWaiting}, 10)
	st.appendOnce(TraceEntry{StepIndex: 1, Status: TraceWaiting}, 10)
	st.appendOnce(TraceEntry{StepIndex: 1, Status: TraceOK}, 10)
	if len(st.Trace) != 2 {
		t.Fatalf("trace = %+v, want waiting entry recorded once", st.Trace)
	}
}

func TestEncodeManualStateNilEnvelope(t *testing.T) {
	result, err := encodeManualState(nil, &ManualState{Version: manualStateVersion})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, `"manual"`) {
		t.Fatalf("result = %q", result)
	}
}
