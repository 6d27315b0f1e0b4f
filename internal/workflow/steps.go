package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Step types understood by the interpreter. Anything else is skipped, not
// failed, so old daemons tolerate pipelines written for newer ones.
const (
	StepWaitForApproval = "wait_for_approval"
	StepSetTaskStatus   = "set_task_status"
	StepPostMessage     = "post_message"
	StepRunLobster      = "run_lobster"
	StepRunOpenclawTool = "run_openclaw_tool"
)

// Step is one entry of a manual workflow pipeline. The Type tag selects
// which of the remaining fields apply.
type Step struct {
	Type string `json:"type"`

	// wait_for_approval
	Reviewer               string `json:"reviewer,omitempty"`
	RequireNoteOnReject    bool   `json:"requireNoteOnReject,omitempty"`
	SetTaskStatusOnApprove string `json:"setTaskStatusOnApprove,omitempty"`
	SetTaskStatusOnReject  string `json:"setTaskStatusOnReject,omitempty"`

	// set_task_status
	Status string `json:"status,omitempty"`

	// post_message
	Message string `json:"message,omitempty"`

	// run_lobster / run_openclaw_tool
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// pipelineSchemaJSON constrains the pipeline shape, not the step
// vocabulary: each entry needs a non-empty type string, unknown types are
// allowed through.
const pipelineSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"type": "string", "minLength": 1}
		}
	}
}`

var (
	pipelineSchemaOnce sync.Once
	pipelineSchema     *jsonschema.Schema
	pipelineSchemaErr  error
)

func compiledPipelineSchema() (*jsonschema.Schema, error) {
	pipelineSchemaOnce.Do(func() {
		pipelineSchema, pipelineSchemaErr = compileSchema("pipeline.json", pipelineSchemaJSON)
	})
	return pipelineSchema, pipelineSchemaErr
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	return c.Compile(name)
}

// ParsePipeline turns a workflow's serialized pipeline into its step list.
// An empty pipeline degenerates to a single post_message step so every
// manual run produces at least a visible checkpoint.
func ParsePipeline(pipeline string) ([]Step, error) {
	if strings.TrimSpace(pipeline) == "" {
		return []Step{{Type: StepPostMessage, Message: "Manual workflow run"}}, nil
	}

	schema, err := compiledPipelineSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipeline))
	if err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}

	var steps []Step
	if err := json.Unmarshal([]byte(pipeline), &steps); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if len(steps) == 0 {
		return []Step{{Type: StepPostMessage, Message: "Manual workflow run"}}, nil
	}
	return steps, nil
}
