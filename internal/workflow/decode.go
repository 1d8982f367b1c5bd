package workflow

import (
	"encoding/json"
	"fmt"

	"relaybot/internal/domain"
)

// envelope is one SSE payload from the engine.
type envelope struct {
	Event         string          `json:"event"`
	TaskID        string          `json:"task_id"`
	WorkflowRunID string          `json:"workflow_run_id"`
	Data          json.RawMessage `json:"data"`

	// set on "error" events
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EngineError is an error event emitted mid-stream.
type EngineError struct {
	Status  int
	Code    string
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("workflow engine error %d (%s): %s", e.Status, e.Code, e.Message)
}

type nodeData struct {
	NodeType      string         `json:"node_type"`
	Title         string         `json:"title"`
	Index         int            `json:"index"`
	AgentStrategy *struct {
		Name string `json:"name"`
	} `json:"agent_strategy"`
	Outputs map[string]any `json:"outputs"`
}

type agentLogData struct {
	Status string         `json:"status"`
	Label  string         `json:"label"`
	Data   map[string]any `json:"data"`
}

type finishedData struct {
	Status  string         `json:"status"`
	Error   string         `json:"error"`
	Outputs map[string]any `json:"outputs"`
}

// decodeEvent maps one payload onto the event union. Discriminants the
// pipeline does not act on become UnknownEvent.
func decodeEvent(env envelope) (domain.WorkflowEvent, error) {
	switch env.Event {
	case "error":
		return nil, &EngineError{Status: env.Status, Code: env.Code, Message: env.Message}

	case "node_started":
		var d nodeData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode node_started: %w", err)
		}
		e := domain.NodeStarted{Kind: domain.NodeKind(d.NodeType), Title: d.Title, Index: d.Index}
		if d.AgentStrategy != nil {
			e.AgentStrategy = d.AgentStrategy.Name
		}
		return e, nil

	case "node_finished":
		var d nodeData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode node_finished: %w", err)
		}
		e := domain.NodeFinished{Kind: domain.NodeKind(d.NodeType), Title: d.Title}
		if so, ok := d.Outputs["structured_output"].(map[string]any); ok {
			e.StructuredOutput = so
		}
		return e, nil

	case "agent_log":
		var d agentLogData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode agent_log: %w", err)
		}
		return agentLog(d), nil

	case "workflow_finished":
		var d finishedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("decode workflow_finished: %w", err)
		}
		return domain.WorkflowFinished{Status: d.Status, Error: d.Error, Outputs: d.Outputs}, nil
	}
	return domain.UnknownEvent{Name: env.Event}, nil
}

func agentLog(d agentLogData) domain.AgentLog {
	e := domain.AgentLog{Status: d.Status, Label: d.Label, Raw: d.Data}
	if d.Data == nil {
		return e
	}
	e.Action = str(d.Data["action"])
	if e.Action == "" {
		e.Action = str(d.Data["action_name"])
	}
	e.Thought = str(d.Data["thought"])

	switch out := d.Data["output"].(type) {
	case string:
		e.Output = out
	case map[string]any:
		e.Output = str(out["llm_response"])
	}

	if inputs, ok := d.Data["tool_input"].([]any); ok {
		for _, in := range inputs {
			m, ok := in.(map[string]any)
			if !ok {
				continue
			}
			name := str(m["name"])
			args, _ := m["args"].(map[string]any)
			if name == "" || args == nil {
				continue
			}
			e.ToolInputs = append(e.ToolInputs, domain.ToolInvocation{Name: name, Args: args})
		}
	}
	e.ToolName = str(d.Data["tool_call_name"])
	e.ToolArgs, _ = d.Data["tool_call_input"].(map[string]any)

	switch resp := d.Data["tool_response"].(type) {
	case nil:
	case string:
		e.ToolResult = resp
	default:
		if b, err := json.Marshal(resp); err == nil {
			e.ToolResult = string(b)
		}
	}
	return e
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
