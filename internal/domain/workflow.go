package domain

import "context"

// NodeKind is the workflow node type reported in node events.
type NodeKind string

const (
	NodeLLM   NodeKind = "llm"
	NodeAgent NodeKind = "agent"
	NodeTool  NodeKind = "tool"
)

// Agent strategies the engine reports for agent nodes.
const (
	StrategyReAct           = "ReAct"
	StrategyFunctionCalling = "function_calling"
)

// WorkflowEvent is one progress event from the workflow engine.
// The concrete types are NodeStarted, NodeFinished, AgentLog,
// WorkflowFinished and UnknownEvent.
type WorkflowEvent interface {
	EventName() string
	isWorkflowEvent()
}

// NodeStarted is emitted when the engine enters a node.
type NodeStarted struct {
	Kind          NodeKind
	Title         string
	Index         int
	AgentStrategy string
}

// NodeFinished is emitted when a node completes.
type NodeFinished struct {
	Kind             NodeKind
	Title            string
	StructuredOutput map[string]any
}

// ToolInvocation is one tool call announced inside an agent log.
type ToolInvocation struct {
	Name string
	Args map[string]any
}

// AgentLog carries one step of an agent node's reasoning.
// Raw keeps the full log payload for strategies that display it verbatim.
type AgentLog struct {
	Strategy   string
	Status     string
	Label      string
	Action     string
	Thought    string
	Output     string
	ToolInputs []ToolInvocation
	ToolName   string
	ToolArgs   map[string]any
	ToolResult string
	Raw        map[string]any
}

// WorkflowFinished is the terminal event of a run.
type WorkflowFinished struct {
	Status  string
	Error   string
	Outputs map[string]any
}

// UnknownEvent wraps a discriminant the decoder does not model.
type UnknownEvent struct {
	Name string
}

func (NodeStarted) EventName() string      { return "node_started" }
func (NodeFinished) EventName() string     { return "node_finished" }
func (AgentLog) EventName() string         { return "agent_log" }
func (WorkflowFinished) EventName() string { return "workflow_finished" }
func (e UnknownEvent) EventName() string   { return e.Name }

func (NodeStarted) isWorkflowEvent()      {}
func (NodeFinished) isWorkflowEvent()     {}
func (AgentLog) isWorkflowEvent()         {}
func (WorkflowFinished) isWorkflowEvent() {}
func (UnknownEvent) isWorkflowEvent()     {}

// EventStream is a single-pass sequence of workflow events.
// Next returns io.EOF once the underlying source is exhausted.
type EventStream interface {
	Next(ctx context.Context) (WorkflowEvent, error)
	Close() error
}

// UploadedFile is a file the workflow engine has accepted for a run.
type UploadedFile struct {
	ID        string
	Name      string
	Kind      string // document | image | audio | video | custom
	Extension string
	MimeType  string
	Size      int64
}

// WorkflowRequest is the input of one workflow run.
type WorkflowRequest struct {
	User           string
	BotUsername    string
	MessageContext string
	ParseMode      ParseMode
	ForcedCommand  ForcedCommand
	Files          []UploadedFile
}

// WorkflowEngine runs workflows and accepts file uploads.
type WorkflowEngine interface {
	Run(ctx context.Context, req WorkflowRequest) (EventStream, error)
	Upload(ctx context.Context, path, user string) (UploadedFile, error)
}
