package eventlog

// Event types written by the orchestrator itself.
const (
	TypeWorkflowStarted   = "WORKFLOW.STARTED"
	TypeStepCompleted     = "WORKFLOW.STEP_COMPLETED"
	TypeWorkflowCompleted = "WORKFLOW.COMPLETED"
	TypeWorkflowFailed    = "WORKFLOW.FAILED"
	TypeTriggerActivated  = "TRIGGER.ACTIVATED"
	TypeTriggerFailed     = "TRIGGER.FAILED"
	TypePluginExecuted    = "PLUGIN.EXECUTED"
	TypePluginInstalled   = "PLUGIN.INSTALLED"
)

// Tag keys shared by producers and projections.
const (
	TagRun      = "run"
	TagIssue    = "issue"
	TagWorkflow = "workflow"
	TagStep     = "step"
	TagPlugin   = "plugin"
	TagTrigger  = "trigger"
)

// WorkflowStarted is the payload of WORKFLOW.STARTED.
type WorkflowStarted struct {
	RunID    string   `json:"runId"`
	IssueID  string   `json:"issueId,omitempty"`
	Workflow string   `json:"workflow"`
	Version  string   `json:"version,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Branch   string   `json:"branch,omitempty"`
	Steps    []string `json:"steps"`
}

// StepCompleted is the payload of WORKFLOW.STEP_COMPLETED.
type StepCompleted struct {
	RunID      string         `json:"runId"`
	Step       string         `json:"step"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Timeout    bool           `json:"timeout,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// WorkflowFinished is the payload of WORKFLOW.COMPLETED and WORKFLOW.FAILED.
type WorkflowFinished struct {
	RunID     string `json:"runId"`
	Step      string `json:"step,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
	Error     string `json:"error,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// TriggerActivated is the payload of TRIGGER.ACTIVATED.
type TriggerActivated struct {
	RunID    string `json:"runId"`
	Trigger  string `json:"trigger"`
	Plugin   string `json:"plugin"`
	Step     string `json:"step"`
	Position string `json:"position"`
	RunOnce  bool   `json:"runOnce,omitempty"`
}

// TriggerFailed is the payload of TRIGGER.FAILED.
type TriggerFailed struct {
	RunID    string `json:"runId"`
	Trigger  string `json:"trigger"`
	Plugin   string `json:"plugin,omitempty"`
	Step     string `json:"step"`
	Required bool   `json:"required"`
	Error    string `json:"error"`
}

// PluginExecuted is the payload of PLUGIN.EXECUTED.
type PluginExecuted struct {
	Plugin     string `json:"plugin"`
	Version    string `json:"version"`
	RunID      string `json:"runId,omitempty"`
	Step       string `json:"step,omitempty"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"durationMs"`
	Timeout    bool   `json:"timeout,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PluginInstalled is the payload of PLUGIN.INSTALLED.
type PluginInstalled struct {
	Plugin       string   `json:"plugin"`
	Version      string   `json:"version"`
	Kind         string   `json:"kind"`
	Runtime      string   `json:"runtime"`
	Capabilities []string `json:"capabilities"`
}
