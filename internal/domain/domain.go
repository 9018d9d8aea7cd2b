package domain

// Agent is a named role that executes commands. Agents are seeded at
// migration time and never created through the API.
type Agent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role" enum:"writer,coder,tester,finance,image"`
	Status    string `json:"status" enum:"idle,busy,offline"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AgentTask is one command issued to an agent. Tasks in a chain share
// ancestry through ParentID; execution order follows creation order.
type AgentTask struct {
	ID         string   `json:"id"`
	AgentID    string   `json:"agent_id"`
	Command    string   `json:"command"`
	Result     *string  `json:"result,omitempty"`
	Confidence *float64 `json:"confidence,omitempty" minimum:"0" maximum:"1"`
	Status     string   `json:"status" enum:"processing,success,failure"`
	Cost       *float64 `json:"cost,omitempty"`
	ParentID   *string  `json:"parent_id,omitempty"`
	Compliance *float64 `json:"compliance,omitempty" minimum:"0" maximum:"1"`
	CostFlag   bool     `json:"cost_flagged"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

// AppBuild is one attempt to generate an application from a prompt.
// Status moves from processing to exactly one of complete or failed and
// never back; generated fields fill in only after completion.
type AppBuild struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	Prompt        string  `json:"prompt"`
	AppName       string  `json:"app_name,omitempty"`
	Status        string  `json:"status" enum:"processing,complete,failed"`
	PreviewURL    *string `json:"preview_url,omitempty"`
	ProductionURL *string `json:"production_url,omitempty"`
	ExportURL     *string `json:"export_url,omitempty"`
	GeneratedCode *string `json:"generated_code,omitempty"`
	SpecText      *string `json:"spec_text,omitempty"`
	BudgetUsage   float64 `json:"budget_usage"`
	FailureReason *string `json:"failure_reason,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// BudgetSettings is a singleton row: the monthly spend limit and the
// multiplier against estimated cost past which a task is flagged.
type BudgetSettings struct {
	MonthlyLimit  float64 `json:"monthly_limit"`
	KillThreshold float64 `json:"kill_threshold"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// CostLogEntry records the settled cost of one task run.
type CostLogEntry struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// ImageScores are the six independent verification scores, each in [0,1].
type ImageScores struct {
	Date        float64 `json:"date" minimum:"0" maximum:"1"`
	Location    float64 `json:"location" minimum:"0" maximum:"1"`
	Title       float64 `json:"title" minimum:"0" maximum:"1"`
	Description float64 `json:"description" minimum:"0" maximum:"1"`
	Event       float64 `json:"event" minimum:"0" maximum:"1"`
	Overall     float64 `json:"overall" minimum:"0" maximum:"1"`
}

// ImageRecord is one ingested image pair plus its verification state.
type ImageRecord struct {
	ID              string      `json:"id"`
	Title           *string     `json:"title,omitempty"`
	Description     *string     `json:"description,omitempty"`
	EventDate       *string     `json:"event_date,omitempty"`
	Year            *int        `json:"year,omitempty"`
	Location        *string     `json:"location,omitempty"`
	Latitude        *float64    `json:"latitude,omitempty"`
	Longitude       *float64    `json:"longitude,omitempty"`
	IsTrueEvent     bool        `json:"is_true_event"`
	IsAIGenerated   bool        `json:"is_ai_generated"`
	IsMatureContent bool        `json:"is_mature_content"`
	ReadyForGame    bool        `json:"ready_for_game"`
	ManualOverride  bool        `json:"manual_override"`
	Approved        bool        `json:"approved"`
	Scores          ImageScores `json:"scores"`
	Source          string      `json:"source"`
	EventPath       string      `json:"event_path"`
	DescPath        string      `json:"desc_path"`
	Hints           *string     `json:"hints,omitempty"`
	Country         *string     `json:"country,omitempty"`
	ShortDesc       *string     `json:"short_description,omitempty"`
	DetailedDesc    *string     `json:"detailed_description,omitempty"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
	UpdatedAt       string      `json:"updated_at" format:"date-time"`
}

// AgentFeedback is an append-only rating on a completed task.
type AgentFeedback struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	TaskID    string `json:"task_id"`
	Rating    int    `json:"rating" minimum:"0" maximum:"1"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ChatMessage is one line of the per-agent conversation log.
type ChatMessage struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id"`
	Sender    string `json:"sender" enum:"user,agent"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one append-only audit log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Agent roles.
const (
	RoleWriter  = "writer"
	RoleCoder   = "coder"
	RoleTester  = "tester"
	RoleFinance = "finance"
	RoleImage   = "image"
)

// Build status values.
const (
	BuildProcessing = "processing"
	BuildComplete   = "complete"
	BuildFailed     = "failed"
)

// Task status values.
const (
	TaskProcessing = "processing"
	TaskSuccess    = "success"
	TaskFailure    = "failure"
)
