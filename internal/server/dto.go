package server

import (
	"aipilot/internal/domain"
	"aipilot/internal/ingest"
)

// Request payloads

type SubmitBuildRequest struct {
	Prompt string `json:"prompt"`
}

type RunTaskRequest struct {
	AgentID  string  `json:"agent_id"`
	Command  string  `json:"command"`
	ParentID *string `json:"parent_id,omitempty"`
	Queue    bool    `json:"queue,omitempty" doc:"Record the task without executing it, for chain assembly"`
}

type UpdateBudgetRequest struct {
	MonthlyLimit  float64 `json:"monthly_limit" minimum:"0"`
	KillThreshold float64 `json:"kill_threshold" minimum:"1"`
}

type FeedbackRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Rating  int    `json:"rating" minimum:"0" maximum:"1"`
	Comment string `json:"comment,omitempty"`
}

type ChatRequest struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

// FilePayload carries one uploaded file inline; Data is base64 in
// transit.
type FilePayload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type UploadImagesRequest struct {
	EventFiles []FilePayload `json:"event_files"`
	DescFiles  []FilePayload `json:"desc_files"`
	Metadata   *FilePayload  `json:"metadata,omitempty"`
	Source     string        `json:"source,omitempty"`
}

type OverrideImageRequest struct {
	Title        *string             `json:"title,omitempty"`
	Description  *string             `json:"description,omitempty"`
	EventDate    *string             `json:"event_date,omitempty"`
	Year         *int                `json:"year,omitempty"`
	Location     *string             `json:"location,omitempty"`
	Latitude     *float64            `json:"latitude,omitempty"`
	Longitude    *float64            `json:"longitude,omitempty"`
	IsTrueEvent  *bool               `json:"is_true_event,omitempty"`
	IsAIGen      *bool               `json:"is_ai_generated,omitempty"`
	IsMature     *bool               `json:"is_mature_content,omitempty"`
	ReadyForGame *bool               `json:"ready_for_game,omitempty"`
	Scores       *domain.ImageScores `json:"scores,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type URLResponse struct {
	URL string `json:"url"`
}

type BudgetStatusResponse struct {
	Used     float64 `json:"used"`
	Limit    float64 `json:"limit"`
	Severity string  `json:"severity" enum:"ok,warning,exceeded"`
}

type EstimateResponse struct {
	Command string  `json:"command"`
	Amount  float64 `json:"amount"`
}

type BudgetSettingsResponse struct {
	MonthlyLimit  float64 `json:"monthly_limit"`
	KillThreshold float64 `json:"kill_threshold"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key" doc:"Shown once; only the hash is stored"`
}

type PaginatedBuilds struct {
	Items      []domain.AppBuild `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type PaginatedTasks struct {
	Items      []domain.AgentTask `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

func toIngestFiles(in []FilePayload) []ingest.File {
	out := make([]ingest.File, len(in))
	for i, f := range in {
		out[i] = ingest.File{Name: f.Name, Data: f.Data}
	}
	return out
}

func toIngestOverride(in OverrideImageRequest) ingest.Override {
	return ingest.Override{
		Title:        in.Title,
		Description:  in.Description,
		EventDate:    in.EventDate,
		Year:         in.Year,
		Location:     in.Location,
		Latitude:     in.Latitude,
		Longitude:    in.Longitude,
		IsTrueEvent:  in.IsTrueEvent,
		IsAIGen:      in.IsAIGen,
		IsMature:     in.IsMature,
		ReadyForGame: in.ReadyForGame,
		Scores:       in.Scores,
	}
}
