package engine

import (
	"context"

	"github.com/google/uuid"

	"aipilot/internal/budget"
	"aipilot/internal/domain"
	"aipilot/internal/events"
	"aipilot/internal/executor"
	"aipilot/internal/fault"
	"aipilot/internal/repo"
)

// RunTask executes a single command against an agent and blocks until
// the simulated run settles. The task row is visible in processing
// state while the executor works.
func (e *Engine) RunTask(ctx context.Context, agentID, command, actorID string, parentID *string) (domain.AgentTask, error) {
	if command == "" {
		return domain.AgentTask{}, &fault.ValidationError{Field: "command", Reason: "must not be empty"}
	}
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.guardBudget(ctx); err != nil {
		return domain.AgentTask{}, err
	}

	now := e.stamp()
	task := domain.AgentTask{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Command:   command,
		Status:    domain.TaskProcessing,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentTask{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Repo.SetAgentStatus(ctx, tx, agentID, "busy"); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.started", "task", task.ID, actorID, events.EventPayload{"agent_id": agentID}); err != nil {
		return domain.AgentTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentTask{}, err
	}

	outcome, execErr := e.Exec.Execute(ctx, executor.Request{Agent: agent, Command: command})
	return e.settleTask(ctx, task, agent, outcome, execErr, actorID)
}

// settleTask records the outcome of one executed task and its cost.
// On executor failure the task is left in failure state with the error
// text as result; previously written state is never rolled back.
func (e *Engine) settleTask(ctx context.Context, task domain.AgentTask, agent domain.Agent, outcome executor.Outcome, execErr error, actorID string) (domain.AgentTask, error) {
	settings, err := e.Repo.GetBudgetSettings(ctx)
	if err != nil {
		return domain.AgentTask{}, err
	}

	task.UpdatedAt = e.stamp()
	estimated := budget.EstimateCost(task.Command)

	if execErr != nil {
		task.Status = domain.TaskFailure
		msg := execErr.Error()
		task.Result = &msg
	} else {
		task.Status = domain.TaskSuccess
		task.Result = &outcome.Result
		task.Confidence = &outcome.Confidence
		task.Compliance = &outcome.Compliance
		// Settled cost includes the produced output, so it can
		// exceed the estimate and trip the kill-threshold flag.
		actual := estimated + budget.TokenRate*float64(len(outcome.Result))*budget.AvgTokensPerChar
		task.Cost = &actual
		task.CostFlag = budget.Flagged(actual, estimated, settings.KillThreshold)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentTask{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Repo.SetAgentStatus(ctx, tx, agent.ID, "idle"); err != nil {
		return domain.AgentTask{}, err
	}
	if task.Cost != nil {
		entry := domain.CostLogEntry{
			ID:        uuid.NewString(),
			TaskID:    task.ID,
			Amount:    *task.Cost,
			CreatedAt: task.UpdatedAt,
		}
		if err := e.Repo.InsertCostLog(ctx, tx, entry); err != nil {
			return domain.AgentTask{}, err
		}
	}
	evtType := "task.completed"
	payload := events.EventPayload{"status": task.Status}
	if task.Status == domain.TaskFailure {
		evtType = "task.failed"
	}
	if task.CostFlag {
		payload["cost_flagged"] = true
	}
	if err := e.Events.Append(ctx, tx, evtType, "task", task.ID, actorID, payload); err != nil {
		return domain.AgentTask{}, err
	}
	if task.CostFlag {
		flagPayload := events.EventPayload{
			"cost":           *task.Cost,
			"estimated":      estimated,
			"kill_threshold": settings.KillThreshold,
		}
		if err := e.Events.Append(ctx, tx, "task.cost.flagged", "task", task.ID, actorID, flagPayload); err != nil {
			return domain.AgentTask{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentTask{}, err
	}
	if task.CostFlag {
		e.Log.Warn().
			Str("task_id", task.ID).
			Float64("cost", *task.Cost).
			Float64("threshold", settings.KillThreshold).
			Msg("task cost exceeded kill threshold, flagged for review")
	}
	if execErr != nil {
		return task, &fault.RemoteFailure{Op: "execute task", Err: execErr}
	}
	return task, nil
}

// QueueTask records a task without executing it, for assembling
// chains that RunChain drives later.
func (e *Engine) QueueTask(ctx context.Context, agentID, command, actorID string, parentID *string) (domain.AgentTask, error) {
	if command == "" {
		return domain.AgentTask{}, &fault.ValidationError{Field: "command", Reason: "must not be empty"}
	}
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return domain.AgentTask{}, err
	}
	if parentID != nil {
		if _, err := e.Repo.GetTask(ctx, *parentID); err != nil {
			return domain.AgentTask{}, err
		}
	}
	now := e.stamp()
	task := domain.AgentTask{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Command:   command,
		Status:    domain.TaskProcessing,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentTask{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.AgentTask{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.queued", "task", task.ID, actorID, events.EventPayload{"agent_id": agentID}); err != nil {
		return domain.AgentTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentTask{}, err
	}
	return task, nil
}

// UpdateBudgetSettings replaces the monthly limit and kill threshold.
// Leader only.
func (e *Engine) UpdateBudgetSettings(ctx context.Context, actorID string, monthlyLimit, killThreshold float64) (domain.BudgetSettings, error) {
	if actorID != e.Config.Deployment.Leader {
		return domain.BudgetSettings{}, &fault.AuthorizationError{Action: "update budget settings"}
	}
	if monthlyLimit <= 0 {
		return domain.BudgetSettings{}, &fault.ValidationError{Field: "monthly_limit", Reason: "must be positive"}
	}
	if killThreshold < 1 {
		return domain.BudgetSettings{}, &fault.ValidationError{Field: "kill_threshold", Reason: "must be at least 1"}
	}
	s := domain.BudgetSettings{
		MonthlyLimit:  monthlyLimit,
		KillThreshold: killThreshold,
		UpdatedAt:     e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BudgetSettings{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBudgetSettings(ctx, tx, s); err != nil {
		return domain.BudgetSettings{}, err
	}
	if err := e.Events.Append(ctx, tx, "budget.updated", "budget", "budget", actorID, events.EventPayload{
		"monthly_limit":  monthlyLimit,
		"kill_threshold": killThreshold,
	}); err != nil {
		return domain.BudgetSettings{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BudgetSettings{}, err
	}
	return s, nil
}

// SubmitFeedback appends a rating for a completed task.
func (e *Engine) SubmitFeedback(ctx context.Context, agentID, taskID string, rating int, comment, actorID string) (domain.AgentFeedback, error) {
	if rating != 0 && rating != 1 {
		return domain.AgentFeedback{}, &fault.ValidationError{Field: "rating", Reason: "must be 0 or 1"}
	}
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return domain.AgentFeedback{}, err
	}
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return domain.AgentFeedback{}, err
	}
	fb := domain.AgentFeedback{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		TaskID:    taskID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertFeedback(ctx, fb); err != nil {
		return domain.AgentFeedback{}, err
	}
	return fb, nil
}

// SendChat records a user message and the agent's canned reply.
func (e *Engine) SendChat(ctx context.Context, userID, agentID, content string) ([]domain.ChatMessage, error) {
	if content == "" {
		return nil, &fault.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	agent, err := e.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	userMsg := domain.ChatMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Sender:    "user",
		Content:   content,
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertChatMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	outcome, err := e.Exec.Execute(ctx, executor.Request{Agent: agent, Command: content})
	if err != nil {
		return []domain.ChatMessage{userMsg}, &fault.RemoteFailure{Op: "agent reply", Err: err}
	}
	reply := domain.ChatMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		Sender:    "agent",
		Content:   outcome.Result,
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertChatMessage(ctx, reply); err != nil {
		return []domain.ChatMessage{userMsg}, err
	}
	return []domain.ChatMessage{userMsg, reply}, nil
}

// CreateAPIKey mints a fresh secret, stores only its hash, and returns
// the secret for one-time display.
func (e *Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	secret := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}
