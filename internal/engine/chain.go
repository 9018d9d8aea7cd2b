package engine

import (
	"context"
	"fmt"

	"aipilot/internal/domain"
	"aipilot/internal/events"
	"aipilot/internal/executor"
	"aipilot/internal/fault"
	"aipilot/internal/repo"
)

// Chain step states.
const (
	StepPending = "pending"
	StepSkipped = "skipped"
	StepDone    = "done"
	StepFailed  = "failed"
)

// ChainStep is the outcome of one position in a chain run.
type ChainStep struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	State   string `json:"state" enum:"pending,skipped,done,failed"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChainReport summarizes a chain run, including partial failures.
type ChainReport struct {
	RootID    string      `json:"root_id"`
	Steps     []ChainStep `json:"steps"`
	Completed int         `json:"completed"`
	Failed    bool        `json:"failed"`
}

// RunChain executes every task of a chain in creation order. A root
// that already succeeded is skipped rather than re-run. Only one chain
// may run at a time; a second invocation is rejected, not queued.
// When a step fails the run stops there and the report covers the
// completed prefix; finished steps are never rolled back.
func (e *Engine) RunChain(ctx context.Context, rootID, actorID string) (ChainReport, error) {
	e.chainMu.Lock()
	if e.chainActive {
		e.chainMu.Unlock()
		return ChainReport{}, &fault.StateConflict{Resource: "chain runner", State: "busy", Wanted: "idle"}
	}
	e.chainActive = true
	e.chainMu.Unlock()
	defer func() {
		e.chainMu.Lock()
		e.chainActive = false
		e.chainMu.Unlock()
	}()

	tasks, err := e.Repo.ListChain(ctx, rootID)
	if err != nil {
		return ChainReport{}, err
	}
	if len(tasks) == 0 {
		return ChainReport{}, fmt.Errorf("chain %s: %w", rootID, repo.ErrNotFound)
	}

	report := ChainReport{RootID: rootID}
	for _, t := range tasks {
		report.Steps = append(report.Steps, ChainStep{TaskID: t.ID, AgentID: t.AgentID, State: StepPending})
	}

	// Single worker walks the queue; each step moves
	// pending -> done/skipped/failed and the loop owns ordering.
	for i, t := range tasks {
		step := &report.Steps[i]
		if i == 0 && t.Status == domain.TaskSuccess {
			step.State = StepSkipped
			if t.Result != nil {
				step.Result = *t.Result
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			step.State = StepFailed
			step.Error = err.Error()
			report.Failed = true
			break
		}
		if err := e.runChainStep(ctx, t, actorID, step); err != nil {
			report.Failed = true
			break
		}
		report.Completed++
	}

	tx, err := e.DB.BeginTx(context.Background(), nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()
	evtType := "chain.completed"
	if report.Failed {
		evtType = "chain.failed"
	}
	if err := e.Events.Append(context.Background(), tx, evtType, "task", rootID, actorID, events.EventPayload{
		"completed": report.Completed,
		"steps":     len(report.Steps),
	}); err != nil {
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return report, err
	}
	return report, nil
}

// runChainStep marks one task running, executes it, and settles it.
func (e *Engine) runChainStep(ctx context.Context, t domain.AgentTask, actorID string, step *ChainStep) error {
	agent, err := e.Repo.GetAgent(ctx, t.AgentID)
	if err != nil {
		step.State = StepFailed
		step.Error = fmt.Sprintf("agent %s: %v", t.AgentID, err)
		return err
	}

	t.Status = domain.TaskProcessing
	t.UpdatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		step.State = StepFailed
		step.Error = err.Error()
		return err
	}
	if uerr := e.Repo.UpdateTask(ctx, tx, t); uerr != nil {
		tx.Rollback()
		step.State = StepFailed
		step.Error = uerr.Error()
		return uerr
	}
	if cerr := tx.Commit(); cerr != nil {
		step.State = StepFailed
		step.Error = cerr.Error()
		return cerr
	}

	command := fmt.Sprintf("[chain step] %s", t.Command)
	outcome, execErr := e.Exec.Execute(ctx, executor.Request{Agent: agent, Command: command})
	if execErr == nil {
		outcome.Result = fmt.Sprintf("%s (%s agent)", outcome.Result, agent.Role)
	}
	settled, err := e.settleTask(ctx, t, agent, outcome, execErr, actorID)
	if err != nil {
		step.State = StepFailed
		step.Error = err.Error()
		return err
	}
	step.State = StepDone
	if settled.Result != nil {
		step.Result = *settled.Result
	}
	return nil
}
