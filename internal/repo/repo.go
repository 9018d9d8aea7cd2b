// Package repo is the persistence gateway: typed wrappers over the
// SQLite tables. All server-authoritative entities are read and
// mutated only through it.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"aipilot/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- agents ---

const agentCols = `id,name,role,status,created_at`

func scanAgent(row interface{ Scan(...any) error }) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetAgentStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

const taskCols = `id,agent_id,command,result,confidence,status,cost,parent_id,compliance,cost_flagged,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.AgentTask, error) {
	var t domain.AgentTask
	var result, parentID sql.NullString
	var confidence, cost, compliance sql.NullFloat64
	var flagged int
	err := row.Scan(&t.ID, &t.AgentID, &t.Command, &result, &confidence, &t.Status,
		&cost, &parentID, &compliance, &flagged, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if result.Valid {
		t.Result = &result.String
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if confidence.Valid {
		t.Confidence = &confidence.Float64
	}
	if cost.Valid {
		t.Cost = &cost.Float64
	}
	if compliance.Valid {
		t.Compliance = &compliance.Float64
	}
	t.CostFlag = flagged != 0
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.AgentTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AgentID, t.Command, nullableStringPtr(t.Result), nullableFloatPtr(t.Confidence), t.Status,
		nullableFloatPtr(t.Cost), nullableStringPtr(t.ParentID), nullableFloatPtr(t.Compliance),
		boolToInt(t.CostFlag), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.AgentTask) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET result=?, confidence=?, status=?, cost=?, compliance=?, cost_flagged=?, updated_at=? WHERE id=?`,
		nullableStringPtr(t.Result), nullableFloatPtr(t.Confidence), t.Status, nullableFloatPtr(t.Cost),
		nullableFloatPtr(t.Compliance), boolToInt(t.CostFlag), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.AgentTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	AgentID         string
	Status          string
	ParentID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.AgentTask, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListChain returns the root task followed by its descendants in
// creation order. Chains observed in practice are linear, but the walk
// tolerates branching by flattening breadth-first.
func (r Repo) ListChain(ctx context.Context, rootID string) ([]domain.AgentTask, error) {
	root, err := r.GetTask(ctx, rootID)
	if err != nil {
		return nil, err
	}
	chain := []domain.AgentTask{root}
	frontier := []string{rootID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE parent_id=? ORDER BY created_at ASC, id ASC`, id)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			chain = append(chain, t)
			frontier = append(frontier, t.ID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return chain, nil
}

// --- builds ---

const buildCols = `id,user_id,prompt,app_name,status,preview_url,production_url,export_url,generated_code,spec_text,budget_usage,failure_reason,created_at,updated_at`

func scanBuild(row interface{ Scan(...any) error }) (domain.AppBuild, error) {
	var b domain.AppBuild
	var appName, preview, production, export, code, spec, reason sql.NullString
	err := row.Scan(&b.ID, &b.UserID, &b.Prompt, &appName, &b.Status, &preview, &production,
		&export, &code, &spec, &b.BudgetUsage, &reason, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if appName.Valid {
		b.AppName = appName.String
	}
	if preview.Valid {
		b.PreviewURL = &preview.String
	}
	if production.Valid {
		b.ProductionURL = &production.String
	}
	if export.Valid {
		b.ExportURL = &export.String
	}
	if code.Valid {
		b.GeneratedCode = &code.String
	}
	if spec.Valid {
		b.SpecText = &spec.String
	}
	if reason.Valid {
		b.FailureReason = &reason.String
	}
	return b, nil
}

func (r Repo) InsertBuild(ctx context.Context, tx *sql.Tx, b domain.AppBuild) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO builds(`+buildCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.UserID, b.Prompt, nullable(b.AppName), b.Status, nullableStringPtr(b.PreviewURL),
		nullableStringPtr(b.ProductionURL), nullableStringPtr(b.ExportURL), nullableStringPtr(b.GeneratedCode),
		nullableStringPtr(b.SpecText), b.BudgetUsage, nullableStringPtr(b.FailureReason), b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBuild(ctx context.Context, id string) (domain.AppBuild, error) {
	return scanBuild(r.DB.QueryRowContext(ctx, `SELECT `+buildCols+` FROM builds WHERE id=?`, id))
}

// FinishBuild moves a build to its terminal status. The WHERE clause
// only matches rows still processing, so a finished build can never be
// rewritten; zero rows affected surfaces as ErrNotFound to the caller,
// which treats it as an already-terminal build.
func (r Repo) FinishBuild(ctx context.Context, tx *sql.Tx, b domain.AppBuild) error {
	res, err := tx.ExecContext(ctx, `UPDATE builds SET app_name=?, status=?, generated_code=?, spec_text=?, budget_usage=?, failure_reason=?, updated_at=? WHERE id=? AND status='processing'`,
		nullable(b.AppName), b.Status, nullableStringPtr(b.GeneratedCode), nullableStringPtr(b.SpecText),
		b.BudgetUsage, nullableStringPtr(b.FailureReason), b.UpdatedAt, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBuildURLs persists export/preview/production URLs after completion.
func (r Repo) SetBuildURLs(ctx context.Context, id string, preview, production, export *string) error {
	var fields []string
	var args []any
	if preview != nil {
		fields = append(fields, "preview_url=?")
		args = append(args, *preview)
	}
	if production != nil {
		fields = append(fields, "production_url=?")
		args = append(args, *production)
	}
	if export != nil {
		fields = append(fields, "export_url=?")
		args = append(args, *export)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE builds SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type BuildFilters struct {
	UserID          string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListBuilds(ctx context.Context, f BuildFilters) ([]domain.AppBuild, error) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + buildCols + ` FROM builds ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AppBuild
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
