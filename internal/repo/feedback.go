package repo

import (
	"context"

	"aipilot/internal/domain"
)

// InsertFeedback appends a rating; feedback rows are never updated or
// deleted.
func (r Repo) InsertFeedback(ctx context.Context, fb domain.AgentFeedback) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO feedback(id,agent_id,task_id,rating,comment,created_at) VALUES (?,?,?,?,?,?)`,
		fb.ID, fb.AgentID, fb.TaskID, fb.Rating, nullable(fb.Comment), fb.CreatedAt)
	return err
}

func (r Repo) ListFeedback(ctx context.Context, agentID string, limit int) ([]domain.AgentFeedback, error) {
	query := `SELECT id,agent_id,task_id,rating,COALESCE(comment,''),created_at FROM feedback`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentFeedback
	for rows.Next() {
		var fb domain.AgentFeedback
		if err := rows.Scan(&fb.ID, &fb.AgentID, &fb.TaskID, &fb.Rating, &fb.Comment, &fb.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, fb)
	}
	return res, rows.Err()
}

func (r Repo) InsertChatMessage(ctx context.Context, m domain.ChatMessage) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO chat_messages(id,user_id,agent_id,sender,content,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.UserID, m.AgentID, m.Sender, m.Content, m.CreatedAt)
	return err
}

func (r Repo) ListChatMessages(ctx context.Context, agentID string, limit int) ([]domain.ChatMessage, error) {
	query := `SELECT id,user_id,agent_id,sender,content,created_at FROM chat_messages`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.AgentID, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
