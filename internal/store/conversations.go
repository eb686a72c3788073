package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/google/uuid"
)

const conversationColumns = `id, channel_id, thread_id, user_id, input_text, output_text, tools_used, created_at`

// SaveConversationTurn appends a turn and returns its generated ID.
// The turn's ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) SaveConversationTurn(ctx context.Context, turn *domain.ConversationTurn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	turn.ToolsUsed = domain.DedupeTools(turn.ToolsUsed)

	tools, err := encodeTools(turn.ToolsUsed)
	if err != nil {
		return "", err
	}

	var output any
	if turn.OutputText != nil {
		output = *turn.OutputText
	}

	query := `INSERT INTO conversations (` + conversationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		turn.ID, turn.ChannelID, turn.ThreadID, turn.UserID,
		turn.InputText, output, tools, turn.CreatedAt.UnixMilli(),
	); err != nil {
		return "", fmt.Errorf("insert conversation: %w", err)
	}
	return turn.ID, nil
}

// GetConversationTurn returns a single turn, or nil if it does not exist.
func (s *SQLiteStore) GetConversationTurn(ctx context.Context, id string) (*domain.ConversationTurn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	turn, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return turn, nil
}

// ListConversationTurns returns every turn of a thread, oldest first.
func (s *SQLiteStore) ListConversationTurns(ctx context.Context, threadID string) ([]domain.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer closeRows(rows, "conversations")

	turns := []domain.ConversationTurn{}
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		turns = append(turns, *turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return turns, nil
}

// ListConversationThreads groups turns by thread, most recently active first.
func (s *SQLiteStore) ListConversationThreads(ctx context.Context, p domain.Pagination, search string) (domain.Page[domain.ThreadSummary], error) {
	p = p.Normalize(20)
	page := domain.Page[domain.ThreadSummary]{Items: []domain.ThreadSummary{}}

	where := ""
	var args []any
	if search = strings.TrimSpace(search); search != "" {
		pattern := likePattern(search)
		where = `WHERE thread_id IN (
			SELECT DISTINCT thread_id FROM conversations
			WHERE input_text LIKE ? ESCAPE '\' OR output_text LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern)
	}

	total, err := count(ctx, s.db, `SELECT COUNT(DISTINCT thread_id) FROM conversations `+where, args...)
	if err != nil {
		return page, fmt.Errorf("count threads: %w", err)
	}
	page.Total = total

	query := `
		SELECT c.thread_id,
		       (SELECT f.channel_id FROM conversations f WHERE f.thread_id = c.thread_id ORDER BY f.created_at, f.rowid LIMIT 1),
		       (SELECT f.user_id FROM conversations f WHERE f.thread_id = c.thread_id ORDER BY f.created_at, f.rowid LIMIT 1),
		       (SELECT f.input_text FROM conversations f WHERE f.thread_id = c.thread_id ORDER BY f.created_at, f.rowid LIMIT 1),
		       COUNT(*), MIN(c.created_at), MAX(c.created_at)
		FROM conversations c
		` + where + `
		GROUP BY c.thread_id
		ORDER BY MAX(c.created_at) DESC
		LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return page, fmt.Errorf("query threads: %w", err)
	}
	defer closeRows(rows, "threads")

	for rows.Next() {
		var sum domain.ThreadSummary
		var firstAt, lastAt int64
		if err := rows.Scan(&sum.ThreadID, &sum.ChannelID, &sum.UserID, &sum.FirstMessage,
			&sum.MessageCount, &firstAt, &lastAt); err != nil {
			return page, fmt.Errorf("scan thread row: %w", err)
		}
		sum.FirstAt = fromMillis(firstAt)
		sum.LastAt = fromMillis(lastAt)
		page.Items = append(page.Items, sum)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("iterate threads: %w", err)
	}
	return page, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*domain.ConversationTurn, error) {
	var turn domain.ConversationTurn
	var output, tools sql.NullString
	var createdAt int64

	if err := row.Scan(&turn.ID, &turn.ChannelID, &turn.ThreadID, &turn.UserID,
		&turn.InputText, &output, &tools, &createdAt); err != nil {
		return nil, err
	}
	if output.Valid {
		text := output.String
		turn.OutputText = &text
	}
	turn.ToolsUsed = decodeTools(tools)
	turn.CreatedAt = fromMillis(createdAt)
	return &turn, nil
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
