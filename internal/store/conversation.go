package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/symbloop/internal/engine"
)

// messagePayload is the JSON shape persisted in messages.payload: every
// engine.Message field the flat legacy columns (content/reasoning/tool_calls/
// tool_call_id) can't represent. Role and CreatedAt keep their own columns
// so ListSessions's SQL reads them without decoding the payload.
type messagePayload struct {
	Parts []engine.Part `json:"parts"`
	IsFunctionResponse bool `json:"isFunctionResponse,omitempty"`
	IsSummary bool `json:"isSummary,omitempty"`
	SelectionReferences []string `json:"selectionReferences,omitempty"`
	Usage *engine.Usage `json:"usage,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	ModelVersion string `json:"modelVersion,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
	TaskContext string `json:"taskContext,omitempty"`
}

func encodeMessage(msg engine.Message) (payload, content, reasoning, toolCalls string) {
	p := messagePayload{
		Parts: msg.Parts,
		IsFunctionResponse: msg.IsFunctionResponse,
		IsSummary: msg.IsSummary,
		SelectionReferences: msg.SelectionReferences,
		Usage: msg.Usage,
		FinishReason: msg.FinishReason,
		ModelVersion: msg.ModelVersion,
		ResponseID: msg.ResponseID,
		TaskContext: msg.TaskContext,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal conversation message payload")
		raw = []byte(`{}`)
	}

	calls := msg.FunctionCalls()
	callsJSON, err := json.Marshal(calls)
	if err != nil {
		callsJSON = []byte(`[]`)
	}
	return string(raw), msg.Text(), msg.Thinking(), string(callsJSON)
}

func decodeMessage(role string, payload string, created int64) (engine.Message, error) {
	msg := engine.Message{CreatedAt: time.Unix(created, 0)}
	switch role {
	case "model":
		msg.Role = engine.RoleModel
	default:
		msg.Role = engine.RoleUser
	}

	if payload == "" {
		return msg, nil
	}
	var p messagePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return msg, fmt.Errorf("decode message payload: %w", err)
	}
	msg.Parts = p.Parts
	msg.IsFunctionResponse = p.IsFunctionResponse
	msg.IsSummary = p.IsSummary
	msg.SelectionReferences = p.SelectionReferences
	msg.Usage = p.Usage
	msg.FinishReason = p.FinishReason
	msg.ModelVersion = p.ModelVersion
	msg.ResponseID = p.ResponseID
	msg.TaskContext = p.TaskContext
	return msg, nil
}

// orderedMessageRow is one row of a conversation's messages ordered by id,
// which doubles as the engine's 0-based "index" position once resolved
// against this slice.
type orderedMessageRow struct {
	rowID int64
	role string
	payload string
	created int64
}

func (c *Cache) loadOrdered(sessionID string) ([]orderedMessageRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(
		`SELECT id, role, payload, created FROM messages WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orderedMessageRow
	for rows.Next() {
		var r orderedMessageRow
		if err := rows.Scan(&r.rowID, &r.role, &r.payload, &r.created); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetHistory implements engine.ConversationStore.
func (c *Cache) GetHistory(ctx context.Context, id string) ([]engine.Message, error) {
	if c == nil {
		return nil, nil
	}
	rows, err := c.loadOrdered(id)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := decodeMessage(r.role, r.payload, r.created)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// GetMessage implements engine.ConversationStore.
func (c *Cache) GetMessage(ctx context.Context, id string, index int) (*engine.Message, error) {
	if c == nil {
		return nil, fmt.Errorf("no cache")
	}
	rows, err := c.loadOrdered(id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(rows) {
		return nil, fmt.Errorf("message index %d out of range for conversation %s", index, id)
	}
	msg, err := decodeMessage(rows[index].role, rows[index].payload, rows[index].created)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// AddContent implements engine.ConversationStore: appends a message to the
// conversation, creating the session row first if it doesn't exist yet.
func (c *Cache) AddContent(ctx context.Context, id string, msg engine.Message) error {
	if c == nil {
		return nil
	}
	if exists, err := c.SessionExists(id); err == nil && !exists {
		if err := c.CreateSession(id); err != nil {
			return fmt.Errorf("create session for conversation %s: %w", id, err)
		}
	}

	payload, content, reasoning, toolCalls := encodeMessage(msg)
	role := "user"
	if msg.Role == engine.RoleModel {
		role = "model"
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var toolCallID string
	for _, p := range msg.Parts {
		if p.Kind == engine.PartFunctionResponse {
			toolCallID = p.RespID
			break
		}
	}

	return c.withBusyRetry(func() error {
			c.mu.Lock()
			defer c.mu.Unlock()

			tx, err := c.db.Begin()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO messages (session_id, role, content, reasoning, tool_calls, tool_call_id, payload, created, input_tokens, output_tokens)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, role, content, reasoning, toolCalls, toolCallID, payload, created.Unix(),
				usageField(msg, true), usageField(msg, false),
			); err != nil {
				tx.Rollback() //nolint:errcheck
				return err
			}
			if _, err := tx.Exec("UPDATE sessions SET updated = ? WHERE id = ?", time.Now().Unix(), id); err != nil {
				tx.Rollback() //nolint:errcheck
				return err
			}
			return tx.Commit()
		})
}

func usageField(msg engine.Message, input bool) int {
	if msg.Usage == nil {
		return 0
	}
	if input {
		return msg.Usage.InputTokens
	}
	return msg.Usage.OutputTokens
}

// UpdateMessage implements engine.ConversationStore: replaces the message
// at index in place (row id is preserved so ordering is unaffected).
func (c *Cache) UpdateMessage(ctx context.Context, id string, index int, patch engine.Message) error {
	if c == nil {
		return nil
	}
	rows, err := c.loadOrdered(id)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(rows) {
		return fmt.Errorf("message index %d out of range for conversation %s", index, id)
	}
	rowID := rows[index].rowID

	payload, content, reasoning, toolCalls := encodeMessage(patch)
	role := "user"
	if patch.Role == engine.RoleModel {
		role = "model"
	}

	return c.withBusyRetry(func() error {
			c.mu.Lock()
			defer c.mu.Unlock()

			_, err := c.db.Exec(
				`UPDATE messages SET role = ?, content = ?, reasoning = ?, tool_calls = ?, payload = ?, input_tokens = ?, output_tokens = ?
 WHERE id = ?`,
				role, content, reasoning, toolCalls, payload, usageField(patch, true), usageField(patch, false), rowID,
			)
			return err
		})
}

// DeleteToMessage implements engine.ConversationStore: truncates the
// conversation starting at fromIndex (inclusive), generalizing
// DeleteMessagesFrom's id-cutoff deletion to an index-based one.
func (c *Cache) DeleteToMessage(ctx context.Context, id string, fromIndex int) (int, error) {
	if c == nil {
		return 0, nil
	}
	rows, err := c.loadOrdered(id)
	if err != nil {
		return 0, err
	}
	if fromIndex < 0 || fromIndex >= len(rows) {
		return 0, nil
	}
	cutoff := rows[fromIndex].rowID
	if err := c.DeleteMessagesFrom(id, cutoff); err != nil {
		return 0, err
	}
	return len(rows) - fromIndex, nil
}

// GetCustomMetadata implements engine.ConversationStore.
func (c *Cache) GetCustomMetadata(id string, key string) (json.RawMessage, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var value string
	err := c.db.QueryRow(
		"SELECT value FROM custom_metadata WHERE session_id = ? AND key = ?", id, key,
	).Scan(&value)
	if err != nil {
		return nil, false
	}
	return json.RawMessage(value), true
}

// SetCustomMetadata implements engine.ConversationStore. A nil value
// deletes the key.
func (c *Cache) SetCustomMetadata(id string, key string, value json.RawMessage) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if value == nil {
		if _, err := c.db.Exec("DELETE FROM custom_metadata WHERE session_id = ? AND key = ?", id, key); err != nil {
			log.Warn().Err(err).Str("session", id).Str("key", key).Msg("failed to clear custom metadata")
		}
		return
	}
	if _, err := c.db.Exec(
		"INSERT INTO custom_metadata (session_id, key, value) VALUES (?, ?, ?) ON CONFLICT(session_id, key) DO UPDATE SET value = excluded.value",
		id, key, string(value),
	); err != nil {
		log.Warn().Err(err).Str("session", id).Str("key", key).Msg("failed to set custom metadata")
	}
}

// withBusyRetry runs fn, retrying up to SQLiteBusyMaxRetries times with a
// linear backoff (capped at SQLiteBusyMaxBackoff) while it fails with SQLITE_BUSY.
func (c *Cache) withBusyRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= SQLiteBusyMaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsSQLiteBusy(err) || attempt == SQLiteBusyMaxRetries {
			return err
		}
		backoff := time.Duration((attempt+1)*SQLiteBusyBackoffStepMs) * time.Millisecond
		if backoff > SQLiteBusyMaxBackoff {
			backoff = SQLiteBusyMaxBackoff
		}
		time.Sleep(backoff)
	}
	return err
}
