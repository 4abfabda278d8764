package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agent-interceptor/config"
	"agent-interceptor/types"
)

// Store is the SQLite-backed interaction store. One Store is shared by
// all requests; writes serialize at the database layer.
type Store struct {
	db  *sql.DB
	cfg *config.Config
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the threading queries
// can run inside the save transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (or creates) the database at the configured path and applies
// any pending migrations.
func Open(cfg *config.Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps the threading
	// read-modify-write in Save atomic without busy-retry loops.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, cfg: cfg}, nil
}

// Close closes the underlying database. Safe to call more than once.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Save resolves conversation threading and upserts the interaction in a
// single transaction, so the threading lookup and the insert observe a
// consistent view even under concurrent requests.
func (s *Store) Save(ctx context.Context, in *types.Interaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.resolveThreading(ctx, tx, in); err != nil {
		return fmt.Errorf("resolving threading: %w", err)
	}

	var chunksJSON any
	if s.cfg.StoreStreamChunks {
		chunksJSON, err = marshalOrNil(in.StreamChunks)
		if err != nil {
			return fmt.Errorf("serializing stream chunks: %w", err)
		}
	}

	requestBody, err := marshalOrNil(in.RequestBody)
	if err != nil {
		return err
	}
	messages, err := marshalOrNil(in.Messages)
	if err != nil {
		return err
	}
	tools, err := marshalOrNil(in.Tools)
	if err != nil {
		return err
	}
	imageMetadata, err := marshalOrNil(in.ImageMetadata)
	if err != nil {
		return err
	}
	responseBody, err := marshalOrNil(in.ResponseBody)
	if err != nil {
		return err
	}
	toolCalls, err := marshalOrNil(in.ToolCalls)
	if err != nil {
		return err
	}
	tokenUsage, err := marshalOrNil(in.TokenUsage)
	if err != nil {
		return err
	}
	costEstimate, err := marshalOrNil(in.CostEstimate)
	if err != nil {
		return err
	}
	contextMetrics, err := marshalOrNil(in.ContextMetrics)
	if err != nil {
		return err
	}

	args := []any{
		in.ID,
		ptrVal(in.SessionID),
		in.Timestamp.UTC().Format(time.RFC3339Nano),
		in.Method,
		in.Path,
		mustJSON(in.RequestHeaders),
		requestBody,
		ptrVal(in.RawRequestBody),
		in.Provider.String(),
		nullIfEmpty(in.Model),
		ptrVal(in.SystemPrompt),
		messages,
		tools,
		imageMetadata,
		ptrVal(in.StatusCode),
		mustJSON(in.ResponseHeaders),
		responseBody,
		ptrVal(in.RawResponseBody),
		boolToInt(in.IsStreaming),
		chunksJSON,
		ptrVal(in.ResponseText),
		toolCalls,
		tokenUsage,
		costEstimate,
		ptrVal(in.TimeToFirstTokenMs),
		ptrVal(in.TotalLatencyMs),
		ptrVal(in.Error),
		ptrVal(in.ConversationID),
		ptrVal(in.ParentInteractionID),
		ptrVal(in.TurnNumber),
		ptrVal(in.TurnType),
		contextMetrics,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO interactions (
			id, session_id, timestamp, method, path, request_headers, request_body,
			raw_request_body, provider, model, system_prompt, messages, tools,
			image_metadata, status_code, response_headers, response_body,
			raw_response_body, is_streaming, stream_chunks, response_text,
			tool_calls, token_usage, cost_estimate, time_to_first_token_ms,
			total_latency_ms, error,
			conversation_id, parent_interaction_id, turn_number, turn_type,
			context_metrics
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("inserting interaction: %w", err)
	}

	return tx.Commit()
}

// Get returns a single interaction by ID, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*types.Interaction, error) {
	results, err := s.queryInteractions(ctx, s.db, "SELECT "+interactionColumns+" FROM interactions WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// ListOptions filter and paginate List.
type ListOptions struct {
	Limit     int
	Offset    int
	Provider  string
	Model     string
	SessionID string
}

// List returns interactions newest first, filtered by the AND of any
// options set.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*types.Interaction, error) {
	return s.listInteractions(ctx, s.db, opts)
}

func (s *Store) listInteractions(ctx context.Context, q dbtx, opts ListOptions) ([]*types.Interaction, error) {
	query := "SELECT " + interactionColumns + " FROM interactions"
	var conditions []string
	var args []any

	if opts.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, opts.Provider)
	}
	if opts.Model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, opts.Model)
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	return s.queryInteractions(ctx, q, query, args...)
}

// SessionSummary is the aggregate view of one session.
type SessionSummary struct {
	SessionID        string   `json:"session_id"`
	InteractionCount int      `json:"interaction_count"`
	FirstInteraction string   `json:"first_interaction"`
	LastInteraction  string   `json:"last_interaction"`
	Providers        []string `json:"providers"`
	Models           []string `json:"models"`
	TotalLatencyMs   *float64 `json:"total_latency_ms"`
}

// ListSessions groups interactions by session, newest session first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			session_id,
			COUNT(*) AS interaction_count,
			MIN(timestamp) AS first_interaction,
			MAX(timestamp) AS last_interaction,
			GROUP_CONCAT(DISTINCT provider) AS providers,
			GROUP_CONCAT(DISTINCT model) AS models,
			SUM(total_latency_ms) AS total_latency_ms
		FROM interactions
		WHERE session_id IS NOT NULL
		GROUP BY session_id
		ORDER BY first_interaction DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		var providers, models sql.NullString
		var latency sql.NullFloat64
		if err := rows.Scan(&sum.SessionID, &sum.InteractionCount, &sum.FirstInteraction,
			&sum.LastInteraction, &providers, &models, &latency); err != nil {
			return nil, err
		}
		sum.Providers = splitConcat(providers.String)
		sum.Models = splitConcat(models.String)
		if latency.Valid {
			sum.TotalLatencyMs = &latency.Float64
		}
		sessions = append(sessions, sum)
	}
	return sessions, rows.Err()
}

// ConversationSummary is the aggregate view of one conversation thread.
type ConversationSummary struct {
	ConversationID    string   `json:"conversation_id"`
	TurnCount         int      `json:"turn_count"`
	FirstTurn         string   `json:"first_turn"`
	LastTurn          string   `json:"last_turn"`
	Providers         []string `json:"providers"`
	Models            []string `json:"models"`
	TotalInputTokens  *int     `json:"total_input_tokens"`
	TotalOutputTokens *int     `json:"total_output_tokens"`
}

// ListConversations groups turns by conversation with summed token
// counts pulled out of the usage JSON.
func (s *Store) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			conversation_id,
			COUNT(*) AS turn_count,
			MIN(timestamp) AS first_turn,
			MAX(timestamp) AS last_turn,
			GROUP_CONCAT(DISTINCT provider) AS providers,
			GROUP_CONCAT(DISTINCT model) AS models,
			SUM(CAST(json_extract(token_usage, '$.input_tokens') AS INTEGER)) AS total_input_tokens,
			SUM(CAST(json_extract(token_usage, '$.output_tokens') AS INTEGER)) AS total_output_tokens
		FROM interactions
		WHERE conversation_id IS NOT NULL
		GROUP BY conversation_id
		ORDER BY first_turn DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := []ConversationSummary{}
	for rows.Next() {
		var sum ConversationSummary
		var providers, models sql.NullString
		var input, output sql.NullInt64
		if err := rows.Scan(&sum.ConversationID, &sum.TurnCount, &sum.FirstTurn, &sum.LastTurn,
			&providers, &models, &input, &output); err != nil {
			return nil, err
		}
		sum.Providers = splitConcat(providers.String)
		sum.Models = splitConcat(models.String)
		if input.Valid {
			n := int(input.Int64)
			sum.TotalInputTokens = &n
		}
		if output.Valid {
			n := int(output.Int64)
			sum.TotalOutputTokens = &n
		}
		conversations = append(conversations, sum)
	}
	return conversations, rows.Err()
}

// GetConversation returns all turns of a conversation in turn order,
// with timestamp as the tie-breaker for turns that predate threading.
func (s *Store) GetConversation(ctx context.Context, conversationID string) ([]*types.Interaction, error) {
	return s.getConversation(ctx, s.db, conversationID)
}

func (s *Store) getConversation(ctx context.Context, q dbtx, conversationID string) ([]*types.Interaction, error) {
	return s.queryInteractions(ctx, q,
		"SELECT "+interactionColumns+` FROM interactions
		WHERE conversation_id = ?
		ORDER BY COALESCE(turn_number, 0) ASC, timestamp ASC`,
		conversationID)
}

// GetRecentInSession returns the most recent interactions in a session,
// newest first.
func (s *Store) GetRecentInSession(ctx context.Context, sessionID string, limit int) ([]*types.Interaction, error) {
	return s.getRecentInSession(ctx, s.db, sessionID, limit)
}

func (s *Store) getRecentInSession(ctx context.Context, q dbtx, sessionID string, limit int) ([]*types.Interaction, error) {
	return s.queryInteractions(ctx, q,
		"SELECT "+interactionColumns+" FROM interactions WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?",
		sessionID, limit)
}

// Clear deletes every interaction and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM interactions").Scan(&count); err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM interactions"); err != nil {
		return 0, err
	}
	return count, nil
}

// Stats is the aggregate view over all stored interactions.
type Stats struct {
	TotalInteractions    int            `json:"total_interactions"`
	ByProvider           map[string]int `json:"by_provider"`
	ByModel              map[string]int `json:"by_model"`
	AvgLatencyMs         *float64       `json:"avg_latency_ms"`
	TotalConversations   int            `json:"total_conversations"`
	AvgMessagesPerTurn   *float64       `json:"avg_messages_per_turn"`
	AvgContextDepthChars *float64       `json:"avg_context_depth_chars"`
	SystemPromptChanges  int            `json:"system_prompt_changes"`
}

// GetStats computes aggregate statistics: totals, per-provider and top-10
// per-model counts, latency and context averages, and the number of turns
// whose system prompt changed from their parent's.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByProvider: map[string]int{},
		ByModel:    map[string]int{},
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM interactions").Scan(&stats.TotalInteractions); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT provider, COUNT(*) FROM interactions GROUP BY provider")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var provider string
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByProvider[provider] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		"SELECT model, COUNT(*) AS count FROM interactions WHERE model IS NOT NULL GROUP BY model ORDER BY count DESC LIMIT 10")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var model string
		var count int
		if err := rows.Scan(&model, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByModel[model] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avgLatency sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(total_latency_ms) FROM interactions WHERE total_latency_ms IS NOT NULL").Scan(&avgLatency); err != nil {
		return nil, err
	}
	if avgLatency.Valid {
		stats.AvgLatencyMs = &avgLatency.Float64
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT conversation_id) FROM interactions WHERE conversation_id IS NOT NULL").Scan(&stats.TotalConversations); err != nil {
		return nil, err
	}

	var avgMessages, avgDepth sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			AVG(CAST(json_extract(context_metrics, '$.message_count') AS REAL)),
			AVG(CAST(json_extract(context_metrics, '$.context_depth_chars') AS REAL))
		FROM interactions
		WHERE context_metrics IS NOT NULL`).Scan(&avgMessages, &avgDepth); err != nil {
		return nil, err
	}
	if avgMessages.Valid {
		stats.AvgMessagesPerTurn = &avgMessages.Float64
	}
	if avgDepth.Valid {
		stats.AvgContextDepthChars = &avgDepth.Float64
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM interactions i
		INNER JOIN interactions prev ON prev.id = i.parent_interaction_id
		WHERE json_extract(i.context_metrics, '$.system_prompt_hash') IS NOT NULL
		  AND json_extract(prev.context_metrics, '$.system_prompt_hash') IS NOT NULL
		  AND json_extract(i.context_metrics, '$.system_prompt_hash')
		      != json_extract(prev.context_metrics, '$.system_prompt_hash')`).Scan(&stats.SystemPromptChanges); err != nil {
		return nil, err
	}

	return stats, nil
}

const interactionColumns = `id, session_id, timestamp, method, path, request_headers, request_body,
	raw_request_body, provider, model, system_prompt, messages, tools, image_metadata,
	status_code, response_headers, response_body, raw_response_body, is_streaming,
	stream_chunks, response_text, tool_calls, token_usage, cost_estimate,
	time_to_first_token_ms, total_latency_ms, error, conversation_id,
	parent_interaction_id, turn_number, turn_type, context_metrics`

// queryInteractions runs a SELECT over the full column list and scans
// each row back into an Interaction.
func (s *Store) queryInteractions(ctx context.Context, q dbtx, query string, args ...any) ([]*types.Interaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*types.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, in)
	}
	return results, rows.Err()
}

func scanInteraction(rows *sql.Rows) (*types.Interaction, error) {
	var (
		in              types.Interaction
		sessionID       sql.NullString
		timestamp       string
		requestHeaders  string
		requestBody     sql.NullString
		rawRequestBody  sql.NullString
		provider        string
		model           sql.NullString
		systemPrompt    sql.NullString
		messages        sql.NullString
		tools           sql.NullString
		imageMetadata   sql.NullString
		statusCode      sql.NullInt64
		responseHeaders string
		responseBody    sql.NullString
		rawResponseBody sql.NullString
		isStreaming     int
		streamChunks    sql.NullString
		responseText    sql.NullString
		toolCalls       sql.NullString
		tokenUsage      sql.NullString
		costEstimate    sql.NullString
		ttft            sql.NullFloat64
		latency         sql.NullFloat64
		errText         sql.NullString
		conversationID  sql.NullString
		parentID        sql.NullString
		turnNumber      sql.NullInt64
		turnType        sql.NullString
		contextMetrics  sql.NullString
	)

	err := rows.Scan(&in.ID, &sessionID, &timestamp, &in.Method, &in.Path, &requestHeaders,
		&requestBody, &rawRequestBody, &provider, &model, &systemPrompt, &messages, &tools,
		&imageMetadata, &statusCode, &responseHeaders, &responseBody, &rawResponseBody,
		&isStreaming, &streamChunks, &responseText, &toolCalls, &tokenUsage, &costEstimate,
		&ttft, &latency, &errText, &conversationID, &parentID, &turnNumber, &turnType,
		&contextMetrics)
	if err != nil {
		return nil, err
	}

	in.SessionID = nullStr(sessionID)
	if in.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", timestamp, err)
	}
	if err := json.Unmarshal([]byte(requestHeaders), &in.RequestHeaders); err != nil {
		return nil, err
	}
	if err := unmarshalNull(requestBody, &in.RequestBody); err != nil {
		return nil, err
	}
	in.RawRequestBody = nullStr(rawRequestBody)
	in.Provider = types.Provider(provider)
	in.Model = model.String
	in.SystemPrompt = nullStr(systemPrompt)
	if err := unmarshalNull(messages, &in.Messages); err != nil {
		return nil, err
	}
	if err := unmarshalNull(tools, &in.Tools); err != nil {
		return nil, err
	}
	if err := unmarshalNull(imageMetadata, &in.ImageMetadata); err != nil {
		return nil, err
	}
	if statusCode.Valid {
		code := int(statusCode.Int64)
		in.StatusCode = &code
	}
	if err := json.Unmarshal([]byte(responseHeaders), &in.ResponseHeaders); err != nil {
		return nil, err
	}
	if err := unmarshalNull(responseBody, &in.ResponseBody); err != nil {
		return nil, err
	}
	in.RawResponseBody = nullStr(rawResponseBody)
	in.IsStreaming = isStreaming != 0
	in.StreamChunks = []types.StreamChunk{}
	if streamChunks.Valid {
		if err := json.Unmarshal([]byte(streamChunks.String), &in.StreamChunks); err != nil {
			return nil, err
		}
	}
	in.ResponseText = nullStr(responseText)
	if err := unmarshalNull(toolCalls, &in.ToolCalls); err != nil {
		return nil, err
	}
	if err := unmarshalNull(tokenUsage, &in.TokenUsage); err != nil {
		return nil, err
	}
	if err := unmarshalNull(costEstimate, &in.CostEstimate); err != nil {
		return nil, err
	}
	if ttft.Valid {
		in.TimeToFirstTokenMs = &ttft.Float64
	}
	if latency.Valid {
		in.TotalLatencyMs = &latency.Float64
	}
	in.Error = nullStr(errText)
	in.ConversationID = nullStr(conversationID)
	in.ParentInteractionID = nullStr(parentID)
	if turnNumber.Valid {
		n := int(turnNumber.Int64)
		in.TurnNumber = &n
	}
	in.TurnType = nullStr(turnType)
	if err := unmarshalNull(contextMetrics, &in.ContextMetrics); err != nil {
		return nil, err
	}

	return &in, nil
}

// Serialization helpers.

func marshalOrNil(v any) (any, error) {
	if isNil(v) {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func isNil(v any) bool {
	switch c := v.(type) {
	case nil:
		return true
	case map[string]any:
		return c == nil
	case []map[string]any:
		return c == nil
	case []types.StreamChunk:
		return c == nil
	case *types.ImageMetadata:
		return c == nil
	case *types.TokenUsage:
		return c == nil
	case *types.CostEstimate:
		return c == nil
	case *types.ContextMetrics:
		return c == nil
	default:
		return false
	}
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func unmarshalNull[T any](value sql.NullString, target *T) error {
	if !value.Valid {
		return nil
	}
	return json.Unmarshal([]byte(value.String), target)
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ptrVal converts a typed pointer to a driver value, keeping NULLs.
func ptrVal[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func splitConcat(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
