package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agent-interceptor/storage"
	"agent-interceptor/types"
)

// previewLength bounds the response text shown in list views.
const previewLength = 200

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// interactionSummary is the trimmed list-view record; the full record is
// available per ID.
type interactionSummary struct {
	ID                  string   `json:"id"`
	SessionID           *string  `json:"session_id"`
	Timestamp           string   `json:"timestamp"`
	Provider            string   `json:"provider"`
	Model               string   `json:"model"`
	Method              string   `json:"method"`
	Path                string   `json:"path"`
	StatusCode          *int     `json:"status_code"`
	IsStreaming         bool     `json:"is_streaming"`
	TotalLatencyMs      *float64 `json:"total_latency_ms"`
	ResponseTextPreview *string  `json:"response_text_preview"`
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := storage.ListOptions{
		Limit:     queryInt(query.Get("limit"), 20),
		Offset:    queryInt(query.Get("offset"), 0),
		Provider:  query.Get("provider"),
		Model:     query.Get("model"),
		SessionID: query.Get("session_id"),
	}

	interactions, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	summaries := make([]interactionSummary, 0, len(interactions))
	for _, in := range interactions {
		summaries = append(summaries, summarize(in))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleClearInteractions(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	interaction, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if interaction == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
		return
	}
	writeJSON(w, http.StatusOK, interaction)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	turns, err := s.store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(turns) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

func summarize(in *types.Interaction) interactionSummary {
	summary := interactionSummary{
		ID:             in.ID,
		SessionID:      in.SessionID,
		Timestamp:      in.Timestamp.UTC().Format(time.RFC3339Nano),
		Provider:       in.Provider.String(),
		Model:          in.Model,
		Method:         in.Method,
		Path:           in.Path,
		StatusCode:     in.StatusCode,
		IsStreaming:    in.IsStreaming,
		TotalLatencyMs: in.TotalLatencyMs,
	}
	if in.ResponseText != nil {
		preview := *in.ResponseText
		if len(preview) > previewLength {
			preview = preview[:previewLength] + "..."
		}
		summary.ResponseTextPreview = &preview
	}
	return summary
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
