package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/longterm"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/orchestrator"
)

// Handler exposes a Manager over HTTP.
type Handler struct {
	manager *orchestrator.Manager
	logger  *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(manager *orchestrator.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/stats", h.stats)

		// Working memory
		r.Post("/sessions/{sessionID}/turns", h.addTurn)
		r.Get("/sessions/{sessionID}/turns", h.recentTurns)
		r.Get("/sessions/{sessionID}/context", h.agentContext)
		r.Delete("/sessions/{sessionID}", h.clearSession)

		// Long-term memory
		r.Post("/facts", h.addFact)
		r.Get("/facts", h.listFacts)
		r.Post("/facts/search", h.searchFacts)
		r.Post("/facts/summarize", h.summarizeFacts)
		r.Get("/facts/{id}", h.getFact)
		r.Put("/facts/{id}", h.updateFact)
		r.Delete("/facts/{id}", h.deleteFact)
		r.Get("/summaries", h.summaryHistory)

		// Persistence, always at the configured paths
		r.Post("/snapshot/save", h.saveSnapshot)
		r.Post("/snapshot/load", h.loadSnapshot)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nuka-memory"})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.GetStats(r.Context()))
}

type turnRequest struct {
	Role     memory.Role     `json:"role"`
	Content  string          `json:"content"`
	Priority memory.Priority `json:"priority"`
	Metadata map[string]any  `json:"metadata"`
}

func (h *Handler) addTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !req.Role.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "role must be user or agent"})
		return
	}
	if !h.manager.AddInteraction(r.Context(), sessionID, req.Role, req.Content, req.Priority, req.Metadata) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "interaction not stored"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"stored": true})
}

func (h *Handler) recentTurns(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	turns, err := h.manager.RecentTurns(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

func (h *Handler) agentContext(w http.ResponseWriter, r *http.Request) {
	maxTokens, err := intQuery(r, "max_tokens")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	q := r.URL.Query()
	c, err := h.manager.BuildContext(r.Context(), orchestrator.ContextRequest{
		SessionID:    chi.URLParam(r, "sessionID"),
		Query:        q.Get("query"),
		SkipLongTerm: q.Get("long_term") == "false",
		MaxTokens:    maxTokens,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) clearSession(w http.ResponseWriter, r *http.Request) {
	if !h.manager.ClearSession(r.Context(), chi.URLParam(r, "sessionID")) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "working memory unavailable"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type factRequest struct {
	Text     string          `json:"text"`
	UserID   string          `json:"user_id"`
	Tags     []string        `json:"tags"`
	Priority memory.Priority `json:"priority"`
}

func (h *Handler) addFact(w http.ResponseWriter, r *http.Request) {
	var req factRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	id, err := h.manager.AddFact(r.Context(), req.Text, orchestrator.FactOptions{
		UserID:   req.UserID,
		Tags:     req.Tags,
		Priority: req.Priority,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	fact, err := h.manager.GetFact(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fact)
}

func (h *Handler) listFacts(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.manager.ListFacts(filter))
}

type searchRequest struct {
	Query       string          `json:"query"`
	TopK        int             `json:"top_k"`
	UserID      string          `json:"user_id"`
	Tags        []string        `json:"tags"`
	MinPriority memory.Priority `json:"min_priority"`
}

func (h *Handler) searchFacts(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	results, err := h.manager.SearchFacts(r.Context(), req.Query, longterm.SearchOptions{
		TopK: req.TopK,
		Filter: longterm.Filter{
			UserID:      req.UserID,
			Tags:        req.Tags,
			MinPriority: req.MinPriority,
		},
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type summarizeRequest struct {
	Topic       string          `json:"topic"`
	MaxLength   int             `json:"max_length"`
	UserID      string          `json:"user_id"`
	Tags        []string        `json:"tags"`
	MinPriority memory.Priority `json:"min_priority"`
}

func (h *Handler) summarizeFacts(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s, err := h.manager.SummarizeFacts(r.Context(), orchestrator.SummarizeRequest{
		Filter: longterm.Filter{
			UserID:      req.UserID,
			Tags:        req.Tags,
			MinPriority: req.MinPriority,
		},
		Topic:     req.Topic,
		MaxLength: req.MaxLength,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) summaryHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.manager.SummaryHistory(limit))
}

func (h *Handler) getFact(w http.ResponseWriter, r *http.Request) {
	id, ok := factID(w, r)
	if !ok {
		return
	}
	fact, err := h.manager.GetFact(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fact)
}

type updateRequest struct {
	Text     *string         `json:"text"`
	Tags     []string        `json:"tags"`
	Priority memory.Priority `json:"priority"`
}

func (h *Handler) updateFact(w http.ResponseWriter, r *http.Request) {
	id, ok := factID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	fact, err := h.manager.UpdateFact(r.Context(), id, longterm.Update{
		Text:     req.Text,
		Tags:     req.Tags,
		Priority: req.Priority,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fact)
}

func (h *Handler) deleteFact(w http.ResponseWriter, r *http.Request) {
	id, ok := factID(w, r)
	if !ok {
		return
	}
	if err := h.manager.DeleteFact(id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.SaveMemories(r.Context(), "", ""); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (h *Handler) loadSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.LoadMemories(r.Context(), "", ""); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loaded": true})
}

// writeError maps memory errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, memory.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, memory.ErrEmbedding):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func factID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid fact id"})
		return 0, false
	}
	return id, true
}

func intQuery(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func filterFromQuery(r *http.Request) (longterm.Filter, error) {
	q := r.URL.Query()
	f := longterm.Filter{UserID: q.Get("user_id"), Tags: q["tag"]}
	if p := q.Get("min_priority"); p != "" {
		prio, err := memory.ParsePriority(p)
		if err != nil {
			return longterm.Filter{}, err
		}
		f.MinPriority = prio
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
