// Package gateway exposes the pipeline over HTTP: item ingest, state and
// evidence reads, metrics, oracle answer injection, and a websocket event
// stream mirroring the internal bus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/foundry/internal/bus"
	"github.com/basket/foundry/internal/orchestrator"
	"github.com/basket/foundry/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Config wires the server to the rest of the system.
type Config struct {
	Store *store.Store
	Bus   *bus.Bus
	// Metrics produces the snapshot served at /v1/metrics.
	Metrics *orchestrator.Orchestrator

	// AuthToken guards every endpoint except /healthz when set.
	AuthToken string
	// AllowOrigins controls accepted Origin headers for browser
	// websocket connections; empty means same-origin only.
	AllowOrigins []string
	// MaxQueueDepth rejects ingest with 429 once the DEV queue is this
	// deep. Zero disables the check.
	MaxQueueDepth int

	ConfigFingerprint string
	Logger            *slog.Logger
}

// Server is the HTTP front of the pipeline.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	validator *itemValidator
}

func New(cfg Config) (*Server, error) {
	v, err := newItemValidator()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "gateway"), validator: v}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/items", s.withAuth(s.handleCreateItem))
	mux.HandleFunc("GET /v1/items", s.withAuth(s.handleListItems))
	mux.HandleFunc("GET /v1/items/{id}", s.withAuth(s.handleGetItem))
	mux.HandleFunc("POST /v1/items/{id}/stage", s.withAuth(s.handleMoveItem))
	mux.HandleFunc("POST /v1/items/{id}/fail", s.withAuth(s.handleFailItem))
	mux.HandleFunc("GET /v1/items/{id}/evidence", s.withAuth(s.handleItemEvidence))
	mux.HandleFunc("GET /v1/items/{id}/events", s.withAuth(s.handleItemEvents))
	mux.HandleFunc("GET /v1/metrics", s.withAuth(s.handleMetrics))
	mux.HandleFunc("GET /v1/agents", s.withAuth(s.handleAgents))
	mux.HandleFunc("GET /v1/questions/{id}", s.withAuth(s.handleGetQuestion))
	mux.HandleFunc("POST /v1/questions/{id}/answer", s.withAuth(s.handleAnswerQuestion))
	mux.HandleFunc("/v1/events", s.withAuth(s.handleEvents))
	return mux
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.QueueDepth(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if !dbOK {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type createItemRequest struct {
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Stage   string          `json:"stage,omitempty"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	raw, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if err := s.validator.validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req createItemRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	stage := store.StageDev
	if req.Stage != "" {
		stage, err = store.ParseStage(req.Stage)
		if err != nil || stage.Terminal() {
			writeError(w, http.StatusBadRequest, "invalid stage")
			return
		}
	}

	if s.cfg.MaxQueueDepth > 0 {
		depth, err := s.cfg.Store.QueueDepth(r.Context())
		if err == nil && depth[stage] >= s.cfg.MaxQueueDepth {
			writeError(w, http.StatusTooManyRequests, "queue saturated")
			return
		}
	}

	item, err := s.cfg.Store.Put(r.Context(), req.ID, string(req.Payload), stage)
	if errors.Is(err, store.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "item already exists")
		return
	}
	if err != nil {
		s.logger.Error("ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	var stage store.Stage
	if raw := r.URL.Query().Get("stage"); raw != "" {
		parsed, err := store.ParseStage(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid stage filter")
			return
		}
		stage = parsed
	}
	items, err := s.cfg.Store.List(r.Context(), stage, store.Status(strings.ToUpper(r.URL.Query().Get("status"))), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if items == nil {
		items = []store.WorkItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.cfg.Store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type moveItemRequest struct {
	Expected string `json:"expected_stage"`
	Next     string `json:"next_stage"`
}

// handleMoveItem is the operator override for a queued item's stage. The
// store move is a compare-and-swap on the expected stage; when the swap
// misses the item is re-read once and the move retried against its
// actual stage, so a stale expectation does not force a second request.
// A second miss means the item is in flight or racing, and surfaces
// as a conflict.
func (s *Server) handleMoveItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req moveItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	expected, err := store.ParseStage(req.Expected)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid expected_stage")
		return
	}
	next, err := store.ParseStage(req.Next)
	if err != nil || next.Terminal() {
		writeError(w, http.StatusBadRequest, "invalid next_stage")
		return
	}

	err = s.cfg.Store.UpdateStage(r.Context(), id, expected, next)
	if errors.Is(err, store.ErrConflict) {
		item, getErr := s.cfg.Store.Get(r.Context(), id)
		if getErr != nil {
			writeError(w, http.StatusInternalServerError, "stage move failed")
			return
		}
		if item.Stage == next && item.Status == store.StatusQueued {
			// Someone else already applied this move.
			writeJSON(w, http.StatusOK, item)
			return
		}
		err = s.cfg.Store.UpdateStage(r.Context(), id, item.Stage, next)
		if errors.Is(err, store.ErrConflict) {
			s.logger.Warn("stage move conflict persisted after re-read",
				"item_id", id, "expected_stage", req.Expected, "next_stage", req.Next)
			writeError(w, http.StatusConflict, "item changed underneath the move")
			return
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if err != nil {
		s.logger.Error("stage move failed", "item_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "stage move failed")
		return
	}
	item, err := s.cfg.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stage move failed")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleFailItem dead-letters an item on operator request, regardless of
// remaining attempts.
func (s *Server) handleFailItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	err := s.cfg.Store.FailItem(r.Context(), id, body.Reason)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusConflict, "item already settled")
		return
	}
	if err != nil {
		s.logger.Error("fail item failed", "item_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "fail item failed")
		return
	}
	item, err := s.cfg.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fail item failed")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleItemEvidence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.Get(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	history, err := s.cfg.Store.EvidenceHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "evidence lookup failed")
		return
	}
	if history == nil {
		history = []store.AttemptEvidence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "history": history})
}

func (s *Server) handleItemEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.Get(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	events, err := s.cfg.Store.Events(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}
	if events == nil {
		events = []store.StageEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "events": events})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	snap, err := s.cfg.Metrics.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "metrics collection failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Store.Agents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "agent lookup failed")
		return
	}
	if agents == nil {
		agents = []store.AgentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := s.cfg.Store.GetQuestion(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "question not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handleAnswerQuestion lets an operator answer an escalation directly,
// bypassing the oracle agent.
func (s *Server) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Answer) == "" {
		writeError(w, http.StatusBadRequest, "answer is required")
		return
	}
	err := s.cfg.Store.AnswerQuestion(r.Context(), r.PathValue("id"), body.Answer)
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusConflict, "question is no longer pending")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "answer failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answered": true})
}

// wireEvent is the websocket representation of a bus event.
type wireEvent struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// handleEvents streams bus events to the client. The optional ?topic=
// query narrows the stream to a topic prefix. Delivery is best effort; a
// slow client misses events rather than stalling the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("event stream client connected")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, wireEvent{
				Topic:   ev.Topic,
				Time:    time.Now().UTC(),
				Payload: ev.Payload,
			})
			cancel()
			if err != nil {
				s.logger.Info("event stream client disconnected", "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
