package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stakepilot/engine/internal/domain"
)

// Handler bundles the stores and engine surface the HTTP API exposes.
type Handler struct {
	strategies domain.StrategyStore
	executions domain.ExecutionStore
	engine     Engine
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(strategies domain.StrategyStore, executions domain.ExecutionStore, engine Engine, logger *slog.Logger) *Handler {
	return &Handler{
		strategies: strategies,
		executions: executions,
		engine:     engine,
		logger:     logger.With(slog.String("component", "api")),
		now:        time.Now,
	}
}

// Health responds 200 while the process is up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the engine lifecycle state.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": h.engine.Running(),
		"halted":  h.engine.Halted(),
		"time":    h.now().UTC().Format(time.RFC3339),
	})
}

// ListStrategies returns all strategies.
func (h *Handler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := h.strategies.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.serverError(w, r, "list strategies", err)
		return
	}

	out := make([]strategyResponse, 0, len(strategies))
	for i := range strategies {
		out = append(out, toStrategyResponse(strategies[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetStrategy returns a single strategy by ID.
func (h *Handler) GetStrategy(w http.ResponseWriter, r *http.Request) {
	st, err := h.strategies.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		h.serverError(w, r, "get strategy", err)
		return
	}
	writeJSON(w, http.StatusOK, toStrategyResponse(st))
}

// CreateStrategy registers a new strategy. New strategies start active.
func (h *Handler) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	st, err := req.toDomain(h.now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st.ID = uuid.New().String()

	if err := h.strategies.Create(r.Context(), st); err != nil {
		h.serverError(w, r, "create strategy", err)
		return
	}

	h.logger.InfoContext(r.Context(), "strategy created",
		slog.String("strategy_id", st.ID),
		slog.String("name", st.Name),
	)
	writeJSON(w, http.StatusCreated, toStrategyResponse(st))
}

// PauseStrategy sets a strategy's status to paused.
func (h *Handler) PauseStrategy(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.StrategyStatusPaused)
}

// ResumeStrategy sets a strategy's status back to active.
func (h *Handler) ResumeStrategy(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.StrategyStatusActive)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, status domain.StrategyStatus) {
	id := r.PathValue("id")
	err := h.strategies.Patch(r.Context(), domain.StrategyPatch{ID: id, Status: &status})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		h.serverError(w, r, "patch strategy", err)
		return
	}

	h.logger.InfoContext(r.Context(), "strategy status changed",
		slog.String("strategy_id", id),
		slog.String("status", string(status)),
	)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

// ListRecentExecutions returns the most recent executions across strategies.
func (h *Handler) ListRecentExecutions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	executions, err := h.executions.ListRecent(r.Context(), opts.Limit)
	if err != nil {
		h.serverError(w, r, "list executions", err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponses(executions))
}

// ListStrategyExecutions returns executions for one strategy, newest first.
func (h *Handler) ListStrategyExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.strategies.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "strategy not found")
			return
		}
		h.serverError(w, r, "get strategy", err)
		return
	}

	executions, err := h.executions.ListByStrategy(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.serverError(w, r, "list strategy executions", err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponses(executions))
}

// TriggerTick requests an immediate evaluation pass.
func (h *Handler) TriggerTick(w http.ResponseWriter, r *http.Request) {
	if h.engine.Halted() {
		writeError(w, http.StatusConflict, "engine is halted")
		return
	}
	h.engine.TriggerNow()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}
