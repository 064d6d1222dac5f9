package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/tranco-dispatch/internal/store"
)

const (
	defaultOutcomeLimit = 100
	maxOutcomeLimit     = 1000
	ledgerTimeout       = 3 * time.Second
)

// OutcomeHandler exposes read-only ledger endpoints.
type OutcomeHandler struct {
	repo    store.OutcomeRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewOutcomeHandler wires the repository and logger.
func NewOutcomeHandler(repo store.OutcomeRepository, logger *zap.Logger) *OutcomeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutcomeHandler{repo: repo, timeout: ledgerTimeout, logger: logger}
}

// ListOutcomes handles GET /v1/runs/{run_id}/outcomes?limit=. It returns
// {"outcomes": [...]} on success, 400 for a bad id or limit, 503 without a
// ledger, or 500 if the repository call fails.
func (h *OutcomeHandler) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "outcome ledger unavailable")
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	limit, err := parseLimit(r, defaultOutcomeLimit, maxOutcomeLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	outcomes, err := h.repo.ListOutcomes(ctx, runID, limit)
	if err != nil {
		h.logger.Error("list outcomes failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list outcomes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": toOutcomeDTOs(outcomes)})
}

type outcomeDTO struct {
	Host       string    `json:"host"`
	Action     string    `json:"action"`
	Rank       int       `json:"rank,omitempty"`
	Domain     string    `json:"domain,omitempty"`
	OK         bool      `json:"ok"`
	DurationMs int64     `json:"duration_ms"`
	RecordedAt time.Time `json:"recorded_at"`
	Note       string    `json:"note,omitempty"`
}

func toOutcomeDTOs(in []store.Outcome) []outcomeDTO {
	out := make([]outcomeDTO, 0, len(in))
	for _, o := range in {
		out = append(out, outcomeDTO{
			Host:       o.Host,
			Action:     o.Action,
			Rank:       o.Rank,
			Domain:     o.Domain,
			OK:         o.OK,
			DurationMs: o.Duration.Milliseconds(),
			RecordedAt: o.RecordedAt,
			Note:       o.Note,
		})
	}
	return out
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
