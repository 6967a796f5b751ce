package catalog

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/order-console/internal/common"
)

// Enqueuer submits tasks to the background queue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AdminHandler exposes catalog maintenance endpoints.
type AdminHandler struct {
	queue     Enqueuer
	uniqueFor time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// AdminHandlerConfig configures the AdminHandler dependencies.
type AdminHandlerConfig struct {
	Queue     Enqueuer
	UniqueFor time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(cfg AdminHandlerConfig) *AdminHandler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &AdminHandler{queue: cfg.Queue, uniqueFor: cfg.UniqueFor, logger: cfg.Logger, now: now}
}

// Refresh handles POST /api/v1/admin/catalog/refresh.
func (h *AdminHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.queue == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "task queue not configured", nil)
		return
	}
	task, err := NewRefreshTask("manual", h.now(), h.uniqueFor)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "build refresh task", nil)
		return
	}
	info, err := h.queue.EnqueueContext(r.Context(), task)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			common.Data(w, http.StatusAccepted, map[string]any{"status": "already_queued"})
			return
		}
		h.logger.Error().Err(err).Msg("enqueue catalog refresh")
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "could not enqueue catalog refresh", nil)
		return
	}
	common.Data(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"taskId": info.ID,
		"queue":  info.Queue,
	})
}
