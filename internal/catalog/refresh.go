package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TypeRefresh is the asynq task type that rebuilds the catalog snapshot.
const TypeRefresh = "catalog:refresh"

// RefreshPayload is carried by refresh tasks.
type RefreshPayload struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requestedAt"`
}

// NewRefreshTask builds a refresh task. Duplicate tasks within uniqueFor are
// rejected by the queue.
func NewRefreshTask(reason string, requestedAt time.Time, uniqueFor time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(RefreshPayload{Reason: reason, RequestedAt: requestedAt.UTC()})
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.MaxRetry(3), asynq.Timeout(2 * time.Minute)}
	if uniqueFor > 0 {
		opts = append(opts, asynq.Unique(uniqueFor))
	}
	return asynq.NewTask(TypeRefresh, payload, opts...), nil
}

// Refresher rebuilds the cached snapshot.
type Refresher interface {
	Refresh(ctx context.Context) (Snapshot, error)
}

// RefreshHandler processes catalog refresh tasks on the worker.
type RefreshHandler struct {
	Refresher Refresher
	Logger    zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h RefreshHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if h.Refresher == nil {
		return fmt.Errorf("catalog: refresher not configured: %w", asynq.SkipRetry)
	}
	var payload RefreshPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("catalog: decode refresh payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	snap, err := h.Refresher.Refresh(ctx)
	if err != nil {
		h.Logger.Error().Err(err).Str("reason", payload.Reason).Msg("catalog refresh failed")
		return err
	}
	h.Logger.Info().
		Str("reason", payload.Reason).
		Int("entries", len(snap.Entries)).
		Time("loaded_at", snap.LoadedAt).
		Msg("catalog snapshot refreshed")
	return nil
}
