package catalog_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/order-console/internal/catalog"
)

type captureEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (c *captureEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: "default", Type: task.Type()}, nil
}

func TestAdminRefreshEnqueuesTask(t *testing.T) {
	queue := &captureEnqueuer{}
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	handler := catalog.NewAdminHandler(catalog.AdminHandlerConfig{Queue: queue, Now: func() time.Time { return fixed }})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/catalog/refresh", nil)
	rec := httptest.NewRecorder()
	handler.Refresh(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, queue.tasks, 1)
	require.Equal(t, catalog.TypeRefresh, queue.tasks[0].Type())

	var payload catalog.RefreshPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &payload))
	require.Equal(t, "manual", payload.Reason)
	require.True(t, fixed.Equal(payload.RequestedAt))

	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "queued", body.Data["status"])
	require.Equal(t, "task-1", body.Data["taskId"])
}

func TestAdminRefreshDuplicateIsAccepted(t *testing.T) {
	handler := catalog.NewAdminHandler(catalog.AdminHandlerConfig{Queue: &captureEnqueuer{err: asynq.ErrDuplicateTask}})

	rec := httptest.NewRecorder()
	handler.Refresh(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/catalog/refresh", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "already_queued")
}

func TestAdminRefreshQueueFailure(t *testing.T) {
	handler := catalog.NewAdminHandler(catalog.AdminHandlerConfig{Queue: &captureEnqueuer{err: context.DeadlineExceeded}})

	rec := httptest.NewRecorder()
	handler.Refresh(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/catalog/refresh", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "QUEUE_UNAVAILABLE")
}

func TestAdminRefreshWithoutQueue(t *testing.T) {
	handler := catalog.NewAdminHandler(catalog.AdminHandlerConfig{})

	rec := httptest.NewRecorder()
	handler.Refresh(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/catalog/refresh", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
