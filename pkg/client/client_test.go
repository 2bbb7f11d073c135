package client

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivillage/hub/pkg/api"
	"github.com/aivillage/hub/pkg/log"
	"github.com/aivillage/hub/pkg/storage"
	"github.com/aivillage/hub/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestClient(t *testing.T) (*Client, storage.Store) {
	t.Helper()
	mem := storage.NewMemoryStore()
	store := storage.NewFacade(mem, mem, mem)
	server := httptest.NewServer(api.NewServer(store, nil, nil, 2, "test").Routes())
	t.Cleanup(server.Close)
	return NewClient(server.URL), store
}

func TestCreateAndGetTask(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	id, err := c.CreateTask(ctx, "open the file manager")
	require.NoError(t, err)
	require.NotZero(t, id)

	detail, err := c.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "open the file manager", detail.Task.Description)
	assert.Equal(t, types.StatusPending, detail.Task.Status)
	assert.Empty(t, detail.Progress)
}

func TestGetTaskNotFound(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.GetTask(context.Background(), 9999)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestListAndCancel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	id, err := c.CreateTask(ctx, "doomed task")
	require.NoError(t, err)

	tasks, total, err := c.ListTasks(ctx, types.StatusPending, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, tasks, 1)

	status, err := c.CancelTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", status)

	// Second cancel conflicts.
	_, err = c.CancelTask(ctx, id)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.StatusCode)
}
