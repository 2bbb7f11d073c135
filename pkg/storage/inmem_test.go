package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivillage/hub/pkg/types"
)

// TestConcurrentClaimAtMostOnce drives 4 concurrent claimers against 100
// pending tasks for one agent and checks that every task is claimed exactly
// once.
func TestConcurrentClaimAtMostOnce(t *testing.T) {
	mem := NewMemoryStore()
	f := NewFacade(mem, mem, mem)
	ctx := context.Background()

	const total = 100
	for i := 0; i < total; i++ {
		_, err := f.CreateTask(ctx, "agent1", "t", "task", types.TaskMetadata{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := map[int64]int{}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := f.ClaimNextPending(ctx, "agent1")
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total, "all tasks eventually claimed")
	for id, count := range claimed {
		assert.Equal(t, 1, count, "task %d claimed more than once", id)
	}
}

func TestMemoryStoreListTasksPagination(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := mem.CreateTask(ctx, &types.Task{AgentID: "agent1", Title: "t", Description: "d"})
		require.NoError(t, err)
	}

	tasks, total, err := mem.ListTasks(ctx, types.TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, tasks, 2)
	assert.Greater(t, tasks[0].ID, tasks[1].ID, "default order is newest first")

	tasks, _, err = mem.ListTasks(ctx, types.TaskFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	tasks, _, err = mem.ListTasks(ctx, types.TaskFilter{Limit: 10, Order: types.OrderAsc})
	require.NoError(t, err)
	assert.Equal(t, int64(1), tasks[0].ID)
}
