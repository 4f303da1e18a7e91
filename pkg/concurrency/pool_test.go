package concurrency

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubmit_RunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 4, MaxCapacity: 100}, &noopLogger{})
	defer pool.Stop()

	var count int64
	for i := 0; i < 50; i++ {
		require := pool.Submit(func() { atomic.AddInt64(&count, 1) })
		assert.NoError(t, require)
	}
	pool.Stop()

	assert.Equal(t, int64(50), atomic.LoadInt64(&count))
}

func TestSubmitAndWait_BlocksUntilTaskCompletes(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 2, MaxCapacity: 10}, &noopLogger{})
	defer pool.Stop()

	ran := false
	pool.SubmitAndWait(func() {
		time.Sleep(5 * time.Millisecond)
		ran = true
	})
	assert.True(t, ran)
}

func TestSubmit_NonBlockingRejectsWhenFull(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "test", MaxWorkers: 1, MaxCapacity: 1, NonBlocking: true}, &noopLogger{})
	defer pool.Stop()

	block := make(chan struct{})
	require := pool.Submit(func() { <-block })
	assert.NoError(t, require)

	var rejected error
	for i := 0; i < 20; i++ {
		if err := pool.Submit(func() {}); err != nil {
			rejected = err
			break
		}
	}
	close(block)
	assert.Error(t, rejected)
}

func TestNewWorkerPool_AppliesSafeDefaults(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "defaults"}, &noopLogger{})
	defer pool.Stop()

	assert.Equal(t, 10, pool.config.MaxWorkers)
	assert.Equal(t, 100, pool.config.MaxCapacity)
	assert.Equal(t, 60*time.Second, pool.config.IdleTimeout)
}

func TestStats_ReportsTaskCounts(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "stats", MaxWorkers: 2, MaxCapacity: 10}, &noopLogger{})
	defer pool.Stop()

	pool.SubmitAndWait(func() {})
	stats := pool.Stats()
	assert.Contains(t, stats, "submitted_tasks")
	assert.Contains(t, stats, "successful_tasks")
}
