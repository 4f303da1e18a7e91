// Package lock provides distributed mutual exclusion and singleton leader
// election over the shared document store (spec §4.4), grounded on the
// original Python DistributedLockManager's MongoDB upsert idiom.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeengine/internal/config"
	"tradeengine/internal/core"
	apperrors "tradeengine/pkg/errors"

	"github.com/google/uuid"
)

const (
	leaderElectionLockName = "leader_election"
	leaderStatusValue      = "leader"
)

// Manager implements core.DistributedLockManager against any core.DocumentStore.
type Manager struct {
	store  core.DocumentStore
	logger core.ILogger
	cfg    config.LockConfig
	coll   string
	leaderColl string

	podID string

	mu       sync.RWMutex
	isLeader bool
	leaderID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a lock manager bound to the distributed_locks and
// leader_election collections.
func NewManager(store core.DocumentStore, logger core.ILogger, cfg config.LockConfig, locksColl, leaderColl, podID string) *Manager {
	if podID == "" {
		podID = uuid.NewString()
	}
	return &Manager{
		store:      store,
		logger:     logger.WithField("component", "lock_manager"),
		cfg:        cfg,
		coll:       locksColl,
		leaderColl: leaderColl,
		podID:      podID,
	}
}

// AcquireLock attempts to atomically take lockName for this pod. It succeeds
// either by inserting a fresh lease, by taking over one that has expired, or
// by re-confirming a lease this pod already holds.
func (m *Manager) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Duration(m.cfg.TTLSeconds) * time.Second
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	filter := map[string]interface{}{"lock_name": lockName}
	// Eligible to take the lock if it doesn't exist, is already ours, or has expired.
	eligibility := map[string]interface{}{
		"$or": []map[string]interface{}{
			{"pod_id": m.podID},
			{"expires_at": map[string]interface{}{"$lt": now}},
		},
	}
	set := map[string]interface{}{
		"pod_id":     m.podID,
		"acquired_at": now,
		"expires_at":  expiresAt,
		"updated_at":  now,
	}

	result, err := m.store.Upsert(ctx, m.coll, filter, eligibility, set)
	if err != nil {
		m.logger.Error("lock acquisition failed", "lock_name", lockName, "error", err)
		return false, fmt.Errorf("acquire lock %q: %w", lockName, err)
	}

	acquired := result.ModifiedCount > 0 || result.UpsertedID != nil
	if acquired {
		m.logger.Debug("lock acquired", "lock_name", lockName, "pod_id", m.podID)
		return true, nil
	}

	// Someone else holds a live lease; confirm via read to distinguish a
	// legitimate miss from a stale read.
	var existing core.DistributedLock
	if err := m.store.FindOne(ctx, m.coll, map[string]interface{}{"lock_name": lockName}, &existing); err != nil {
		if err == core.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("read lock %q: %w", lockName, err)
	}
	return existing.Held(m.podID, now), nil
}

// ReleaseLock drops lockName's lease, but only if this pod still owns it.
func (m *Manager) ReleaseLock(ctx context.Context, lockName string) (bool, error) {
	filter := map[string]interface{}{"lock_name": lockName, "pod_id": m.podID}
	n, err := m.store.DeleteOne(ctx, m.coll, filter)
	if err != nil {
		return false, fmt.Errorf("release lock %q: %w", lockName, err)
	}
	released := n > 0
	if released {
		m.logger.Debug("lock released", "lock_name", lockName, "pod_id", m.podID)
	}
	return released, nil
}

// ExecuteWithLock runs fn only while holding lockName, releasing it
// unconditionally afterward.
func (m *Manager) ExecuteWithLock(ctx context.Context, lockName string, fn func(ctx context.Context) error) error {
	acquired, err := m.AcquireLock(ctx, lockName, 0)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("lock %q: %w", lockName, apperrors.ErrLockNotAcquired)
	}
	defer func() {
		if _, relErr := m.ReleaseLock(ctx, lockName); relErr != nil {
			m.logger.Warn("failed to release lock after execution", "lock_name", lockName, "error", relErr)
		}
	}()
	return fn(ctx)
}

// IsLeader reports whether this pod currently believes itself to be leader.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isLeader
}

// LeaderPodID returns the last-known leader pod ID (possibly this pod, or
// empty if no leader has ever been observed).
func (m *Manager) LeaderPodID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaderID
}

// Start launches the leader-election attempt loop, the heartbeat loop (while
// leader), and the expired-lock cleanup sweep.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if _, err := m.tryBecomeLeader(runCtx); err != nil {
		m.logger.Warn("initial leader election attempt failed", "error", err)
	}

	m.wg.Add(2)
	go m.electionLoop(runCtx)
	go m.cleanupLoop(runCtx)

	return nil
}

// Stop releases leadership (if held) and stops all background loops.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if m.IsLeader() {
		if err := m.releaseLeadership(ctx); err != nil {
			m.logger.Warn("failed to release leadership on shutdown", "error", err)
		}
	}
	return nil
}

func (m *Manager) electionLoop(ctx context.Context) {
	defer m.wg.Done()

	heartbeat := time.Duration(m.cfg.HeartbeatIntervalSeconds) * time.Second
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.IsLeader() {
				if err := m.sendHeartbeat(ctx); err != nil {
					m.logger.Error("leader heartbeat failed", "error", err)
				}
				continue
			}
			if _, err := m.tryBecomeLeader(ctx); err != nil {
				m.logger.Error("leader election attempt failed", "error", err)
			}
		}
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.CleanupIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.DeleteMany(ctx, m.coll, map[string]interface{}{
				"expires_at": map[string]interface{}{"$lt": time.Now().UTC()},
			})
			if err != nil {
				m.logger.Error("expired lock cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Debug("cleaned up expired locks", "count", n)
			}
		}
	}
}

// tryBecomeLeader checks the current leader record and, if it is absent or
// stale, attempts to atomically claim leadership for this pod.
func (m *Manager) tryBecomeLeader(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	staleAfter := time.Duration(m.cfg.StalenessSeconds) * time.Second

	var current core.LeaderRecord
	err := m.store.FindOne(ctx, m.leaderColl, map[string]interface{}{"status": leaderStatusValue}, &current)
	if err != nil && err != core.ErrNotFound {
		return false, err
	}
	if err == nil && !current.Stale(now, staleAfter) {
		m.setLeaderState(false, current.PodID)
		return false, nil
	}

	filter := map[string]interface{}{"status": leaderStatusValue}
	eligibility := map[string]interface{}{
		"$or": []map[string]interface{}{
			{"pod_id": m.podID},
			{"last_heartbeat": map[string]interface{}{"$lt": now.Add(-staleAfter)}},
		},
	}
	set := map[string]interface{}{
		"pod_id":         m.podID,
		"status":         leaderStatusValue,
		"elected_at":     now,
		"last_heartbeat": now,
		"updated_at":     now,
	}

	result, err := m.store.Upsert(ctx, m.leaderColl, filter, eligibility, set)
	if err != nil {
		return false, err
	}

	won := result.ModifiedCount > 0 || result.UpsertedID != nil
	if won {
		m.setLeaderState(true, m.podID)
		m.logger.Info("became leader", "pod_id", m.podID)
		return true, nil
	}

	// Someone else won the race; re-read to report the actual leader.
	var after core.LeaderRecord
	if err := m.store.FindOne(ctx, m.leaderColl, map[string]interface{}{"status": leaderStatusValue}, &after); err == nil {
		m.setLeaderState(after.PodID == m.podID, after.PodID)
	}
	return m.IsLeader(), nil
}

func (m *Manager) sendHeartbeat(ctx context.Context) error {
	now := time.Now().UTC()
	filter := map[string]interface{}{"pod_id": m.podID, "status": leaderStatusValue}
	_, err := m.store.Upsert(ctx, m.leaderColl, filter, filter, map[string]interface{}{
		"last_heartbeat": now,
		"updated_at":     now,
	})
	return err
}

func (m *Manager) releaseLeadership(ctx context.Context) error {
	n, err := m.store.DeleteOne(ctx, m.leaderColl, map[string]interface{}{
		"pod_id": m.podID,
		"status": leaderStatusValue,
	})
	if err != nil {
		return err
	}
	if n > 0 {
		m.setLeaderState(false, "")
		m.logger.Info("released leadership", "pod_id", m.podID)
	}
	return nil
}

func (m *Manager) setLeaderState(isLeader bool, leaderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isLeader = isLeader
	m.leaderID = leaderID
}
