package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSignal_HasQuantity(t *testing.T) {
	s := Signal{Quantity: decimal.NewFromFloat(0.5)}
	assert.True(t, s.HasQuantity())

	s.Quantity = decimal.Zero
	assert.False(t, s.HasQuantity())

	s.Quantity = decimal.NewFromFloat(-1)
	assert.False(t, s.HasQuantity())
}

func TestPosition_KeyAndClone(t *testing.T) {
	p := Position{Symbol: "BTCUSDT", PositionSide: PositionLong, Quantity: decimal.NewFromInt(1)}
	assert.Equal(t, PositionKey{Symbol: "BTCUSDT", PositionSide: PositionLong}, p.Key())

	clone := p.Clone()
	clone.Quantity = decimal.NewFromInt(99)
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(1)), "mutating the clone must not affect the original")
}

func TestExchangePositionKey_JoinsSymbolAndSide(t *testing.T) {
	assert.Equal(t, "BTCUSDT_LONG", ExchangePositionKey("BTCUSDT", PositionLong))
	assert.Equal(t, "ETHUSDT_SHORT", ExchangePositionKey("ETHUSDT", PositionShort))
}

func TestDistributedLock_Held(t *testing.T) {
	now := time.Now()
	l := DistributedLock{PodID: "pod-1", ExpiresAt: now.Add(time.Minute)}
	assert.True(t, l.Held("pod-1", now))
	assert.False(t, l.Held("pod-2", now))

	expired := DistributedLock{PodID: "pod-1", ExpiresAt: now.Add(-time.Minute)}
	assert.False(t, expired.Held("pod-1", now))
}

func TestLeaderRecord_Stale(t *testing.T) {
	now := time.Now()
	fresh := LeaderRecord{LastHeartbeat: now.Add(-5 * time.Second)}
	assert.False(t, fresh.Stale(now, 30*time.Second))

	stale := LeaderRecord{LastHeartbeat: now.Add(-time.Minute)}
	assert.True(t, stale.Stale(now, 30*time.Second))
}
