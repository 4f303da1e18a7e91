package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"tradeengine/internal/bus/membus"
	"tradeengine/internal/config"
	"tradeengine/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

type fakeDispatcher struct {
	mu      sync.Mutex
	signals []*core.Signal
	result  core.DispatchResult
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, signal *core.Signal) core.DispatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signal)
	return f.result
}
func (f *fakeDispatcher) ExecuteOrder(ctx context.Context, order *core.Order) (*core.ExecutionResult, error) {
	return nil, nil
}

func (f *fakeDispatcher) seenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

func TestRun_DispatchesDecodedSignal(t *testing.T) {
	bus := membus.New()
	dispatcher := &fakeDispatcher{result: core.DispatchResult{Status: core.StatusExecuted}}
	c := New(bus, dispatcher, &noopLogger{}, config.MessageBusConfig{SignalsSubject: "signals.in"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	payload, err := json.Marshal(core.Signal{StrategyID: "trend", Symbol: "BTCUSDT", Action: core.ActionBuy, Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "signals.in", payload))

	require.Eventually(t, func() bool { return dispatcher.seenCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestHandle_MalformedPayloadIsIgnoredNotDispatched(t *testing.T) {
	bus := membus.New()
	dispatcher := &fakeDispatcher{result: core.DispatchResult{}}
	c := New(bus, dispatcher, &noopLogger{}, config.MessageBusConfig{SignalsSubject: "signals.in"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Subscribe(ctx, "signals.in", c.handle))

	require.NoError(t, bus.Publish(ctx, "signals.in", []byte("not json")))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, dispatcher.seenCount())
}

func TestHandle_MissingTimestampIsDroppedNotDispatched(t *testing.T) {
	bus := membus.New()
	dispatcher := &fakeDispatcher{result: core.DispatchResult{}}
	c := New(bus, dispatcher, &noopLogger{}, config.MessageBusConfig{SignalsSubject: "signals.in"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Subscribe(ctx, "signals.in", c.handle))

	payload, err := json.Marshal(core.Signal{StrategyID: "trend", Symbol: "BTCUSDT", Action: core.ActionBuy})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "signals.in", payload))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, dispatcher.seenCount())
}

func TestHandle_PublishesReplyWhenRequested(t *testing.T) {
	bus := membus.New()
	dispatcher := &fakeDispatcher{result: core.DispatchResult{Status: core.StatusHold, Reason: "no action required"}}
	c := New(bus, dispatcher, &noopLogger{}, config.MessageBusConfig{SignalsSubject: "signals.in"})

	var reply []byte
	var mu sync.Mutex
	require.NoError(t, bus.Subscribe(context.Background(), "signals.in.reply", func(m core.Message) {
		mu.Lock()
		defer mu.Unlock()
		reply = m.Data
	}))

	payload, err := json.Marshal(core.Signal{StrategyID: "trend", Symbol: "BTCUSDT", Action: core.ActionHold, SignalID: "sig-1", Timestamp: time.Now()})
	require.NoError(t, err)
	c.handle(core.Message{Subject: "signals.in", Data: payload, Reply: "signals.in.reply"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reply) > 0
	}, time.Second, 5*time.Millisecond)

	var decoded map[string]interface{}
	mu.Lock()
	require.NoError(t, json.Unmarshal(reply, &decoded))
	mu.Unlock()
	assert.Equal(t, "hold", decoded["status"])
	assert.Equal(t, "sig-1", decoded["signal_id"])
}
