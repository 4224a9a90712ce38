package poller_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasihub/wasihub/internal/lifecycle"
	"github.com/wasihub/wasihub/internal/model"
	"github.com/wasihub/wasihub/internal/poller"
	"github.com/wasihub/wasihub/internal/sandbox/fake"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeAggregator records every cycle's readings and cancels the run
// context once it has seen the wanted number of cycles.
type fakeAggregator struct {
	mu     sync.Mutex
	cycles [][]model.Reading
	state  []model.Reading
	limit  int
	cancel context.CancelFunc
	log    *eventLog
}

func (a *fakeAggregator) ProcessCycle(ctx context.Context, readings []model.Reading) error {
	a.mu.Lock()
	a.cycles = append(a.cycles, readings)
	done := len(a.cycles) >= a.limit
	a.mu.Unlock()

	if a.log != nil {
		a.log.add("cycle")
	}
	if done {
		a.cancel()
	}
	return nil
}

func (a *fakeAggregator) State(ctx context.Context) ([]model.Reading, time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, time.Now(), nil
}

func (a *fakeAggregator) allCycles() [][]model.Reading {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]model.Reading(nil), a.cycles...)
}

type fakeFlusher struct {
	mu    sync.Mutex
	count int
	log   *eventLog
}

func (f *fakeFlusher) FlushLEDs(ctx context.Context) error {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	if f.log != nil {
		f.log.add("flush")
	}
	return nil
}

func (f *fakeFlusher) flushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type countingRecorder struct {
	mu      sync.Mutex
	skipped int
}

func (r *countingRecorder) ObserveCycleDuration(d time.Duration)   {}
func (r *countingRecorder) IncUnitInvocation(unit string, ok bool) {}
func (r *countingRecorder) IncUnitReload(unit string, ok bool)     {}
func (r *countingRecorder) IncFlush(ok bool)                       {}
func (r *countingRecorder) IncPush(ok bool)                        {}
func (r *countingRecorder) AddPushedReadingsReceived(n int)        {}
func (r *countingRecorder) IncCycleSkipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}

func (r *countingRecorder) skips() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

func writeUnitBinary(t *testing.T, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name+".wasm")
	require.NoError(t, os.WriteFile(path, []byte("unit"), 0644))
	return path
}

func sensorUnit(t *testing.T, dir, name string) model.Unit {
	return model.Unit{Name: name, Kind: model.UnitKindSensor, Path: writeUnitBinary(t, dir, name), Enabled: true}
}

func newManager(t *testing.T, engine *fake.Engine, units []model.Unit) *lifecycle.Manager {
	t.Helper()

	manager, err := lifecycle.NewManager(lifecycle.ManagerConfig{Engine: engine, Units: units})
	require.NoError(t, err)
	_, err = manager.LoadAll(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close(context.Background()) })

	return manager
}

func TestCycleRunsUnitsThenFlushesOnce(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	units := []model.Unit{sensorUnit(t, dir, "a"), sensorUnit(t, dir, "b")}

	engine, err := fake.NewEngine(fake.EngineConfig{})
	require.NoError(t, err)

	log := &eventLog{}
	for _, u := range units {
		name := u.Name
		engine.SetPollFunc(name, func(ctx context.Context, i *fake.Instance) ([]model.Reading, error) {
			log.add("poll:" + name)
			return []model.Reading{{ProducerID: name, TimestampMS: 1, Data: map[string]interface{}{}}}, nil
		})
	}

	manager := newManager(t, engine, units)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	aggregator := &fakeAggregator{limit: 3, cancel: cancel, log: log}
	flusher := &fakeFlusher{log: log}

	svc, err := poller.NewService(poller.ServiceConfig{
		Interval:   5 * time.Millisecond,
		NodeID:     "node-1",
		Units:      units,
		Runner:     manager,
		Aggregator: aggregator,
		Flusher:    flusher,
	})
	require.NoError(t, err)

	err = svc.Run(ctx)
	assert.ErrorIs(err, context.Canceled)

	// Exactly one flush per cycle, after every unit ran.
	events := log.all()
	require.GreaterOrEqual(t, len(events), 12)
	for i := 0; i+4 <= 12; i += 4 {
		assert.Equal([]string{"poll:a", "poll:b", "flush", "cycle"}, events[i:i+4])
	}
	assert.GreaterOrEqual(flusher.flushes(), 3)
}

func TestFailingUnitDoesNotAbortCycles(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	units := []model.Unit{sensorUnit(t, dir, "a"), sensorUnit(t, dir, "b"), sensorUnit(t, dir, "c")}

	engine, err := fake.NewEngine(fake.EngineConfig{})
	require.NoError(t, err)
	engine.SetPollFunc("b", func(ctx context.Context, i *fake.Instance) ([]model.Reading, error) {
		return nil, fmt.Errorf("sensor wedged")
	})

	manager := newManager(t, engine, units)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	aggregator := &fakeAggregator{limit: 10, cancel: cancel}
	flusher := &fakeFlusher{}

	svc, err := poller.NewService(poller.ServiceConfig{
		Interval:   2 * time.Millisecond,
		NodeID:     "node-1",
		Units:      units,
		Runner:     manager,
		Aggregator: aggregator,
		Flusher:    flusher,
	})
	require.NoError(t, err)

	err = svc.Run(ctx)
	assert.ErrorIs(err, context.Canceled)

	// Ten full cycles, each carrying units a and c only, ids namespaced
	// with the node id. The failing unit's result is omitted, nothing
	// more.
	cycles := aggregator.allCycles()
	require.GreaterOrEqual(t, len(cycles), 10)
	for _, cycle := range cycles[:10] {
		require.Len(t, cycle, 2)
		assert.Equal("node-1:a", cycle[0].ProducerID)
		assert.Equal("node-1:c", cycle[1].ProducerID)
	}
	assert.GreaterOrEqual(flusher.flushes(), 10)
}

func TestDisplayUnitGetsMergedState(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	display := model.Unit{Name: "leds", Kind: model.UnitKindDisplay, Path: writeUnitBinary(t, dir, "leds"), Enabled: true}
	units := []model.Unit{display}

	engine, err := fake.NewEngine(fake.EngineConfig{})
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		lastState string
	)
	engine.SetUpdateFunc("leds", func(ctx context.Context, i *fake.Instance, stateJSON string) error {
		mu.Lock()
		defer mu.Unlock()
		lastState = stateJSON
		return nil
	})

	manager := newManager(t, engine, units)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	aggregator := &fakeAggregator{
		limit:  1,
		cancel: cancel,
		state:  []model.Reading{{ProducerID: "node-1:temp", TimestampMS: 42, Data: map[string]interface{}{"celsius": 21.5}}},
	}

	svc, err := poller.NewService(poller.ServiceConfig{
		Interval:   5 * time.Millisecond,
		NodeID:     "node-1",
		Units:      units,
		Runner:     manager,
		Aggregator: aggregator,
		Flusher:    &fakeFlusher{},
	})
	require.NoError(t, err)

	err = svc.Run(ctx)
	assert.ErrorIs(err, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	var doc struct {
		Readings []model.Reading `json:"readings"`
	}
	require.NoError(t, json.Unmarshal([]byte(lastState), &doc))
	require.Len(t, doc.Readings, 1)
	assert.Equal("node-1:temp", doc.Readings[0].ProducerID)
}

func TestOverrunningCycleSkipsTicks(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	units := []model.Unit{sensorUnit(t, dir, "slow")}

	engine, err := fake.NewEngine(fake.EngineConfig{})
	require.NoError(t, err)
	engine.SetPollFunc("slow", func(ctx context.Context, i *fake.Instance) ([]model.Reading, error) {
		time.Sleep(15 * time.Millisecond)
		return []model.Reading{{ProducerID: "slow", TimestampMS: 1, Data: map[string]interface{}{}}}, nil
	})

	manager := newManager(t, engine, units)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	aggregator := &fakeAggregator{limit: 3, cancel: cancel}
	recorder := &countingRecorder{}

	svc, err := poller.NewService(poller.ServiceConfig{
		Interval:   5 * time.Millisecond,
		NodeID:     "node-1",
		Units:      units,
		Runner:     manager,
		Aggregator: aggregator,
		Flusher:    &fakeFlusher{},
		Recorder:   recorder,
	})
	require.NoError(t, err)

	err = svc.Run(ctx)
	assert.ErrorIs(err, context.Canceled)

	// Every cycle takes three intervals, so ticks queued during the
	// cycle must have been dropped instead of bursting.
	assert.GreaterOrEqual(recorder.skips(), 1)
}

func TestMarshalState(t *testing.T) {
	assert := assert.New(t)

	doc, err := poller.MarshalState(nil, time.Time{})
	assert.NoError(err)
	assert.JSONEq(`{"readings": [], "last_update_ms": 0}`, doc)

	ts := time.UnixMilli(1700000000000)
	doc, err = poller.MarshalState([]model.Reading{{ProducerID: "a", TimestampMS: 1, Data: map[string]interface{}{}}}, ts)
	assert.NoError(err)
	assert.JSONEq(`{"readings": [{"producer_id": "a", "timestamp_ms": 1, "data": {}}], "last_update_ms": 1700000000000}`, doc)
}
