// Package lifecycle manages sandbox unit slots: loading units at
// startup, serializing invocations against their slots and hot
// reloading binaries that change on disk.
package lifecycle

import (
	"context"
	"fmt"
	"os"

	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/metrics"
	"github.com/wasihub/wasihub/internal/model"
	"github.com/wasihub/wasihub/internal/sandbox"
)

// ManagerConfig is the configuration for the lifecycle manager.
type ManagerConfig struct {
	Engine   sandbox.Engine
	Units    []model.Unit
	Recorder metrics.Recorder
	Logger   log.Logger
}

func (c *ManagerConfig) defaults() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if len(c.Units) == 0 {
		return fmt.Errorf("at least one unit is required")
	}
	if c.Recorder == nil {
		c.Recorder = metrics.Noop
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "lifecycle.Manager"})
	return nil
}

// unitState pairs a unit's descriptor with its slot. The descriptor's
// ModifiedAt field is only touched while holding the slot lock.
type unitState struct {
	unit model.Unit
	slot *Slot
}

// Manager holds a fixed table of slots, one per configured unit. The
// table never grows or shrinks after construction; the unit set is
// static for the process lifetime.
type Manager struct {
	engine   sandbox.Engine
	units    map[string]*unitState
	recorder metrics.Recorder
	logger   log.Logger
}

// NewManager creates a manager with one empty slot per unit.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	units := map[string]*unitState{}
	for _, u := range cfg.Units {
		if err := u.Validate(); err != nil {
			return nil, fmt.Errorf("invalid unit: %w", err)
		}
		if _, ok := units[u.Name]; ok {
			return nil, fmt.Errorf("duplicated unit %q: %w", u.Name, model.ErrNotValid)
		}
		units[u.Name] = &unitState{unit: u, slot: NewSlot()}
	}

	return &Manager{
		engine:   cfg.Engine,
		units:    units,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}, nil
}

// LoadAll loads every enabled unit. A unit that fails to load is left
// degraded (empty slot, retried on every reload check) and logged; the
// returned count says how many units are live.
func (m *Manager) LoadAll(ctx context.Context) (loaded int, err error) {
	for name, st := range m.units {
		if !st.unit.Enabled {
			m.logger.Infof("Unit %q is disabled, skipping", name)
			continue
		}

		if err := m.loadInto(ctx, st); err != nil {
			m.logger.Errorf("Could not load unit %q, running degraded: %s", name, err)
			continue
		}
		loaded++
	}

	return loaded, nil
}

// loadInto loads the unit and stores the new pair in its slot. Callers
// must hold the slot lock, except during startup when nothing else can
// reach the slot yet.
func (m *Manager) loadInto(ctx context.Context, st *unitState) error {
	stat, err := os.Stat(st.unit.Path)
	if err != nil {
		return fmt.Errorf("could not stat unit binary: %s: %w", err, model.ErrLoad)
	}

	inst, err := m.engine.Load(ctx, st.unit)
	if err != nil {
		return fmt.Errorf("could not load unit: %w", err)
	}

	st.unit.ModifiedAt = stat.ModTime()
	old := st.slot.Replace(inst)
	if old != nil {
		if err := old.Close(ctx); err != nil {
			m.logger.Warningf("Could not close previous instance of %q: %s", st.unit.Name, err)
		}
	}

	return nil
}

// CheckAndReload compares the unit binary's modification timestamp with
// the last observed one and, if it changed, replaces the slot's
// contents wholesale under the slot lock. The old instance's persistent
// state is discarded; there is no migration into the new code. A failed
// load leaves the previous instance untouched.
//
// Because reload and invocation take the same lock, a reload can only
// begin once any in-flight invocation has finished, and an invocation
// started after the reload sees the new instance.
func (m *Manager) CheckAndReload(ctx context.Context, name string) error {
	st, ok := m.units[name]
	if !ok {
		return fmt.Errorf("unit %q: %w", name, model.ErrNotFound)
	}

	if err := st.slot.Acquire(ctx); err != nil {
		return err
	}
	defer st.slot.Release()

	// A degraded unit (empty slot) is retried on every check.
	if st.slot.Instance() == nil {
		if !st.unit.Enabled {
			return nil
		}
		err := m.loadInto(ctx, st)
		m.recorder.IncUnitReload(name, err == nil)
		if err != nil {
			return fmt.Errorf("unit %q still degraded: %w", name, err)
		}
		m.logger.Infof("Unit %q recovered", name)
		return nil
	}

	stat, err := os.Stat(st.unit.Path)
	if err != nil {
		// Binary temporarily missing (e.g. mid-copy): keep running the
		// loaded code and try again next cycle.
		m.logger.Warningf("Could not stat binary of %q: %s", name, err)
		return nil
	}
	if !stat.ModTime().After(st.unit.ModifiedAt) {
		return nil
	}

	m.logger.Infof("Unit %q binary changed, hot reloading", name)
	err = m.loadInto(ctx, st)
	m.recorder.IncUnitReload(name, err == nil)
	if err != nil {
		// Previous instance stays in place until the next successful check.
		return fmt.Errorf("hot reload of %q failed: %w", name, err)
	}

	return nil
}

// WithInstance runs fn with the unit's live instance while holding the
// slot's exclusive lock for the whole invocation.
func (m *Manager) WithInstance(ctx context.Context, name string, fn func(ctx context.Context, inst sandbox.Instance) error) error {
	st, ok := m.units[name]
	if !ok {
		return fmt.Errorf("unit %q: %w", name, model.ErrNotFound)
	}

	if err := st.slot.Acquire(ctx); err != nil {
		return err
	}
	defer st.slot.Release()

	inst := st.slot.Instance()
	if inst == nil {
		return fmt.Errorf("unit %q: %w", name, model.ErrNotLoaded)
	}

	return fn(ctx, inst)
}

// Unit returns a unit's descriptor.
func (m *Manager) Unit(name string) (*model.Unit, error) {
	st, ok := m.units[name]
	if !ok {
		return nil, fmt.Errorf("unit %q: %w", name, model.ErrNotFound)
	}

	u := st.unit
	return &u, nil
}

// Close closes every live instance.
func (m *Manager) Close(ctx context.Context) error {
	for name, st := range m.units {
		if err := st.slot.Acquire(ctx); err != nil {
			return err
		}
		if old := st.slot.Replace(nil); old != nil {
			if err := old.Close(ctx); err != nil {
				m.logger.Warningf("Could not close instance of %q: %s", name, err)
			}
		}
		st.slot.Release()
	}

	return nil
}
