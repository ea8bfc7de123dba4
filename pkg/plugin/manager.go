package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrNotFound reports an operation against an unknown plugin name.
	ErrNotFound = errors.New("plugin not found")
	// ErrBusy reports that another lifecycle operation is in progress.
	// Lifecycle transitions are serialized; concurrent requests are
	// rejected rather than interleaved.
	ErrBusy = errors.New("plugin manager busy")
	// ErrSlotOccupied reports an attempt to start a second task monitor
	// while the slot already has an occupant.
	ErrSlotOccupied = errors.New("task monitor slot occupied")
)

const reasonSlotOccupied = "skipped (slot occupied)"

// Manager discovers plugin descriptors, resolves a dependency-respecting load
// order, supervises instances through their lifecycle and owns the single
// task-monitor slot. No individual plugin failure during discovery, load,
// start or reload prevents the rest of the system from running; failures are
// recorded on the plugin itself and are queryable through Status.
type Manager struct {
	registry *Registry
	log      *slog.Logger

	// opMu serializes lifecycle operations. Bulk operations block on it;
	// targeted operations (Enable, Disable, Reload) fail fast with ErrBusy
	// so an in-flight reload can never interleave with another.
	opMu sync.Mutex

	mu          sync.RWMutex
	plugins     map[string]*managed
	order       []string
	manifestDir string
	resources   map[string]any
	overrides   map[string]bool

	// The slot is written only by the manager, under mu.
	slotName   string
	slotPlugin Plugin
}

// managed is the manager's book-keeping for one plugin instance.
type managed struct {
	descriptor   Descriptor
	manifestPath string
	plugin       Plugin
	state        State
	reason       string
	enabled      bool
}

// NewManager constructs a manager drawing implementations from the given
// factory registry.
func NewManager(registry *Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		log:      slog.Default(),
		plugins:  make(map[string]*managed),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	return m
}

// Discover scans the manifest directory, validates descriptors, binds them to
// registered factories and resolves the load order. A manifest that fails to
// parse, names an unknown implementation or has unsatisfiable dependencies is
// recorded as failed without aborting discovery of the others.
func (m *Manager) Discover(dir string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.discoverLocked(dir)
}

func (m *Manager) discoverLocked(dir string) error {
	files, err := ScanManifestDir(dir)
	if err != nil {
		return err
	}

	plugins := make(map[string]*managed, len(files))
	healthy := make(map[string]Descriptor, len(files))
	for _, file := range files {
		if file.Err != nil {
			name := manifestName(file.Path)
			if _, taken := plugins[name]; taken {
				name = file.Path
			}
			plugins[name] = &managed{
				descriptor:   Descriptor{Name: name},
				manifestPath: file.Path,
				state:        StateFailed,
				reason:       file.Err.Error(),
			}
			m.log.Warn("plugin manifest rejected", slog.String("path", file.Path), slog.String("reason", file.Err.Error()))
			continue
		}
		desc := file.Descriptor
		if existing, dup := plugins[desc.Name]; dup {
			plugins[desc.Name+" ("+file.Path+")"] = &managed{
				descriptor:   desc,
				manifestPath: file.Path,
				state:        StateFailed,
				reason:       fmt.Sprintf("duplicate plugin name %s (already declared by %s)", desc.Name, existing.manifestPath),
			}
			continue
		}
		inst := &managed{
			descriptor:   desc,
			manifestPath: file.Path,
			state:        StateDiscovered,
			enabled:      desc.DefaultEnabled(),
		}
		if override, ok := m.overrides[desc.Name]; ok {
			inst.enabled = override
		}
		plugins[desc.Name] = inst
		if _, ok := m.registry.Lookup(desc.Name); !ok {
			inst.state = StateFailed
			inst.reason = fmt.Sprintf("no registered implementation for %s", desc.Name)
			continue
		}
		healthy[desc.Name] = desc
	}

	unavailable := make(map[string]struct{})
	for name, inst := range plugins {
		if inst.state == StateFailed {
			unavailable[name] = struct{}{}
		}
	}
	order, failed := resolveLoadOrder(healthy, unavailable)
	for name, reason := range failed {
		plugins[name].state = StateFailed
		plugins[name].reason = reason
		m.log.Warn("plugin excluded from load order", slog.String("plugin", name), slog.String("reason", reason))
	}

	m.mu.Lock()
	m.plugins = plugins
	m.order = order
	m.manifestDir = dir
	m.mu.Unlock()

	m.log.Info("plugin discovery complete",
		slog.String("dir", dir),
		slog.Int("discovered", len(order)),
		slog.Int("failed", len(plugins)-len(order)),
	)
	return nil
}

// LoadAll instantiates and initialises every discovered plugin in load order.
// An initialisation failure marks that plugin failed and propagates to its
// dependents; everything else continues to load.
func (m *Manager) LoadAll(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.loadLocked(ctx)
}

func (m *Manager) loadLocked(ctx context.Context) {
	for _, name := range m.snapshotOrder() {
		inst := m.get(name)
		if inst == nil || inst.state != StateDiscovered {
			continue
		}
		if dep, bad := m.failedDependency(inst.descriptor); bad {
			m.setState(name, StateFailed, fmt.Sprintf("dependency %s failed", dep))
			continue
		}
		factory, ok := m.registry.Lookup(name)
		if !ok {
			m.setState(name, StateFailed, fmt.Sprintf("no registered implementation for %s", name))
			continue
		}
		var p Plugin
		err := guard(name, "factory", func() error {
			p = factory()
			if p == nil {
				return fmt.Errorf("factory for %s returned nil", name)
			}
			return nil
		})
		if err == nil {
			err = guard(name, "initialize", func() error {
				return p.Init(m.execContext(ctx, inst.descriptor))
			})
		}
		if err != nil {
			m.setState(name, StateFailed, err.Error())
			m.log.Warn("plugin failed to initialise", slog.String("plugin", name), slog.Any("error", err))
			continue
		}
		m.mu.Lock()
		inst.plugin = p
		inst.state = StateInitialised
		inst.reason = ""
		m.mu.Unlock()
		m.log.Debug("plugin initialised", slog.String("plugin", name), slog.String("version", inst.descriptor.Version))
	}
}

// StartAll starts every enabled plugin in load order. The first enabled task
// monitor that starts successfully occupies the slot; later task monitors are
// rejected before their Start hook is invoked and recorded as skipped, not
// failed.
func (m *Manager) StartAll(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	for _, name := range m.snapshotOrder() {
		inst := m.get(name)
		if inst == nil {
			continue
		}
		if !m.isStartable(inst) {
			continue
		}
		if !inst.enabled {
			m.setReason(name, "disabled")
			continue
		}
		_ = m.startOne(ctx, name, false)
	}
}

// StopAll stops every started plugin in reverse load order.
func (m *Manager) StopAll(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stopAllLocked(ctx)
}

func (m *Manager) stopAllLocked(ctx context.Context) {
	order := m.snapshotOrder()
	for i := len(order) - 1; i >= 0; i-- {
		inst := m.get(order[i])
		if inst == nil || inst.state != StateStarted {
			continue
		}
		if err := m.stopOne(ctx, order[i]); err != nil {
			m.log.Warn("plugin failed to stop", slog.String("plugin", order[i]), slog.Any("error", err))
		}
	}
}

// Enable marks a plugin enabled and starts it if it is currently startable.
// Enabling a task monitor while the slot is occupied fails explicitly with
// ErrSlotOccupied and leaves the plugin disabled.
func (m *Manager) Enable(ctx context.Context, name string) error {
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()

	inst := m.get(name)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if inst.state == StateFailed {
		return fmt.Errorf("plugin %s is failed: %s", name, inst.reason)
	}
	if inst.enabled && inst.state == StateStarted {
		return nil
	}
	wasEnabled := inst.enabled
	m.setEnabled(name, true)
	if !m.isStartable(inst) {
		return nil
	}
	if err := m.startOne(ctx, name, true); err != nil {
		if errors.Is(err, ErrSlotOccupied) {
			m.setEnabled(name, wasEnabled)
		}
		return err
	}
	return nil
}

// Disable stops a started plugin and marks it disabled. Disabling the slot
// occupant clears the slot. Disabling an already-disabled plugin is a no-op.
func (m *Manager) Disable(ctx context.Context, name string) error {
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()

	inst := m.get(name)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !inst.enabled {
		return nil
	}
	m.setEnabled(name, false)
	if inst.state != StateStarted {
		m.setReason(name, "disabled")
		return nil
	}
	return m.stopOne(ctx, name)
}

// Reload rebuilds one plugin from scratch: stop and cleanup, re-read its
// manifest, re-initialise through the factory and restore the enablement it
// had immediately before the reload. A reload request while another lifecycle
// operation runs is rejected with ErrBusy.
func (m *Manager) Reload(ctx context.Context, name string) error {
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()
	return m.reloadLocked(ctx, name)
}

func (m *Manager) reloadLocked(ctx context.Context, name string) error {
	inst := m.get(name)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	wasEnabled := inst.enabled

	if inst.state == StateStarted {
		if err := m.stopOne(ctx, name); err != nil {
			m.log.Warn("stop before reload failed", slog.String("plugin", name), slog.Any("error", err))
		}
	}
	m.cleanupOne(ctx, name)

	desc, err := LoadManifest(inst.manifestPath)
	if err != nil {
		m.replaceInstance(name, &managed{
			descriptor:   inst.descriptor,
			manifestPath: inst.manifestPath,
			state:        StateFailed,
			reason:       err.Error(),
		})
		return err
	}
	if desc.Name != name {
		err := fmt.Errorf("manifest %s now declares name %s, expected %s", inst.manifestPath, desc.Name, name)
		m.replaceInstance(name, &managed{
			descriptor:   inst.descriptor,
			manifestPath: inst.manifestPath,
			state:        StateFailed,
			reason:       err.Error(),
		})
		return err
	}
	if dep, bad := m.failedDependency(desc); bad {
		reloadErr := fmt.Errorf("dependency %s is unavailable", dep)
		m.replaceInstance(name, &managed{
			descriptor:   desc,
			manifestPath: inst.manifestPath,
			state:        StateFailed,
			reason:       reloadErr.Error(),
		})
		return reloadErr
	}

	fresh := &managed{
		descriptor:   desc,
		manifestPath: inst.manifestPath,
		state:        StateDiscovered,
		enabled:      wasEnabled,
	}
	m.replaceInstance(name, fresh)

	factory, ok := m.registry.Lookup(name)
	if !ok {
		reloadErr := fmt.Errorf("no registered implementation for %s", name)
		m.setState(name, StateFailed, reloadErr.Error())
		return reloadErr
	}
	var p Plugin
	initErr := guard(name, "factory", func() error {
		p = factory()
		if p == nil {
			return fmt.Errorf("factory for %s returned nil", name)
		}
		return nil
	})
	if initErr == nil {
		initErr = guard(name, "initialize", func() error {
			return p.Init(m.execContext(ctx, desc))
		})
	}
	if initErr != nil {
		m.setState(name, StateFailed, initErr.Error())
		return initErr
	}
	m.mu.Lock()
	fresh.plugin = p
	fresh.state = StateInitialised
	m.mu.Unlock()

	if wasEnabled {
		if err := m.startOne(ctx, name, false); err != nil {
			return err
		}
	}
	m.log.Info("plugin reloaded", slog.String("plugin", name), slog.Bool("enabled", wasEnabled))
	return nil
}

// ReloadAll tears down every plugin, re-discovers the manifest directory and
// brings the set back up, preserving each plugin's prior enablement and
// re-establishing the task-monitor slot occupant when it still exists.
func (m *Manager) ReloadAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	dir := m.manifestDir
	previousOccupant := m.slotName
	enabledBefore := make(map[string]bool, len(m.plugins))
	for name, inst := range m.plugins {
		enabledBefore[name] = inst.enabled
	}
	m.mu.RUnlock()

	m.stopAllLocked(ctx)
	for _, name := range m.sortedNames() {
		m.cleanupOne(ctx, name)
	}

	if err := m.discoverLocked(dir); err != nil {
		return err
	}
	m.mu.Lock()
	for name, inst := range m.plugins {
		if was, ok := enabledBefore[name]; ok && inst.state != StateFailed {
			inst.enabled = was
		}
	}
	m.mu.Unlock()

	m.loadLocked(ctx)

	// The previous slot occupant gets the first claim on the slot.
	if previousOccupant != "" {
		if inst := m.get(previousOccupant); inst != nil && inst.enabled && m.isStartable(inst) {
			_ = m.startOne(ctx, previousOccupant, false)
		}
	}
	for _, name := range m.snapshotOrder() {
		inst := m.get(name)
		if inst == nil || !m.isStartable(inst) {
			continue
		}
		if !inst.enabled {
			m.setReason(name, "disabled")
			continue
		}
		_ = m.startOne(ctx, name, false)
	}
	return nil
}

// Status reports the queryable projection of every managed plugin, sorted by
// name. Diagnostics come from the plugin's own Status hook when an instance
// exists.
func (m *Manager) Status() []InstanceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]InstanceStatus, 0, len(m.plugins))
	for _, name := range m.sortedNamesLocked() {
		inst := m.plugins[name]
		status := InstanceStatus{
			Name:     name,
			Version:  inst.descriptor.Version,
			Type:     inst.descriptor.Type,
			Category: inst.descriptor.Category,
			State:    inst.state,
			Enabled:  inst.enabled,
			Reason:   inst.reason,
		}
		if inst.plugin != nil {
			status.Diagnostics = guardStatus(inst.plugin)
		}
		out = append(out, status)
	}
	return out
}

// MonitorSlot returns the current occupant of the task-monitor slot.
func (m *Manager) MonitorSlot() (Plugin, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.slotPlugin == nil {
		return nil, "", false
	}
	return m.slotPlugin, m.slotName, true
}

// startOne runs the Start hook for a plugin that is initialised or stopped.
// For a task monitor it first checks the slot: when occupied the Start hook
// is never invoked. With conflictToError the caller receives ErrSlotOccupied;
// otherwise the skip is only recorded on the instance.
func (m *Manager) startOne(ctx context.Context, name string, conflictToError bool) error {
	inst := m.get(name)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if inst.state != StateInitialised && inst.state != StateStopped {
		return fmt.Errorf("plugin %s cannot start from state %s", name, inst.state)
	}
	if inst.descriptor.Type == TypeTaskMonitor {
		m.mu.RLock()
		occupied := m.slotPlugin != nil && m.slotName != name
		occupant := m.slotName
		m.mu.RUnlock()
		if occupied {
			m.setReason(name, reasonSlotOccupied)
			m.log.Info("task monitor skipped",
				slog.String("plugin", name),
				slog.String("occupant", occupant),
			)
			if conflictToError {
				return fmt.Errorf("%w: held by %s", ErrSlotOccupied, occupant)
			}
			return nil
		}
	}
	err := guard(name, "start", func() error {
		return inst.plugin.Start(m.execContext(ctx, inst.descriptor))
	})
	if err != nil {
		m.setState(name, StateFailed, err.Error())
		m.log.Warn("plugin failed to start", slog.String("plugin", name), slog.Any("error", err))
		return err
	}
	m.mu.Lock()
	inst.state = StateStarted
	inst.reason = ""
	if inst.descriptor.Type == TypeTaskMonitor {
		m.slotName = name
		m.slotPlugin = inst.plugin
	}
	m.mu.Unlock()
	m.log.Info("plugin started", slog.String("plugin", name), slog.String("type", string(inst.descriptor.Type)))
	return nil
}

// stopOne runs the Stop hook and clears the slot when the plugin occupies it.
// A stop failure marks the plugin failed; the slot is released either way.
func (m *Manager) stopOne(ctx context.Context, name string) error {
	inst := m.get(name)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	err := guard(name, "stop", func() error {
		return inst.plugin.Stop(m.execContext(ctx, inst.descriptor))
	})
	m.mu.Lock()
	if m.slotName == name {
		m.slotName = ""
		m.slotPlugin = nil
	}
	if err != nil {
		inst.state = StateFailed
		inst.reason = err.Error()
	} else {
		inst.state = StateStopped
		inst.reason = ""
	}
	m.mu.Unlock()
	if err == nil {
		m.log.Info("plugin stopped", slog.String("plugin", name))
	}
	return err
}

func (m *Manager) cleanupOne(ctx context.Context, name string) {
	inst := m.get(name)
	if inst == nil || inst.plugin == nil {
		return
	}
	if err := guard(name, "cleanup", func() error {
		return inst.plugin.Cleanup(m.execContext(ctx, inst.descriptor))
	}); err != nil {
		m.log.Warn("plugin cleanup failed", slog.String("plugin", name), slog.Any("error", err))
	}
}

func (m *Manager) execContext(ctx context.Context, desc Descriptor) *ExecutionContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	base := &ExecutionContext{C: ctx, Config: desc.Config, Resources: m.resources}
	return base.Clone()
}

func (m *Manager) get(name string) *managed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plugins[name]
}

func (m *Manager) replaceInstance(name string, inst *managed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins[name] = inst
}

// failedDependency reports the first dependency of desc that is absent or in
// the failed state.
func (m *Manager) failedDependency(desc Descriptor) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dep := range desc.Dependencies {
		other, ok := m.plugins[dep]
		if !ok || other.state == StateFailed {
			return dep, true
		}
	}
	return "", false
}

func (m *Manager) isStartable(inst *managed) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return inst.state == StateInitialised || inst.state == StateStopped
}

func (m *Manager) setState(name string, state State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.plugins[name]; ok {
		inst.state = state
		inst.reason = reason
	}
}

func (m *Manager) setReason(name, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.plugins[name]; ok {
		inst.reason = reason
	}
}

func (m *Manager) setEnabled(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.plugins[name]; ok {
		inst.enabled = enabled
	}
	if m.overrides == nil {
		m.overrides = make(map[string]bool)
	}
	m.overrides[name] = enabled
}

func (m *Manager) snapshotOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) sortedNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedNamesLocked()
}

func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
