package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
)

type fakePlugin struct {
	inits    atomic.Int32
	starts   atomic.Int32
	stops    atomic.Int32
	cleanups atomic.Int32

	failInit     bool
	failStart    bool
	failStop     bool
	panicOnStart bool

	stopEntered chan struct{}
	stopGate    chan struct{}
}

func (f *fakePlugin) Init(*ExecutionContext) error {
	f.inits.Add(1)
	if f.failInit {
		return errors.New("init refused")
	}
	return nil
}

func (f *fakePlugin) Start(*ExecutionContext) error {
	f.starts.Add(1)
	if f.panicOnStart {
		panic("start exploded")
	}
	if f.failStart {
		return errors.New("start refused")
	}
	return nil
}

func (f *fakePlugin) Stop(*ExecutionContext) error {
	if f.stopEntered != nil {
		select {
		case f.stopEntered <- struct{}{}:
		default:
		}
	}
	if f.stopGate != nil {
		<-f.stopGate
	}
	f.stops.Add(1)
	if f.failStop {
		return errors.New("stop refused")
	}
	return nil
}

func (f *fakePlugin) Cleanup(*ExecutionContext) error {
	f.cleanups.Add(1)
	return nil
}

func (f *fakePlugin) Status() map[string]any {
	return map[string]any{"starts": f.starts.Load()}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, fakes map[string]*fakePlugin) *Manager {
	t.Helper()
	reg := NewRegistry()
	for name, fake := range fakes {
		fake := fake
		if err := reg.Register(name, func() Plugin { return fake }); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return NewManager(reg, WithLogger(quietLogger()))
}

func manifestBody(name string, typ Type, deps ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\nversion: 1.0.0\ntype: %s\n", name, typ)
	if len(deps) > 0 {
		b.WriteString("dependencies:\n")
		for _, dep := range deps {
			fmt.Fprintf(&b, "  - %s\n", dep)
		}
	}
	return b.String()
}

func statusOf(t *testing.T, m *Manager, name string) InstanceStatus {
	t.Helper()
	for _, st := range m.Status() {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("plugin %s missing from status listing", name)
	return InstanceStatus{}
}

func bootstrap(t *testing.T, m *Manager, dir string) {
	t.Helper()
	ctx := context.Background()
	if err := m.Discover(dir); err != nil {
		t.Fatalf("discover: %v", err)
	}
	m.LoadAll(ctx)
	m.StartAll(ctx)
}

func TestManagerStartsInDependencyOrder(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "gamma.yaml", manifestBody("gamma", TypeGeneric, "alpha", "beta"))
	writeTestManifest(t, dir, "alpha.yaml", manifestBody("alpha", TypeCore))
	writeTestManifest(t, dir, "beta.yaml", manifestBody("beta", TypeGeneric, "alpha"))

	m := newTestManager(t, map[string]*fakePlugin{
		"alpha": {}, "beta": {}, "gamma": {},
	})
	bootstrap(t, m, dir)

	if want := []string{"alpha", "beta", "gamma"}; !reflect.DeepEqual(m.snapshotOrder(), want) {
		t.Fatalf("expected load order %v, got %v", want, m.snapshotOrder())
	}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if st := statusOf(t, m, name); st.State != StateStarted {
			t.Fatalf("%s not started: %+v", name, st)
		}
	}
}

func TestManagerIsolatesBrokenManifest(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "good.yaml", manifestBody("good", TypeGeneric))
	writeTestManifest(t, dir, "broken.yaml", "name: [unclosed\n")

	m := newTestManager(t, map[string]*fakePlugin{"good": {}})
	bootstrap(t, m, dir)

	if st := statusOf(t, m, "good"); st.State != StateStarted {
		t.Fatalf("healthy plugin blocked by broken manifest: %+v", st)
	}
	if st := statusOf(t, m, "broken"); st.State != StateFailed || st.Reason == "" {
		t.Fatalf("broken manifest not recorded as failed: %+v", st)
	}
}

func TestManagerMissingDirectoryMeansNoPlugins(t *testing.T) {
	m := newTestManager(t, nil)
	bootstrap(t, m, "/definitely/not/a/dir")
	if got := len(m.Status()); got != 0 {
		t.Fatalf("expected no plugins, got %d", got)
	}
}

func TestManagerCycleDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "a.yaml", manifestBody("a", TypeGeneric, "b"))
	writeTestManifest(t, dir, "b.yaml", manifestBody("b", TypeGeneric, "a"))
	writeTestManifest(t, dir, "clean.yaml", manifestBody("clean", TypeGeneric))

	fakes := map[string]*fakePlugin{"a": {}, "b": {}, "clean": {}}
	m := newTestManager(t, fakes)
	bootstrap(t, m, dir)

	if st := statusOf(t, m, "clean"); st.State != StateStarted {
		t.Fatalf("plugin outside the cycle should start: %+v", st)
	}
	for _, name := range []string{"a", "b"} {
		st := statusOf(t, m, name)
		if st.State != StateFailed || !strings.Contains(st.Reason, "cycle") {
			t.Fatalf("cycle member %s not contained: %+v", name, st)
		}
		if fakes[name].inits.Load() != 0 {
			t.Fatalf("cycle member %s was initialised", name)
		}
	}
}

func TestManagerInitFailurePropagatesToDependents(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "base.yaml", manifestBody("base", TypeCore))
	writeTestManifest(t, dir, "child.yaml", manifestBody("child", TypeGeneric, "base"))

	fakes := map[string]*fakePlugin{
		"base":  {failInit: true},
		"child": {},
	}
	m := newTestManager(t, fakes)
	bootstrap(t, m, dir)

	if st := statusOf(t, m, "base"); st.State != StateFailed {
		t.Fatalf("base should fail init: %+v", st)
	}
	st := statusOf(t, m, "child")
	if st.State != StateFailed || !strings.Contains(st.Reason, "dependency base failed") {
		t.Fatalf("child should inherit the failure: %+v", st)
	}
	if fakes["child"].inits.Load() != 0 {
		t.Fatal("dependent of a failed plugin must not be initialised")
	}
}

func TestManagerStartPanicContained(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "volatile.yaml", manifestBody("volatile", TypeGeneric))
	writeTestManifest(t, dir, "steady.yaml", manifestBody("steady", TypeGeneric))

	m := newTestManager(t, map[string]*fakePlugin{
		"volatile": {panicOnStart: true},
		"steady":   {},
	})
	bootstrap(t, m, dir)

	st := statusOf(t, m, "volatile")
	if st.State != StateFailed || !strings.Contains(st.Reason, "panic") {
		t.Fatalf("panicking plugin not contained: %+v", st)
	}
	if st := statusOf(t, m, "steady"); st.State != StateStarted {
		t.Fatalf("panic leaked into sibling startup: %+v", st)
	}
}

func TestMonitorSlotSingleOccupant(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "monitor-a.yaml", manifestBody("monitor-a", TypeTaskMonitor))
	writeTestManifest(t, dir, "monitor-b.yaml", manifestBody("monitor-b", TypeTaskMonitor))

	fakes := map[string]*fakePlugin{"monitor-a": {}, "monitor-b": {}}
	m := newTestManager(t, fakes)
	bootstrap(t, m, dir)

	if _, name, ok := m.MonitorSlot(); !ok || name != "monitor-a" {
		t.Fatalf("expected monitor-a to hold the slot, got %q ok=%v", name, ok)
	}
	st := statusOf(t, m, "monitor-b")
	if st.State != StateInitialised || st.Reason != "skipped (slot occupied)" {
		t.Fatalf("second monitor should be skipped, not failed: %+v", st)
	}
	if fakes["monitor-b"].starts.Load() != 0 {
		t.Fatal("skipped monitor's start hook must never run")
	}
}

func TestEnableSecondMonitorRejected(t *testing.T) {
	dir := t.TempDir()
	off := "enabled: false\n"
	writeTestManifest(t, dir, "monitor-a.yaml", manifestBody("monitor-a", TypeTaskMonitor))
	writeTestManifest(t, dir, "monitor-b.yaml", manifestBody("monitor-b", TypeTaskMonitor)+off)

	fakes := map[string]*fakePlugin{"monitor-a": {}, "monitor-b": {}}
	m := newTestManager(t, fakes)
	bootstrap(t, m, dir)
	ctx := context.Background()

	err := m.Enable(ctx, "monitor-b")
	if !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("expected ErrSlotOccupied, got %v", err)
	}
	if st := statusOf(t, m, "monitor-b"); st.Enabled {
		t.Fatal("rejected enable should leave the monitor disabled")
	}
	if fakes["monitor-b"].starts.Load() != 0 {
		t.Fatal("rejected monitor's start hook must never run")
	}
}

func TestDisableFreesSlotForNextMonitor(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "monitor-a.yaml", manifestBody("monitor-a", TypeTaskMonitor))
	writeTestManifest(t, dir, "monitor-b.yaml", manifestBody("monitor-b", TypeTaskMonitor))

	fakes := map[string]*fakePlugin{"monitor-a": {}, "monitor-b": {}}
	m := newTestManager(t, fakes)
	bootstrap(t, m, dir)
	ctx := context.Background()

	if err := m.Disable(ctx, "monitor-a"); err != nil {
		t.Fatalf("disable occupant: %v", err)
	}
	if _, _, ok := m.MonitorSlot(); ok {
		t.Fatal("slot should be empty after disabling the occupant")
	}
	if err := m.Enable(ctx, "monitor-b"); err != nil {
		t.Fatalf("enable after slot freed: %v", err)
	}
	if _, name, ok := m.MonitorSlot(); !ok || name != "monitor-b" {
		t.Fatalf("expected monitor-b to claim the slot, got %q ok=%v", name, ok)
	}
	if fakes["monitor-a"].stops.Load() != 1 {
		t.Fatalf("occupant stop hook should run once, ran %d", fakes["monitor-a"].stops.Load())
	}
}

func TestDisableIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "helper.yaml", manifestBody("helper", TypeGeneric))

	fakes := map[string]*fakePlugin{"helper": {}}
	m := newTestManager(t, fakes)
	bootstrap(t, m, dir)
	ctx := context.Background()

	if err := m.Disable(ctx, "helper"); err != nil {
		t.Fatalf("first disable: %v", err)
	}
	if err := m.Disable(ctx, "helper"); err != nil {
		t.Fatalf("second disable should be a no-op: %v", err)
	}
	if fakes["helper"].stops.Load() != 1 {
		t.Fatalf("stop hook ran %d times, expected 1", fakes["helper"].stops.Load())
	}
}

func TestStopFailureStillFreesSlot(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "monitor-a.yaml", manifestBody("monitor-a", TypeTaskMonitor))
	writeTestManifest(t, dir, "monitor-b.yaml", manifestBody("monitor-b", TypeTaskMonitor))

	m := newTestManager(t, map[string]*fakePlugin{
		"monitor-a": {failStop: true},
		"monitor-b": {},
	})
	bootstrap(t, m, dir)
	ctx := context.Background()

	if err := m.Disable(ctx, "monitor-a"); err == nil {
		t.Fatal("expected the stop failure to surface")
	}
	if st := statusOf(t, m, "monitor-a"); st.State != StateFailed {
		t.Fatalf("failed stop should mark the plugin failed: %+v", st)
	}
	if _, _, ok := m.MonitorSlot(); ok {
		t.Fatal("slot must be released even when stop fails")
	}
	if err := m.Enable(ctx, "monitor-b"); err != nil {
		t.Fatalf("slot should be claimable after a failed stop: %v", err)
	}
}

func TestReloadKeepsSlotOccupancy(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "monitor-a.yaml", manifestBody("monitor-a", TypeTaskMonitor))
	writeTestManifest(t, dir, "monitor-b.yaml", manifestBody("monitor-b", TypeTaskMonitor))

	fakes := map[string]*fakePlugin{"monitor-a": {}, "monitor-b": {}}
	m := newTestManager(t, fakes)
	bootstrap(t, m, dir)
	ctx := context.Background()

	if err := m.Reload(ctx, "monitor-a"); err != nil {
		t.Fatalf("reload occupant: %v", err)
	}
	if _, name, ok := m.MonitorSlot(); !ok || name != "monitor-a" {
		t.Fatalf("occupant should reclaim the slot after reload, got %q ok=%v", name, ok)
	}
	fake := fakes["monitor-a"]
	if fake.stops.Load() != 1 || fake.cleanups.Load() != 1 || fake.inits.Load() != 2 || fake.starts.Load() != 2 {
		t.Fatalf("unexpected lifecycle counts after reload: stops=%d cleanups=%d inits=%d starts=%d",
			fake.stops.Load(), fake.cleanups.Load(), fake.inits.Load(), fake.starts.Load())
	}
	if fakes["monitor-b"].starts.Load() != 0 {
		t.Fatal("reload of the occupant must not hand the slot to another monitor")
	}
}

func TestReloadRereadsManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeTestManifest(t, dir, "helper.yaml", manifestBody("helper", TypeGeneric))

	m := newTestManager(t, map[string]*fakePlugin{"helper": {}})
	bootstrap(t, m, dir)
	ctx := context.Background()

	writeTestManifest(t, dir, "helper.yaml", "name: helper\nversion: 2.0.0\ntype: generic\n")
	if err := m.Reload(ctx, "helper"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if st := statusOf(t, m, "helper"); st.Version != "2.0.0" || st.State != StateStarted {
		t.Fatalf("reload should pick up the rewritten manifest %s: %+v", path, st)
	}
}

func TestReloadOfDisabledPluginStaysDisabled(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "helper.yaml", manifestBody("helper", TypeGeneric)+"enabled: false\n")

	fakes := map[string]*fakePlugin{"helper": {}}
	m := newTestManager(t, fakes)
	bootstrap(t, m, dir)
	ctx := context.Background()

	if err := m.Reload(ctx, "helper"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	st := statusOf(t, m, "helper")
	if st.Enabled || st.State != StateInitialised {
		t.Fatalf("disabled plugin should stay disabled across reload: %+v", st)
	}
	if fakes["helper"].starts.Load() != 0 {
		t.Fatal("disabled plugin must not start on reload")
	}
}

func TestLifecycleOpsRejectedWhileBusy(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "slow.yaml", manifestBody("slow", TypeGeneric))

	fake := &fakePlugin{
		stopEntered: make(chan struct{}, 1),
		stopGate:    make(chan struct{}),
	}
	m := newTestManager(t, map[string]*fakePlugin{"slow": fake})
	bootstrap(t, m, dir)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- m.Disable(ctx, "slow") }()
	<-fake.stopEntered

	if err := m.Reload(ctx, "slow"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while a disable is in flight, got %v", err)
	}
	if err := m.Enable(ctx, "slow"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for concurrent enable, got %v", err)
	}

	close(fake.stopGate)
	if err := <-done; err != nil {
		t.Fatalf("disable: %v", err)
	}
}

func TestReloadAllPreservesEnablementAndOccupant(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "monitor-a.yaml", manifestBody("monitor-a", TypeTaskMonitor)+"enabled: false\n")
	writeTestManifest(t, dir, "monitor-b.yaml", manifestBody("monitor-b", TypeTaskMonitor))
	writeTestManifest(t, dir, "helper.yaml", manifestBody("helper", TypeGeneric))

	fakes := map[string]*fakePlugin{"monitor-a": {}, "monitor-b": {}, "helper": {}}
	m := newTestManager(t, fakes)
	bootstrap(t, m, dir)
	ctx := context.Background()

	if _, name, ok := m.MonitorSlot(); !ok || name != "monitor-b" {
		t.Fatalf("setup: expected monitor-b to hold the slot, got %q ok=%v", name, ok)
	}
	if err := m.Disable(ctx, "helper"); err != nil {
		t.Fatalf("disable helper: %v", err)
	}

	if err := m.ReloadAll(ctx); err != nil {
		t.Fatalf("reload all: %v", err)
	}

	if _, name, ok := m.MonitorSlot(); !ok || name != "monitor-b" {
		t.Fatalf("previous occupant should reclaim the slot, got %q ok=%v", name, ok)
	}
	if st := statusOf(t, m, "monitor-a"); st.Enabled {
		t.Fatal("monitor-a should remain disabled after reload all")
	}
	if st := statusOf(t, m, "helper"); st.Enabled || st.State == StateStarted {
		t.Fatalf("runtime disable should survive reload all: %+v", st)
	}
	if st := statusOf(t, m, "monitor-b"); st.State != StateStarted {
		t.Fatalf("occupant not restarted: %+v", st)
	}
}

func TestEnableUnknownPlugin(t *testing.T) {
	m := newTestManager(t, nil)
	bootstrap(t, m, t.TempDir())
	if err := m.Enable(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusSortedAndDiagnosed(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "zeta.yaml", manifestBody("zeta", TypeGeneric))
	writeTestManifest(t, dir, "alpha.yaml", manifestBody("alpha", TypeGeneric))

	m := newTestManager(t, map[string]*fakePlugin{"zeta": {}, "alpha": {}})
	bootstrap(t, m, dir)

	listing := m.Status()
	if len(listing) != 2 || listing[0].Name != "alpha" || listing[1].Name != "zeta" {
		t.Fatalf("status not sorted by name: %+v", listing)
	}
	if listing[0].Diagnostics == nil {
		t.Fatal("started plugin should expose diagnostics")
	}
}
