package mcpmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vikashloomba/mcp-chat-bridge/pkg/kvstore/memstore"
)

// seedConnectedState connects ids through a throwaway manager and shuts it
// down so the store still records them as connected, as after a crash.
func seedConnectedState(t *testing.T, store *memstore.Store, at time.Time, descs ...ServerDescriptor) {
	t.Helper()
	f := newFakeFactory()
	for _, d := range descs {
		f.backend(d.ID).setTools("tool-of-" + d.ID)
	}
	opts := testOptions(f)
	opts.Now = func() time.Time { return at }
	m := NewManager(store, opts)
	ctx := context.Background()
	for _, d := range descs {
		if err := m.Connect(ctx, d); err != nil {
			t.Fatalf("seed Connect(%s): %v", d.ID, err)
		}
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("seed Shutdown: %v", err)
	}
}

func TestRehydrateRestoresReachableAndDemotesUnreachable(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	then := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	seedConnectedState(t, store, then, streamDesc("a"), streamDesc("b"))

	f := newFakeFactory()
	f.backend("a").handshakeErr = errors.New("connection refused")
	f.backend("b").setTools("tool-of-b", "new-tool")
	opts := testOptions(f)
	opts.Now = func() time.Time { return then.Add(time.Hour) }
	m := NewManager(store, opts)
	ctx := context.Background()

	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Cache().Tools("a"); len(got) != 1 {
		t.Fatalf("persisted catalog for a not loaded: %#v", got)
	}

	report := m.Rehydrate(ctx)
	if len(report.Restored) != 1 || report.Restored[0] != "b" {
		t.Fatalf("Restored = %v, want [b]", report.Restored)
	}
	if _, ok := report.Demoted["a"]; !ok || len(report.Demoted) != 1 {
		t.Fatalf("Demoted = %v, want only a", report.Demoted)
	}

	stA, _ := m.Status("a")
	if stA.Connected || stA.LastError != RestorationFailed {
		t.Fatalf("a state = %#v", stA)
	}
	if got := m.Cache().Tools("a"); len(got) != 0 {
		t.Fatalf("demoted server kept catalog: %#v", got)
	}

	stB, _ := m.Status("b")
	if !stB.Connected || stB.LastError != "" {
		t.Fatalf("b state = %#v", stB)
	}
	if stB.LastConnectedAt == nil || !stB.LastConnectedAt.Equal(then) {
		t.Fatalf("b LastConnectedAt = %v, want original %v", stB.LastConnectedAt, then)
	}
	if !m.Cache().HasTool("b", "new-tool") {
		t.Fatalf("b catalog was not refreshed: %#v", m.Cache().Tools("b"))
	}
}

func TestRehydrateDemotesProcessServers(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedConnectedState(t, store, time.Now(), processDesc("local"))

	f := newFakeFactory()
	m := NewManager(store, testOptions(f))
	ctx := context.Background()
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	report := m.Rehydrate(ctx)
	if len(report.Restored) != 0 || report.Demoted["local"] == "" {
		t.Fatalf("report = %#v", report)
	}
	if builds, _, _ := f.backend("local").stats(); builds != 0 {
		t.Fatalf("rehydration spawned a process transport")
	}
	st, _ := m.Status("local")
	if st.Connected || st.LastError != RestorationFailed {
		t.Fatalf("state = %#v", st)
	}
}

func TestRehydrateRunsOnce(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedConnectedState(t, store, time.Now(), streamDesc("a"))

	f := newFakeFactory()
	f.backend("a").setTools("x")
	m := NewManager(store, testOptions(f))
	ctx := context.Background()
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	first := m.Rehydrate(ctx)
	second := m.Rehydrate(ctx)
	if builds, _, _ := f.backend("a").stats(); builds != 1 {
		t.Fatalf("factory builds = %d, want 1", builds)
	}
	if len(first.Restored) != 1 || len(second.Restored) != 1 {
		t.Fatalf("reports differ: %#v vs %#v", first, second)
	}
}

func TestRehydrateSlowServerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedConnectedState(t, store, time.Now(), streamDesc("slow"), streamDesc("fast"))

	f := newFakeFactory()
	f.backend("slow").handshakeDelay = 5 * time.Second
	f.backend("fast").setTools("x")
	opts := testOptions(f)
	opts.RehydrateTimeout = 100 * time.Millisecond
	m := NewManager(store, opts)
	ctx := context.Background()
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	start := time.Now()
	report := m.Rehydrate(ctx)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("rehydration took %v; per-server timeout not applied", elapsed)
	}
	if len(report.Restored) != 1 || report.Restored[0] != "fast" {
		t.Fatalf("Restored = %v", report.Restored)
	}
	if report.Demoted["slow"] == "" {
		t.Fatalf("slow server not demoted: %#v", report.Demoted)
	}
}
