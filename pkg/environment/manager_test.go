package environment

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/stores"
)

type recordingWatchdog struct {
	shutdown    []string
	unavailable []string
}

func (w *recordingWatchdog) MonitorShutdownStateTransition(ctx context.Context, environmentID, computeResourceID string) error {
	w.shutdown = append(w.shutdown, environmentID)
	return nil
}

func (w *recordingWatchdog) MonitorUnavailableStateTransition(ctx context.Context, environmentID, computeResourceID string) error {
	w.unavailable = append(w.unavailable, environmentID)
	return nil
}

func setupManager(t *testing.T) (*Manager, *recordingWatchdog) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "cloudenv.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	watchdog := &recordingWatchdog{}
	m := NewManager(store, Options{})
	m.SetWatchdog(watchdog)
	return m, watchdog
}

func createEnv(t *testing.T, m *Manager, id string, state engine.CloudEnvironmentState, hosting engine.HostingType) *engine.Environment {
	t.Helper()
	env, err := m.Create(context.Background(), &engine.Environment{
		ID:                id,
		Name:              id,
		State:             state,
		Hosting:           hosting,
		ComputeResourceID: "compute-" + id,
	})
	if err != nil {
		t.Fatalf("failed to create environment %s: %v", id, err)
	}
	return env
}

func TestCreateDefaults(t *testing.T) {
	m, _ := setupManager(t)

	env, err := m.Create(context.Background(), &engine.Environment{Name: "dev"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if env.ID == "" {
		t.Error("expected a generated id")
	}
	if env.Type != engine.EnvironmentTypeCloud || env.State != engine.EnvironmentStateCreated {
		t.Errorf("unexpected defaults: type=%s state=%s", env.Type, env.State)
	}

	if _, err := m.Create(context.Background(), &engine.Environment{Type: "Mainframe"}); !engine.IsPermanent(err) {
		t.Errorf("expected validation error for unknown type, got %v", err)
	}
}

func TestTransitionFollowsTable(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	createEnv(t, m, "env-1", engine.EnvironmentStateProvisioning, engine.HostingTypeContainer)

	env, err := m.MarkAvailable(ctx, "env-1")
	if err != nil {
		t.Fatalf("MarkAvailable failed: %v", err)
	}
	if env.State != engine.EnvironmentStateAvailable {
		t.Fatalf("state = %s, want Available", env.State)
	}
	version := env.Version

	// Moving to the current state writes nothing.
	env, err = m.MarkAvailable(ctx, "env-1")
	if err != nil {
		t.Fatalf("repeated MarkAvailable failed: %v", err)
	}
	if env.Version != version {
		t.Errorf("no-op transition bumped version %d -> %d", version, env.Version)
	}

	if _, err := m.Transition(ctx, "env-1", engine.EnvironmentStateProvisioning, ""); !engine.IsPermanent(err) {
		t.Errorf("expected Available -> Provisioning to be rejected, got %v", err)
	}
	if _, err := m.Transition(ctx, "env-1", "Sleeping", ""); !engine.IsPermanent(err) {
		t.Errorf("expected unknown state to be rejected, got %v", err)
	}

	env, err = m.MarkUnavailable(ctx, "env-1", "agent lost")
	if err != nil {
		t.Fatalf("MarkUnavailable failed: %v", err)
	}
	if env.StateReason != "agent lost" {
		t.Errorf("reason = %q", env.StateReason)
	}

	env, err = m.Fail(ctx, "env-1", ReasonTransitionTimeout)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if env.State != engine.EnvironmentStateFailed || env.StateReason != ReasonTransitionTimeout {
		t.Errorf("unexpected failed record: %s %q", env.State, env.StateReason)
	}

	if _, err := m.Fail(ctx, "missing", "x"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSuspendArmsShutdownMonitor(t *testing.T) {
	m, watchdog := setupManager(t)
	ctx := context.Background()
	createEnv(t, m, "env-1", engine.EnvironmentStateAvailable, engine.HostingTypeContainer)

	env, err := m.Suspend(ctx, "env-1")
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if env.State != engine.EnvironmentStateShuttingDown {
		t.Fatalf("state = %s, want ShuttingDown", env.State)
	}
	if len(watchdog.shutdown) != 1 || watchdog.shutdown[0] != "env-1" {
		t.Fatalf("shutdown monitor calls = %v", watchdog.shutdown)
	}

	if _, err := m.Suspend(ctx, "env-1"); err != nil {
		t.Fatalf("second Suspend failed: %v", err)
	}
	if len(watchdog.shutdown) != 1 {
		t.Errorf("suspending a shutting down environment armed another monitor")
	}

	env, err = m.ForceSuspend(ctx, "env-1")
	if err != nil {
		t.Fatalf("ForceSuspend failed: %v", err)
	}
	if env.State != engine.EnvironmentStateShutdown {
		t.Errorf("state = %s, want Shutdown", env.State)
	}
}

func TestSuspendRejectsProvisioning(t *testing.T) {
	m, watchdog := setupManager(t)
	createEnv(t, m, "env-1", engine.EnvironmentStateProvisioning, engine.HostingTypeContainer)

	if _, err := m.Suspend(context.Background(), "env-1"); !engine.IsPermanent(err) {
		t.Fatalf("expected Provisioning -> ShuttingDown to be rejected, got %v", err)
	}
	if len(watchdog.shutdown) != 0 {
		t.Errorf("monitor armed for a rejected suspend")
	}
}

func TestHeartbeatPromotesRunningEnvironment(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	createEnv(t, m, "env-1", engine.EnvironmentStateStarting, engine.HostingTypeContainer)

	env, err := m.ApplyHeartbeat(ctx, &Heartbeat{EnvironmentID: "env-1", State: containerRunning})
	if err != nil {
		t.Fatalf("ApplyHeartbeat failed: %v", err)
	}
	if env.State != engine.EnvironmentStateAvailable {
		t.Errorf("state = %s, want Available", env.State)
	}
	if env.LastUpdatedByHeartbeat == nil {
		t.Error("heartbeat time not recorded")
	}
}

func TestHeartbeatDemotesUnhealthyEnvironment(t *testing.T) {
	m, watchdog := setupManager(t)
	ctx := context.Background()
	createEnv(t, m, "env-1", engine.EnvironmentStateAvailable, engine.HostingTypeContainer)

	env, err := m.ApplyHeartbeat(ctx, &Heartbeat{
		EnvironmentID: "env-1",
		State:         HeartbeatDockerDaemonRunning | HeartbeatContainerRunning,
	})
	if err != nil {
		t.Fatalf("ApplyHeartbeat failed: %v", err)
	}
	if env.State != engine.EnvironmentStateUnavailable || env.StateReason != ReasonHeartbeatUnhealthy {
		t.Fatalf("got %s %q, want Unavailable %q", env.State, env.StateReason, ReasonHeartbeatUnhealthy)
	}
	if len(watchdog.unavailable) != 1 {
		t.Fatalf("unavailable monitor calls = %v", watchdog.unavailable)
	}

	// An unhealthy environment that is not Available stays where it is.
	env, err = m.ApplyHeartbeat(ctx, &Heartbeat{EnvironmentID: "env-1"})
	if err != nil {
		t.Fatalf("ApplyHeartbeat failed: %v", err)
	}
	if env.State != engine.EnvironmentStateUnavailable {
		t.Errorf("state = %s, want Unavailable", env.State)
	}
	if len(watchdog.unavailable) != 1 {
		t.Errorf("monitor re-armed without a demotion")
	}

	// Recovery.
	env, err = m.ApplyHeartbeat(ctx, &Heartbeat{EnvironmentID: "env-1", State: containerRunning})
	if err != nil {
		t.Fatalf("ApplyHeartbeat failed: %v", err)
	}
	if env.State != engine.EnvironmentStateAvailable {
		t.Errorf("state = %s, want Available", env.State)
	}
}

func TestHeartbeatIdleSuspends(t *testing.T) {
	m, watchdog := setupManager(t)
	createEnv(t, m, "env-1", engine.EnvironmentStateAvailable, engine.HostingTypeContainer)

	env, err := m.ApplyHeartbeat(context.Background(), &Heartbeat{
		EnvironmentID: "env-1",
		State:         containerRunning | HeartbeatIdle,
	})
	if err != nil {
		t.Fatalf("ApplyHeartbeat failed: %v", err)
	}
	if env.State != engine.EnvironmentStateShuttingDown {
		t.Errorf("state = %s, want ShuttingDown", env.State)
	}
	if env.LastUpdatedByHeartbeat == nil {
		t.Error("heartbeat time not recorded")
	}
	if len(watchdog.shutdown) != 1 {
		t.Errorf("shutdown monitor calls = %v", watchdog.shutdown)
	}
}

func TestHeartbeatValidation(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	env, err := m.ApplyHeartbeat(ctx, &Heartbeat{})
	if env != nil || err != nil {
		t.Errorf("empty environment id should be ignored, got %v %v", env, err)
	}

	if _, err := m.ApplyHeartbeat(ctx, &Heartbeat{EnvironmentID: "missing"}); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("expected validation error for unknown environment, got %v", err)
	}

	createEnv(t, m, "env-gone", engine.EnvironmentStateDeleted, engine.HostingTypeContainer)
	if _, err := m.ApplyHeartbeat(ctx, &Heartbeat{EnvironmentID: "env-gone"}); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("expected validation error for deleted environment, got %v", err)
	}
}

func TestIsRunning(t *testing.T) {
	container := &engine.Environment{Type: engine.EnvironmentTypeCloud, Hosting: engine.HostingTypeContainer}
	vm := &engine.Environment{Type: engine.EnvironmentTypeCloud, Hosting: engine.HostingTypeVirtualMachine}
	static := &engine.Environment{Type: engine.EnvironmentTypeStatic}

	tests := []struct {
		name string
		env  *engine.Environment
		hb   Heartbeat
		want bool
	}{
		{"container full mask", container, Heartbeat{State: containerRunning}, true},
		{"container full mask and idle", container, Heartbeat{State: containerRunning | HeartbeatIdle}, true},
		{"container missing relay", container, Heartbeat{State: containerRunning &^ HeartbeatRelayConnected}, false},
		{"vm relay only", vm, Heartbeat{State: HeartbeatRelayConnected}, true},
		{"vm relay and agent", vm, Heartbeat{State: HeartbeatRelayConnected | HeartbeatAgentRunning}, false},
		{"hosting from heartbeat", container, Heartbeat{Hosting: engine.HostingTypeVirtualMachine, State: HeartbeatRelayConnected}, true},
		{"unknown hosting", &engine.Environment{Type: engine.EnvironmentTypeCloud}, Heartbeat{State: containerRunning}, false},
		{"static agent", static, Heartbeat{State: HeartbeatAgentRunning}, true},
		{"static without agent", static, Heartbeat{State: HeartbeatRelayConnected}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hb := tt.hb
			if got := IsRunning(tt.env, &hb); got != tt.want {
				t.Errorf("IsRunning() = %v, want %v", got, tt.want)
			}
		})
	}
}
