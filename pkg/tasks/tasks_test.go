package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/cloudenv/pkg/broker"
	"github.com/openfroyo/cloudenv/pkg/capacity"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/jobs"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
	"github.com/openfroyo/cloudenv/pkg/providers/memory"
	"github.com/openfroyo/cloudenv/pkg/stores"
)

func setupTestStore(t *testing.T) *stores.SQLiteStore {
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
	return store
}

type unitRecorder struct {
	mu    sync.Mutex
	units []string
	fail  map[string]error
}

func (r *unitRecorder) run(ctx context.Context, shard string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, shard)
	return r.fail[shard]
}

func (r *unitRecorder) Units() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.units...)
	sort.Strings(out)
	return out
}

func staticConfig(rec *unitRecorder, shards ...string) Config {
	return Config{
		Name:     "test",
		Interval: time.Hour,
		LeaseTTL: time.Minute,
		Shards: func(ctx context.Context) ([]string, error) {
			return shards, nil
		},
		RunUnit: rec.run,
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTickRunsEveryShardAndReleasesLeases(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	rec := &unitRecorder{}
	runner := NewRunner(store, Options{Owner: "node-a"})

	if err := runner.Tick(ctx, staticConfig(rec, "a", "b")); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := rec.Units(); !equal(got, []string{"a", "b"}) {
		t.Fatalf("units = %v", got)
	}

	ok, err := store.AcquireLease(ctx, "test/a", "node-b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}
	if !ok {
		t.Error("immediate dispatch should release the shard lease")
	}
}

func TestTickSkipsShardLeasedElsewhere(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if ok, err := store.AcquireLease(ctx, "test/a", "node-b", time.Minute); err != nil || !ok {
		t.Fatalf("failed to take lease: %v %v", ok, err)
	}

	rec := &unitRecorder{}
	runner := NewRunner(store, Options{Owner: "node-a"})
	if err := runner.Tick(ctx, staticConfig(rec, "a", "b")); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if got := rec.Units(); !equal(got, []string{"b"}) {
		t.Errorf("units = %v, want only b", got)
	}
}

func TestTickContinuesPastFailingUnit(t *testing.T) {
	store := setupTestStore(t)
	rec := &unitRecorder{fail: map[string]error{"a": errors.New("boom")}}
	runner := NewRunner(store, Options{Owner: "node-a"})

	err := runner.Tick(context.Background(), staticConfig(rec, "a", "b"))
	if err == nil {
		t.Fatal("expected the unit error to be reported")
	}
	if got := rec.Units(); !equal(got, []string{"a", "b"}) {
		t.Errorf("units = %v", got)
	}
}

func TestTickDurableDispatch(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	rec := &unitRecorder{}
	cfg := staticConfig(rec, "a", "b")

	runner := NewRunner(store, Options{Owner: "node-a", Durable: true, Queue: jobs.NewQueue(store)})
	if err := runner.Tick(ctx, cfg); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(rec.Units()) != 0 {
		t.Fatalf("durable dispatch ran units inline: %v", rec.Units())
	}

	pending, err := store.CountJobs(ctx, QueueID("test"), stores.JobStatusPending)
	if err != nil {
		t.Fatalf("CountJobs failed: %v", err)
	}
	if pending != 2 {
		t.Fatalf("pending jobs = %d, want 2", pending)
	}

	// The leases stay held until they expire.
	if ok, _ := store.AcquireLease(ctx, "test/a", "node-b", time.Minute); ok {
		t.Error("durable dispatch should leave the lease held")
	}
	other := NewRunner(store, Options{Owner: "node-b", Durable: true, Queue: jobs.NewQueue(store)})
	if err := other.Tick(ctx, cfg); err != nil {
		t.Fatalf("Tick on node-b failed: %v", err)
	}
	pending, _ = store.CountJobs(ctx, QueueID("test"), stores.JobStatusPending)
	if pending != 2 {
		t.Errorf("another owner enqueued leased shards: %d jobs", pending)
	}

	worker := jobs.NewWorker(store, jobs.Options{})
	worker.Register(QueueID("test"), runner.Handler(cfg))
	for i := 0; i < 4; i++ {
		if _, err := worker.ProcessOne(ctx, QueueID("test")); err != nil {
			t.Fatalf("ProcessOne failed: %v", err)
		}
	}
	if got := rec.Units(); !equal(got, []string{"a", "b"}) {
		t.Errorf("units = %v", got)
	}
}

func TestHandlerRejectsMalformedUnit(t *testing.T) {
	runner := NewRunner(setupTestStore(t), Options{})
	h := runner.Handler(staticConfig(&unitRecorder{}))

	if _, err := h(context.Background(), json.RawMessage(`{}`), ""); !engine.IsPermanent(err) {
		t.Errorf("expected a permanent error, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := setupTestStore(t)
	rec := &unitRecorder{}
	cfg := staticConfig(rec, "a")
	cfg.Interval = 10 * time.Millisecond

	runner := NewRunner(store, Options{Owner: "node-a"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, cfg) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Units()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if len(rec.Units()) < 2 {
		t.Errorf("expected repeated ticks, got %v", rec.Units())
	}
}

func TestRunValidatesConfig(t *testing.T) {
	runner := NewRunner(setupTestStore(t), Options{Durable: true})
	if err := runner.Run(context.Background(), Config{Name: "x"}); err == nil {
		t.Error("expected error for missing interval")
	}
	if err := runner.Run(context.Background(), staticConfig(&unitRecorder{}, "a")); err == nil {
		t.Error("expected error for durable dispatch without queue")
	}
}

func TestFailedResourceSweep(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	records := []*engine.ResourceRecord{
		{ID: "failed", Type: engine.ResourceTypeComputeVM, ProvisioningStatus: engine.OperationStateFailed},
		{ID: "preserved", Type: engine.ResourceTypeComputeVM, ProvisioningStatus: engine.OperationStateFailed, Preserve: true},
		{ID: "assigned", Type: engine.ResourceTypeComputeVM, ProvisioningStatus: engine.OperationStateFailed, IsAssigned: true},
		{ID: "healthy", Type: engine.ResourceTypeComputeVM, ProvisioningStatus: engine.OperationStateSucceeded},
		{ID: "failed-disk", Type: engine.ResourceTypeOSDisk, ProvisioningStatus: engine.OperationStateFailed},
	}
	for _, r := range records {
		if err := store.CreateResource(ctx, r); err != nil {
			t.Fatalf("CreateResource %s failed: %v", r.ID, err)
		}
	}

	cfg := FailedResourceSweep(store, jobs.NewQueue(store), time.Hour, time.Minute, nil)
	if err := cfg.RunUnit(ctx, string(engine.ResourceTypeComputeVM)); err != nil {
		t.Fatalf("RunUnit failed: %v", err)
	}

	job, err := store.DequeueJob(ctx, broker.QueueDeleteResource, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("expected a delete job, got %v %v", job, err)
	}
	var payload jobs.Payload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		t.Fatalf("malformed payload: %v", err)
	}
	var input broker.ResourceJob
	if err := json.Unmarshal(payload.Input, &input); err != nil {
		t.Fatalf("malformed input: %v", err)
	}
	if input.ResourceID != "failed" {
		t.Errorf("swept %s, want failed", input.ResourceID)
	}

	if next, _ := store.DequeueJob(ctx, broker.QueueDeleteResource, time.Minute); next != nil {
		t.Errorf("unexpected second delete job: %s", next.Payload)
	}

	shards, err := cfg.Shards(ctx)
	if err != nil {
		t.Fatalf("Shards failed: %v", err)
	}
	if len(shards) != len(engine.ResourceTypes) {
		t.Errorf("shards = %v", shards)
	}
}

func TestCapacityRefreshTask(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cloud := memory.New(memory.Options{})

	subs := []capacity.Subscription{
		{ID: "sub-1", Enabled: true, Locations: []string{"WestUS2"}},
		{ID: "sub-off", Enabled: false, Locations: []string{"westus2"}},
	}
	cfg := CapacityRefresh(capacity.NewRefresher(cloud, store, subs, nil), time.Hour, time.Minute)

	runner := NewRunner(store, Options{Owner: "node-a"})
	if err := runner.Tick(ctx, cfg); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	u, err := store.GetCapacityUsage(ctx, "sub-1", "westus2", engine.ServiceTypeCompute, "standardDSv3Family")
	if err != nil {
		t.Fatalf("GetCapacityUsage failed: %v", err)
	}
	if u.Limit != 10000 {
		t.Errorf("limit = %d", u.Limit)
	}
	if _, err := store.GetCapacityUsage(ctx, "sub-off", "westus2", engine.ServiceTypeCompute, "standardDSv3Family"); !engine.IsNotFound(err) {
		t.Errorf("disabled subscription refreshed: %v", err)
	}
}

func TestInfrastructureBootstrap(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cloud := memory.New(memory.Options{})

	manager := capacity.NewManager(store, capacity.Options{
		Subscriptions: []capacity.Subscription{
			{ID: "sub-1", Enabled: true, Locations: []string{"westus2", "eastus"}},
			{ID: "sub-2", Enabled: true, Locations: []string{"westus2"}},
		},
		ResourceGroupBaseName: "cloudenv-rg",
		MaxResourceGroups:     2,
		SpreadResourceGroups:  true,
	})
	cfg := InfrastructureBootstrap(manager.Placements, cloud, time.Hour, time.Minute)

	shards, err := cfg.Shards(ctx)
	if err != nil {
		t.Fatalf("Shards failed: %v", err)
	}
	if !equal(shards, []string{"sub-1", "sub-2"}) {
		t.Fatalf("shards = %v", shards)
	}

	runner := NewRunner(store, Options{Owner: "node-a"})
	if err := runner.Tick(ctx, cfg); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	for _, sub := range []string{"sub-1", "sub-2"} {
		for _, rg := range []string{"cloudenv-rg-000", "cloudenv-rg-001"} {
			if _, ok := cloud.Get(memory.KindResourceGroup, sub, "", rg); !ok {
				t.Errorf("resource group %s/%s not ensured", sub, rg)
			}
		}
	}
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestOrphanedResourceSweep(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cloud := memory.New(memory.Options{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-24 * time.Hour)

	owned := map[string]string{compute.TagResourceID: "r1"}
	put := func(kind, group, name string, tags map[string]string, created time.Time) {
		cloud.Put(memory.Resource{Kind: kind, SubscriptionID: "sub-1", ResourceGroup: group, Name: name, Tags: tags, CreatedAt: created})
	}
	put(memory.KindStorageAccount, "rg-a", "inuse", owned, old)
	put(memory.KindStorageAccount, "rg-a", "orphan", owned, old)
	put(memory.KindNetworkInterface, "rg-b", "released", owned, old)
	put(memory.KindStorageAccount, "rg-a", "fresh", owned, now.Add(-time.Minute))
	put(memory.KindStorageAccount, "rg-a", "foreign", nil, old)

	records := []*engine.ResourceRecord{
		{ID: "live", Type: engine.ResourceTypeInputQueue, Info: &engine.AzureResourceInfo{SubscriptionID: "sub-1", ResourceGroup: "RG-A", Name: "inuse"}},
		{ID: "gone", Type: engine.ResourceTypeNetworkInterface, IsDeleted: true, Info: &engine.AzureResourceInfo{SubscriptionID: "sub-1", ResourceGroup: "rg-b", Name: "released"}},
	}
	for _, r := range records {
		if err := store.CreateResource(ctx, r); err != nil {
			t.Fatalf("CreateResource %s failed: %v", r.ID, err)
		}
	}

	placements := func() []engine.ResourceLocation {
		return []engine.ResourceLocation{
			{SubscriptionID: "sub-1", ResourceGroup: "rg-b"},
			{SubscriptionID: "sub-1", ResourceGroup: "rg-a"},
			{SubscriptionID: "sub-1", ResourceGroup: "rg-a"},
		}
	}
	cfg := OrphanedResourceSweep(placements, cloud, store, jobs.NewQueue(store), OrphanSweepOptions{
		Interval:    time.Hour,
		LeaseTTL:    time.Minute,
		GracePeriod: time.Hour,
		Clock:       fixedClock(now),
	})

	shards, err := cfg.Shards(ctx)
	if err != nil {
		t.Fatalf("Shards failed: %v", err)
	}
	if !equal(shards, []string{"sub-1"}) {
		t.Fatalf("shards = %v", shards)
	}
	if err := cfg.RunUnit(ctx, "sub-1"); err != nil {
		t.Fatalf("RunUnit failed: %v", err)
	}

	var swept []string
	for {
		job, err := store.DequeueJob(ctx, broker.QueueDeleteOrphan, time.Minute)
		if err != nil {
			t.Fatalf("DequeueJob failed: %v", err)
		}
		if job == nil {
			break
		}
		var payload jobs.Payload
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			t.Fatalf("malformed payload: %v", err)
		}
		var input broker.OrphanJob
		if err := json.Unmarshal(payload.Input, &input); err != nil {
			t.Fatalf("malformed input: %v", err)
		}
		swept = append(swept, string(input.Type)+":"+input.Info.Name)
	}
	sort.Strings(swept)

	want := []string{
		string(engine.ResourceTypeInputQueue) + ":orphan",
		string(engine.ResourceTypeNetworkInterface) + ":released",
	}
	sort.Strings(want)
	if !equal(swept, want) {
		t.Errorf("swept %v, want %v", swept, want)
	}
}
