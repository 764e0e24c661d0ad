package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/cloudenv/pkg/api"
	"github.com/openfroyo/cloudenv/pkg/broker"
	"github.com/openfroyo/cloudenv/pkg/capacity"
	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/environment"
	"github.com/openfroyo/cloudenv/pkg/jobs"
	"github.com/openfroyo/cloudenv/pkg/monitor"
	"github.com/openfroyo/cloudenv/pkg/policy"
	"github.com/openfroyo/cloudenv/pkg/providers"
	"github.com/openfroyo/cloudenv/pkg/providers/azure"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
	"github.com/openfroyo/cloudenv/pkg/providers/memory"
	"github.com/openfroyo/cloudenv/pkg/stores"
	"github.com/openfroyo/cloudenv/pkg/tasks"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// cloud is the provider side of the service: the adapters the broker
// drives plus the usage, infrastructure and inventory hooks of the periodic
// tasks.
type cloud struct {
	adapters  broker.Adapters
	vms       compute.VirtualMachineManager
	disks     providers.Deleter
	usages    capacity.UsageSource
	infra     tasks.Ensurer
	inventory providers.Inventory
}

func newCloud(cfg *config.Config, logger *telemetry.Logger) (*cloud, error) {
	if cfg.Azure.Simulate {
		c := memory.New(memory.Options{Polls: 2, Logger: logger})
		return &cloud{
			adapters: broker.Adapters{
				Provider:          "memory",
				Disks:             c.Disks(),
				NetworkInterfaces: c.NetworkInterfaces(),
				Queues:            c.Queues(),
				KeyVaults:         c.KeyVaults(),
			},
			vms:       c.VirtualMachines(),
			disks:     c.Disks(),
			usages:    c,
			infra:     c,
			inventory: c,
		}, nil
	}

	factory, err := azure.NewClientFactory(cfg.Azure, logger)
	if err != nil {
		return nil, err
	}
	disks := azure.NewDisks(factory, cfg.Azure.Compute)
	infra := azure.NewInfrastructure(factory, cfg.Azure.Network)
	return &cloud{
		adapters: broker.Adapters{
			Provider:          "azure",
			Disks:             disks,
			NetworkInterfaces: azure.NewNetworkInterfaces(factory, cfg.Azure.Network),
			Queues:            azure.NewQueues(factory, cfg.Azure.Storage),
			KeyVaults:         azure.NewKeyVaults(factory, cfg.Azure.TenantID, cfg.Azure.KeyVault),
		},
		vms:       azure.NewVirtualMachines(factory, cfg.Azure.Compute, cfg.Azure.Network),
		disks:     disks,
		usages:    azure.NewUsages(factory),
		infra:     infra,
		inventory: infra,
	}, nil
}

// app is a fully wired service instance.
type app struct {
	cfg *config.Config
	tel *telemetry.Telemetry

	store     *stores.SQLiteStore
	queue     *jobs.Queue
	worker    *jobs.Worker
	activator *jobs.Activator
	policy    *policy.Engine
	placement *capacity.Manager
	refresher *capacity.Refresher
	broker    *broker.Broker
	envs      *environment.Manager
	monitor   *monitor.Monitor
	runner    *tasks.Runner
	tasks     []tasks.Config
	server    *api.Server
}

func newApp(ctx context.Context, cfg *config.Config, version string) (_ *app, err error) {
	tel, err := telemetry.NewTelemetry(cfg.ToTelemetry(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel}
	defer func() {
		if err != nil {
			_ = a.close(context.WithoutCancel(ctx))
		}
	}()
	logger := tel.Logger

	a.store, err = openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	c, err := newCloud(cfg, logger)
	if err != nil {
		return nil, err
	}

	subs := capacity.SubscriptionsFromConfig(cfg.Capacity)
	if cfg.Policy.Enabled || len(cfg.Policy.ReservedSubscriptions) > 0 {
		if a.policy, err = newPolicyEngine(ctx, cfg.Policy, logger); err != nil {
			return nil, err
		}
	}
	placementOpts := capacity.Options{
		Subscriptions:         subs,
		ResourceGroupBaseName: cfg.Capacity.ResourceGroupBaseName,
		MaxResourceGroups:     cfg.Capacity.MaxResourceGroups,
		SpreadResourceGroups:  cfg.Features.SpreadResourcesInGroups,
		Logger:                logger,
		Metrics:               tel.Metrics,
		Events:                tel.Events,
	}
	if a.policy != nil {
		placementOpts.Policy = a.policy
	}
	a.placement = capacity.NewManager(a.store, placementOpts)
	a.refresher = capacity.NewRefresher(c.usages, a.store, subs, logger)

	vms := compute.NewProvider(c.vms, c.disks)
	vms.Name = c.adapters.Provider
	registry, err := broker.NewDefaultRegistry(c.adapters, vms, a.store, a.placement, broker.ComputeOptions{
		Skus:                                   cfg.Capacity.Skus,
		SeparateNetworkAndComputeSubscriptions: cfg.Features.SeparateNetworkAndComputeSubscriptions,
		Logger:                                 logger,
	})
	if err != nil {
		return nil, err
	}
	a.broker = broker.New(registry, a.store, vms, broker.Options{Logger: logger, Events: tel.Events})

	a.queue = jobs.NewQueue(a.store)
	a.worker = jobs.NewWorker(a.store, jobs.Options{
		Workers:           cfg.Jobs.Workers,
		PollInterval:      cfg.Jobs.PollInterval.D(),
		VisibilityTimeout: cfg.Jobs.VisibilityTimeout.D(),
		MaxAttempts:       cfg.Jobs.MaxAttempts,
		Logger:            logger,
		Metrics:           tel.Metrics,
	})
	a.activator = jobs.NewActivator(jobs.ActivatorOptions{Logger: logger})

	a.envs = environment.NewManager(a.store, environment.Options{
		Logger:  logger,
		Metrics: tel.Metrics,
		Events:  tel.Events,
	})
	a.monitor = monitor.New(a.envs, monitor.Options{
		Features:  cfg.Features,
		Timeouts:  cfg.Monitor,
		Activator: a.activator,
		Queue:     a.queue,
		Logger:    logger,
		Metrics:   tel.Metrics,
		Events:    tel.Events,
	})
	a.envs.SetWatchdog(a.monitor)

	a.runner = tasks.NewRunner(a.store, tasks.Options{
		Durable: cfg.Features.DurableTaskDispatch,
		Queue:   a.queue,
		Logger:  logger,
		Metrics: tel.Metrics,
	})
	ttl := cfg.Tasks.LeaseTTL.D()
	a.tasks = []tasks.Config{
		tasks.CapacityRefresh(a.refresher, cfg.Tasks.CapacityRefreshInterval.D(), ttl),
		tasks.FailedResourceSweep(a.store, a.queue, cfg.Tasks.FailedSweepInterval.D(), ttl, logger),
		tasks.InfrastructureBootstrap(a.placement.Placements, c.infra, cfg.Tasks.InfrastructureInterval.D(), ttl),
		tasks.OrphanedResourceSweep(a.placement.Placements, c.inventory, a.store, a.queue, tasks.OrphanSweepOptions{
			Interval:    cfg.Tasks.OrphanSweepInterval.D(),
			LeaseTTL:    ttl,
			GracePeriod: cfg.Tasks.OrphanGracePeriod.D(),
			Logger:      logger,
		}),
	}

	for queueID, h := range a.broker.Handlers() {
		a.worker.Register(queueID, h)
	}
	a.worker.Register(monitor.QueueID, a.monitor.Handle)
	for _, t := range a.tasks {
		a.worker.Register(tasks.QueueID(t.Name), a.runner.Handler(t))
	}

	a.server = api.NewServer(api.Dependencies{
		Resources:    a.broker,
		Environments: a.envs,
		Monitors:     a.monitor,
		Jobs:         a.queue,
		Health:       a.store,
		Metrics:      tel.Metrics,
		Logger:       logger,
	})
	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.D(),
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger *telemetry.Logger) (*policy.Engine, error) {
	engine, err := policy.NewEngine(*logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		return nil, err
	}
	if err := engine.SetReservedSubscriptions(ctx, cfg.ReservedSubscriptions); err != nil {
		_ = engine.Close()
		return nil, err
	}
	if cfg.Enabled {
		paths := []string{cfg.Dir}
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			_ = engine.Close()
			return nil, err
		}
		if cfg.Watch {
			if err := engine.Watch(ctx, paths); err != nil {
				_ = engine.Close()
				return nil, err
			}
		}
	}
	return engine, nil
}

// run serves the API and drives the worker and periodic tasks until ctx is
// cancelled or one of them fails.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(a.tel.WithContext(ctx))
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.tel.Logger.Zerolog().Error().Err(err).Str("component", name).Msg("Component stopped")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	spawn("api", func(ctx context.Context) error {
		return a.server.ListenAndServe(ctx, a.cfg.Server.Address, a.cfg.Server.ShutdownTimeout.D())
	})
	spawn("worker", a.worker.Run)
	for _, t := range a.tasks {
		t := t
		spawn("task/"+t.Name, func(ctx context.Context) error {
			return a.runner.Run(ctx, t)
		})
	}

	wg.Wait()
	return errors.Join(errs...)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.activator != nil {
		a.activator.Stop()
	}
	if a.policy != nil {
		errs = append(errs, a.policy.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
