/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/fleetgate/pkg/config"
	"github.com/carverauto/fleetgate/pkg/db"
	"github.com/carverauto/fleetgate/pkg/events"
	"github.com/carverauto/fleetgate/pkg/gateway"
	"github.com/carverauto/fleetgate/pkg/jobs"
	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/processors"
	"github.com/carverauto/fleetgate/pkg/scope"
)

var configFile = flag.String("config", "/etc/fleetgate/fleetgate.json", "Path to config file")

const shutdownTimeout = 10 * time.Second

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, initiating shutdown", sig)
		cancel()
	}()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Fatal().Err(err).Msg("fleetgate exited with error")
	}

	logg.Info().Msg("fleetgate stopped")
}

func run(ctx context.Context, cfg *config.Config, logg logger.Logger) error {
	// The gateway and job producers operate under system scope; org
	// scoping applies to API callers, not internal services.
	ctx = scope.With(ctx, scope.SystemScope())

	pool, err := db.NewPool(ctx, &cfg.Database, logg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := db.New(pool, logg.WithComponent("db"))

	if err := store.ApplySchema(ctx); err != nil {
		return err
	}

	publisher, nc, err := events.Connect(ctx, &cfg.NATS, logg.WithComponent("events"))
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}

	queue, err := jobs.NewQueue(ctx, js, cfg.NATS.JobStream, logg.WithComponent("jobs"))
	if err != nil {
		return err
	}

	registry := gateway.NewConnRegistry(logg.WithComponent("registry"))
	dispatcher := gateway.NewDispatcher(registry, store, publisher, logg.WithComponent("dispatch"))

	topology := jobs.NewTopology(store, logg.WithComponent("topology"))
	discovery := jobs.NewDiscovery(store, registry, publisher, topology, logg.WithComponent("discovery"))
	snmp := jobs.NewSNMP(store, registry, jobs.NewGoSNMPPoller(logg.WithComponent("snmp")), queue,
		time.Duration(cfg.Jobs.SNMPPollInterval), logg.WithComponent("snmp"))
	scheduler := jobs.NewScheduler(store, queue, time.Duration(cfg.Jobs.SchedulerInterval), logg.WithComponent("scheduler"))
	sweep := jobs.NewTimeoutSweep(store, queue, &cfg.Jobs, logg.WithComponent("sweep"))

	correlator := buildCorrelator(store, dispatcher, discovery, snmp, cfg, logg)

	server := gateway.NewServer(
		registry,
		store,
		gateway.BcryptVerifier{},
		correlator,
		nil,
		cfg.Gateway,
		logg.WithComponent("gateway"),
	)

	var wg sync.WaitGroup

	startProducers(ctx, &wg, cfg, queue, scheduler, discovery, snmp, sweep, logg)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/agents/ws", server.HandleAgent)

	httpServer := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logg.Info().Str("addr", cfg.Gateway.ListenAddr).Msg("agent gateway listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logg.Error().Err(err).Msg("gateway shutdown failed")
	}

	wg.Wait()

	return ctx.Err()
}

func buildCorrelator(
	store *db.Store,
	dispatcher *gateway.Dispatcher,
	discovery *jobs.Discovery,
	snmp *jobs.SNMP,
	cfg *config.Config,
	logg logger.Logger,
) *gateway.Correlator {
	correlator := gateway.NewCorrelator(store, logg.WithComponent("correlator"))

	security := processors.NewSecurity(store, logg.WithComponent("security"))
	for _, t := range []models.CommandType{
		models.CommandTypeSecurityCollectStatus,
		models.CommandTypeSecurityScan,
		models.CommandTypeSecurityQuarantine,
		models.CommandTypeSecurityRemove,
		models.CommandTypeSecurityRestore,
	} {
		correlator.RegisterProcessor(t, security)
	}

	correlator.RegisterProcessor(models.CommandTypeFilesystemAnalysis,
		processors.NewFilesystem(store, dispatcher, cfg.Jobs.ResumeCeiling, logg.WithComponent("fsscan")))
	correlator.RegisterProcessor(models.CommandTypeScript,
		processors.NewScript(store, logg.WithComponent("script")))

	// Orphan routing order matters: the job-ID lookup is decisive,
	// body-shape inspection is the fallback.
	correlator.RegisterOrphanHandler(discovery)
	correlator.RegisterOrphanHandler(snmp)

	return correlator
}

func startProducers(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg *config.Config,
	queue *jobs.Queue,
	scheduler *jobs.Scheduler,
	discovery *jobs.Discovery,
	snmp *jobs.SNMP,
	sweep *jobs.TimeoutSweep,
	logg logger.Logger,
) {
	discoveryWorkers := int64(cfg.Jobs.DiscoveryWorkers)
	if discoveryWorkers <= 0 {
		discoveryWorkers = 4
	}

	snmpWorkers := int64(cfg.Jobs.SNMPWorkers)
	if snmpWorkers <= 0 {
		snmpWorkers = 4
	}

	runners := []func(context.Context) error{
		scheduler.Run,
		snmp.RunScheduler,
		sweep.Run,
		func(ctx context.Context) error {
			return queue.Consume(ctx, jobs.JobTypeDiscovery, discoveryWorkers, discovery.HandleJob)
		},
		func(ctx context.Context) error {
			return queue.Consume(ctx, jobs.JobTypeSNMPPoll, snmpWorkers, snmp.HandleJob)
		},
		// Sweeps mutate the ledger, so exactly one runs at a time.
		func(ctx context.Context) error {
			return queue.Consume(ctx, jobs.JobTypeTimeoutSweep, 1, sweep.HandleJob)
		},
	}

	for _, run := range runners {
		wg.Add(1)

		go func(run func(context.Context) error) {
			defer wg.Done()

			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error().Err(err).Msg("background producer exited")
			}
		}(run)
	}
}
