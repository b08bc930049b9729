// Command poduptrigger is the pod-upgrade-trigger daemon entrypoint: it
// wires config, store, capabilities, the task engine, HTTP dispatcher,
// scheduler, report ingester and discovery probe together, then runs until
// a signal asks it to stop. Grounded on cmd/sentinel/main.go's construction
// order (config → log → store → capabilities → engine → scheduler → HTTP
// listen) and its signal.NotifyContext shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/poduptrigger/poduptrigger/internal/authgate"
	"github.com/poduptrigger/poduptrigger/internal/clock"
	"github.com/poduptrigger/poduptrigger/internal/config"
	"github.com/poduptrigger/poduptrigger/internal/discovery"
	"github.com/poduptrigger/poduptrigger/internal/dispatch"
	"github.com/poduptrigger/poduptrigger/internal/events"
	"github.com/poduptrigger/poduptrigger/internal/executor"
	"github.com/poduptrigger/poduptrigger/internal/ids"
	"github.com/poduptrigger/poduptrigger/internal/ingest"
	"github.com/poduptrigger/poduptrigger/internal/logging"
	"github.com/poduptrigger/poduptrigger/internal/manualunits"
	"github.com/poduptrigger/poduptrigger/internal/metrics"
	"github.com/poduptrigger/poduptrigger/internal/podman"
	"github.com/poduptrigger/poduptrigger/internal/ratelimit"
	"github.com/poduptrigger/poduptrigger/internal/scheduler"
	"github.com/poduptrigger/poduptrigger/internal/store"
	"github.com/poduptrigger/poduptrigger/internal/taskengine"
	"github.com/poduptrigger/poduptrigger/internal/unitctl"
)

// reportScanInterval is how often the ingester polls X_REPORT_DIR for new
// self-update-*.json files.
const reportScanInterval = 60 * time.Second

var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("pod-upgrade-trigger " + versionString())
	fmt.Println("=============================================")

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	clk := clock.Real{}
	idGen := ids.UUIDGenerator{}
	bus := events.New()

	unitController := unitctl.New()
	podmanClient, err := podman.New("")
	if err != nil {
		log.Error("failed to create podman client", "error", err)
		cfg.MarkDegraded("podman client unavailable: " + err.Error())
	}

	engine := taskengine.New(db, bus, clk, idGen)
	exec := executor.New(engine, unitController, podmanClient, true)
	exec.SetDigestStore(db)
	if cmd := cfg.SelfUpdateCommand; cmd != "" {
		exec.SetSelfUpdateRunner(&unitctl.ShellRunner{Command: cmd})
	}

	limiter := ratelimit.New(db)
	lock := ratelimit.NewImageLock(db)
	gate := authgate.New(cfg)

	manualEntries, err := manualunits.Load(cfg.ManualUnitsFile, cfg.ManualUnitNames())
	if err != nil {
		log.Warn("failed to load manual unit catalogue", "error", err)
	}
	if saveErr := db.SaveDiscoveredUnits("manual", manualunits.ToDiscoveredUnits(manualEntries, clk.Now().Unix())); saveErr != nil {
		log.Warn("failed to persist manual unit catalogue", "error", saveErr)
	}

	probe := discovery.New(podmanClient, db, clk, idGen, log)
	ingester := ingest.New(cfg.ReportDir, engine, db, clk, idGen, log)
	sched := scheduler.New(engine, db, exec, exec, cfg, log, clk, bus, idGen, cfg.SelfUpdateCron, cfg.SelfUpdateDryRun)

	disp := dispatch.New(dispatch.Deps{
		Config:      cfg,
		Gate:        gate,
		Limiter:     limiter,
		Lock:        lock,
		Engine:      engine,
		Executor:    exec,
		Store:       db,
		Bus:         bus,
		IDs:         idGen,
		Clock:       clk,
		Log:         log,
		ManualUnits: manualEntries,
	})

	srv := &http.Server{Handler: disp}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ln, err := net.Listen("tcp", cfg.BindAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
		}
		log.Info("dispatcher listening", "addr", cfg.BindAddr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		return srv.Shutdown(shutCtx)
	})

	if cfg.ReportDir != "" {
		g.Go(func() error {
			return ingester.Run(gctx, reportScanInterval)
		})
	}

	g.Go(func() error {
		if err := probe.Refresh(gctx); err != nil {
			log.Warn("initial discovery probe failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		return sched.Run(gctx)
	})

	if cfg.MetricsEnabled {
		g.Go(func() error {
			ticker := time.NewTicker(1 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := metrics.WriteTextfile(cfg.StateDir + "/poduptrigger.prom"); err != nil {
						log.Warn("failed to write metrics textfile", "error", err)
					}
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	log.Info("poduptrigger started", "version", version, "commit", commit)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("poduptrigger exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("poduptrigger shutdown complete")
}
