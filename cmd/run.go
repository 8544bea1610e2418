// File: cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/api/schemas"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/engine"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/observability"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/store"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/worker"
)

func newRunCmd() *cobra.Command {
	var simulate bool
	var identities int

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the adaptive core and its maintenance loops",
		Long: `Starts the engine, restores the last snapshot when one exists, and runs
the background maintenance loops until interrupted. The probe driver is an
external collaborator; --simulate wires a synthetic one so the feedback
loops can be observed locally.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := rootCfg
			logger := rootLogger
			defer observability.Sync(logger)

			fileStore := store.NewFileStore(cfg.Snapshot.Path, logger)
			var snapshotter schemas.Snapshotter = fileStore
			var archive *store.Archive

			// The Postgres archive is optional; when configured, periodic
			// snapshots go there in addition to the file.
			if cfg.Postgres.URL != "" {
				pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
				if err != nil {
					return fmt.Errorf("failed to connect to database: %w", err)
				}
				defer pool.Close()

				archive, err = store.NewArchive(ctx, pool, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize snapshot archive: %w", err)
				}
				snapshotter = multiSnapshotter{fileStore, archive}
			}

			core := engine.New(cfg, logger, snapshotter)

			// Restore from the snapshot file, falling back to the newest
			// archived row when the file is gone (fresh host, same database).
			if snap, err := fileStore.Load(ctx); err == nil {
				core.Restore(snap)
			} else if archive != nil {
				if snap, err := archive.Latest(ctx); err == nil {
					core.Restore(snap)
				} else {
					logger.Info("No archived snapshot, starting cold", zap.Error(err))
				}
			} else {
				logger.Info("No previous snapshot, starting cold", zap.Error(err))
			}

			for i := 0; i < identities; i++ {
				core.Coordinator().Register(fmt.Sprintf("identity-%d", i))
			}

			sup := worker.NewSupervisor(logger)
			core.RegisterLoops(sup)
			sup.Start(ctx)
			defer sup.Stop()

			logger.Info("Engine running",
				zap.Int("targets", len(cfg.Targets)),
				zap.Int("proxies", len(cfg.Proxy.Pool)),
				zap.Int("identities", identities),
			)

			if simulate {
				runSimulation(ctx, core, cfg.Targets, identities, logger)
			} else {
				<-ctx.Done()
			}

			// Best-effort final snapshot on the way out.
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := snapshotter.Save(saveCtx, core.Snapshot()); err != nil {
				logger.Warn("Final snapshot failed", zap.Error(err))
			}
			return nil
		},
	}

	runCmd.Flags().BoolVar(&simulate, "simulate", false, "drive the engine with a synthetic probe loop")
	runCmd.Flags().IntVar(&identities, "identities", 1, "number of logical identities to coordinate")
	return runCmd
}

// multiSnapshotter fans a snapshot out to several sinks, keeping the first
// error.
type multiSnapshotter []schemas.Snapshotter

func (m multiSnapshotter) Save(ctx context.Context, snap schemas.Snapshot) error {
	var firstErr error
	for _, s := range m {
		if err := s.Save(ctx, snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runSimulation exercises the full feedback loop with synthetic probe
// results. It stands in for the real session driver during development and
// produces plausible detection pressure: mostly clean checks, occasional
// rate limiting, rare captchas, and a drop every now and then.
func runSimulation(ctx context.Context, core *engine.Engine, targets []config.TargetConfig, identities int, logger *zap.Logger) {
	if len(targets) == 0 {
		logger.Warn("No targets configured, nothing to simulate")
		<-ctx.Done()
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	lastCheck := make(map[string]time.Time)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for i := 0; i < identities; i++ {
			identity := fmt.Sprintf("identity-%d", i)
			if !core.Coordinator().MayCheck(identity) {
				continue
			}
			target := targets[rng.Intn(len(targets))]
			if !core.ShouldCheckNow(target.Name, lastCheck[target.Name]) {
				continue
			}

			reqCtx := schemas.RequestContext{
				Target:   target.Name,
				Kind:     schemas.RequestStatusCheck,
				Priority: target.Priority,
			}
			sessionID := identity
			proxyID, err := core.GetProxy(reqCtx, sessionID)
			if err != nil {
				logger.Warn("No proxy available, backing off", zap.String("target", target.Name))
				continue
			}

			core.Coordinator().RecordCheck(identity)
			lastCheck[target.Name] = time.Now()

			roll := rng.Float64()
			success := roll > 0.1
			detected := roll < 0.05
			found := rng.Float64() < 0.02

			core.ReportProxyOutcome(schemas.ProxyOutcome{
				Proxy:          proxyID,
				Context:        reqCtx,
				Success:        success,
				Detected:       detected,
				ResponseTimeMs: 150 + rng.Float64()*600,
			})
			core.ReportCheckResult(target.Name, success, boolToInt(found), 0)

			if detected {
				obs := schemas.Observation{"status": "rate limit exceeded"}
				if rng.Float64() < 0.3 {
					obs = schemas.Observation{"challenge": "captcha required", "soft_challenge": true}
				}
				resp := core.ReportDetection(target.Name, obs, schemas.SessionContext{
					SessionID:  sessionID,
					ProxyID:    proxyID.Key(),
					IdentityID: identity,
				})
				logger.Info("Simulated detection",
					zap.String("target", target.Name),
					zap.Any("strategies", resp.Strategies),
					zap.Float64("risk", core.RiskScore(target.Name)),
				)
			}
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
