package commands

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// watchDebounce coalesces bursts of filesystem events (editors typically
// write, rename, and chmod in quick succession) into a single run.
const watchDebounce = 2 * time.Second

func newWatchCommand() *cobra.Command {
	var (
		project    string
		policyFile string
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Continuously enforce the policy",
		Long: `Run enforcement continuously. Local policy files are re-enforced when
they change on disk; gs:// policies and live project state are polled on
the configured interval. Each cycle is a complete reconciliation, so
out-of-band firewall changes are reverted on the next cycle even when
the policy file itself never changed.

When metrics are enabled, a Prometheus scrape endpoint is served for the
lifetime of the watch.`,
		Example: `  # Re-enforce on file change, and at least every 5 minutes
  enforcer watch --enforce_project my-project --policy_file policy.json

  # Poll a Cloud Storage policy every minute
  enforcer watch --enforce_project my-project --policy_file gs://bucket/policy.json --interval 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.close(cmd.Context())

			if interval > 0 {
				rt.cfg.WatchInterval = interval
			}
			return runWatch(cmd.Context(), rt, project, policyFile)
		},
	}

	cmd.Flags().StringVar(&project, "enforce_project", "", "project to enforce")
	cmd.Flags().StringVar(&policyFile, "policy_file", "", "policy file path or gs://bucket/object")
	cmd.Flags().DurationVar(&interval, "interval", 0, "reconcile interval (overrides config)")
	cmd.MarkFlagRequired("enforce_project")
	cmd.MarkFlagRequired("policy_file")

	return cmd
}

func runWatch(ctx context.Context, rt *runtime, project, policyFile string) error {
	history, err := rt.openHistory(ctx)
	if err != nil {
		return err
	}
	if history != nil {
		defer history.Close()
	}

	if rt.cfg.Telemetry.Metrics.Enabled {
		server := &http.Server{
			Addr:    rt.metrics.ListenAddress(),
			Handler: rt.metrics.Handler(),
		}
		go func() {
			rt.logger.Info().Str("address", server.Addr).Msg("Serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer server.Close()
	}

	// Change notifications only work for local files. gs:// sources rely
	// on the interval ticker alone.
	var changes <-chan struct{}
	if !strings.HasPrefix(policyFile, "gs://") {
		watcher, ch, err := watchFile(ctx, rt, policyFile)
		if err != nil {
			return err
		}
		defer watcher.Close()
		changes = ch
	}

	ticker := time.NewTicker(rt.cfg.WatchInterval)
	defer ticker.Stop()

	cycle := func(reason string) {
		result, err := rt.reconciler.Run(ctx, project, policyFile, rt.runOptions(false, false))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rt.logger.Error().Err(err).Str("trigger", reason).Msg("Reconciliation cycle failed")
			return
		}
		if history != nil {
			if err := recordRun(ctx, history, project, policyFile, result); err != nil {
				rt.logger.Warn().Err(err).Msg("Failed to record run history")
			}
		}
		rt.logger.Info().
			Str("trigger", reason).
			Int("succeeded", result.Report.Succeeded()).
			Int("failed", result.Report.Failed()).
			Int("in_sync", result.Diff.InSync).
			Msg("Reconciliation cycle complete")
	}

	cycle("startup")

	for {
		select {
		case <-ctx.Done():
			rt.logger.Info().Msg("Watch stopped")
			return nil
		case <-ticker.C:
			cycle("interval")
		case <-changes:
			cycle("policy-change")
			ticker.Reset(rt.cfg.WatchInterval)
		}
	}
}

// watchFile watches the policy file's directory and emits a debounced
// signal when the file changes. Watching the directory rather than the
// file survives editors that replace the file via rename.
func watchFile(ctx context.Context, rt *runtime, path string) (*fsnotify.Watcher, <-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, nil, err
	}

	changes := make(chan struct{}, 1)
	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					select {
					case changes <- struct{}{}:
					default:
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				rt.logger.Warn().Err(err).Msg("Policy file watcher error")
			}
		}
	}()

	return watcher, changes, nil
}
