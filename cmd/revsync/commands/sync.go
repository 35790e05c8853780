package commands

import (
	"context"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/revsync/am"
	"github.com/teranos/revsync/errors"
	"github.com/teranos/revsync/logger"
	"github.com/teranos/revsync/sym"
	"github.com/teranos/revsync/sync"
	"github.com/teranos/revsync/transport"
)

// SyncCmd synchronizes the local revision tree with the remote.
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: sym.Sync + " Synchronize with the remote",
	Long: sym.Sync + ` sync - Synchronize the local revision tree with the remote

One pass fetches remote topology, completes missing payloads, pushes
local-only revisions parent first and then mirrors the head. Passing
--only restricts payload transfer to the given revision ids; topology is
always synchronized in full.

With --watch the pass repeats every sync.interval_seconds until
interrupted. Edits to the active am.toml are picked up without a restart.

Examples:
  revsync sync                      # One pass
  revsync sync --only 1b2c...       # Transfer one revision's payload
  revsync sync --watch              # Keep syncing`,
	RunE: runSync,
}

var (
	syncWatch bool
	syncOnly  []string
)

func init() {
	SyncCmd.Flags().BoolVar(&syncWatch, "watch", false, "Keep syncing every sync.interval_seconds")
	SyncCmd.Flags().StringSliceVar(&syncOnly, "only", nil, "Only transfer payloads of these revision ids")
	SyncCmd.Flags().StringVar(&projectFlag, "project", "", "Project id (default: sync.project_id)")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	id, err := projectID(cfg)
	if err != nil {
		return err
	}
	if cfg.Remote.URL == "" {
		return cfg.RequireRemote()
	}
	log := logger.Logger.Named("sync")

	client, err := newClient(cfg, log)
	if err != nil {
		return err
	}
	local, err := openLocal(cmd.Context(), cfg, id, log)
	if err != nil {
		return err
	}

	loop := sync.NewEventLoop()
	orch := sync.NewOrchestrator(local.store, client, log,
		sync.WithPoster(loop),
		sync.WithOwner(progressOwner(syncWatch)),
	)
	runner := newSyncRunner(orch, requestFor(cfg, id), log)

	if syncWatch {
		err = watch(cmd.Context(), runner, cfg, log)
	} else {
		var report sync.Report
		report, err = runner.run(cmd.Context())
		loop.Flush()
		if err == nil {
			printReport(report)
		}
	}

	if cerr := orch.Close(10 * time.Second); cerr != nil {
		log.Warnw("Sync still running at exit", logger.FieldError, cerr)
	}
	loop.Close()
	if cerr := local.Close(); err == nil {
		err = cerr
	}
	return err
}

func newClient(cfg *am.Config, log *zap.SugaredLogger) (*transport.Client, error) {
	return transport.New(transport.Config{
		BaseURL:              cfg.Remote.URL,
		Token:                cfg.Remote.Token,
		Timeout:              cfg.RemoteTimeout(),
		RequestsPerMinute:    cfg.Remote.RequestsPerMinute,
		AllowPrivateNetworks: cfg.Remote.AllowPrivateNetworks,
	}, log.Named("transport"))
}

func requestFor(cfg *am.Config, id string) sync.Request {
	filter := cfg.Sync.Filter
	if len(syncOnly) > 0 {
		filter = syncOnly
	}
	return sync.Request{ProjectID: id, Title: cfg.Sync.Title, Filter: filter}
}

// progressOwner prints session events. In watch mode only transfers and
// failures are printed; the runner logs the rest.
func progressOwner(quiet bool) sync.Owner {
	return sync.OwnerFuncs{
		FetchPhaseComplete: func() {
			if !quiet {
				pterm.Info.Println(sym.Fetch + " Remote topology applied")
			}
		},
		SyncDone: func(wasNoOp bool) {
			if quiet && wasNoOp {
				return
			}
			if wasNoOp {
				pterm.Success.Println(sym.Sync + " Already up to date")
				return
			}
			pterm.Success.Println(sym.Sync + " Sync complete")
		},
		SyncFailed: func(errs []string) {
			if quiet {
				return
			}
			for _, e := range errs {
				pterm.Error.Println(e)
			}
		},
	}
}

func printReport(r sync.Report) {
	if r.NoOp {
		return
	}
	if r.ProjectCreated {
		pterm.Info.Println(sym.Remote + " Created remote project")
	}
	pterm.Printfln("  %s %d fetched  %s %d completed  %s %d pushed", sym.Fetch, r.Fetched, sym.Fetch, r.Completed, sym.Push, r.Pushed)
	if r.HeadUpdated {
		pterm.Printfln("  %s remote head %s", sym.Head, r.RemoteHead)
	}
}

// Individual failures are logged for the first syncWarnInitialAttempts
// consecutive failures, then at most once per syncWarnInterval.
const (
	syncWarnInitialAttempts = 5
	syncWarnInterval        = time.Hour
)

// syncRunner repeats sync passes for one project.
type syncRunner struct {
	orch *sync.Orchestrator
	log  *zap.SugaredLogger
	now  func() time.Time

	mu  gosync.Mutex
	req sync.Request

	failures   int
	lastWarned time.Time
}

func newSyncRunner(orch *sync.Orchestrator, req sync.Request, log *zap.SugaredLogger) *syncRunner {
	return &syncRunner{orch: orch, req: req, log: logger.OrNop(log), now: time.Now}
}

func (r *syncRunner) request() sync.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.req
}

// setRequest replaces the title and filter used by later passes.
func (r *syncRunner) setRequest(title string, filter []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.req.Title = title
	r.req.Filter = filter
}

func (r *syncRunner) run(ctx context.Context) (sync.Report, error) {
	return r.orch.Run(ctx, r.request())
}

// tick runs one pass for the watch loop. Failures never stop the loop.
// Reports whether the pass succeeded.
func (r *syncRunner) tick(ctx context.Context) bool {
	report, err := r.run(ctx)
	if errors.Is(err, errors.ErrAlreadyInProgress) {
		r.log.Debugw("Previous pass still running, tick skipped")
		return false
	}
	if err != nil {
		r.failures++
		if r.failures <= syncWarnInitialAttempts || r.now().Sub(r.lastWarned) > syncWarnInterval {
			r.log.Warnw(sym.Sync+" Scheduled sync failed",
				logger.FieldError, err,
				"consecutive_failures", r.failures,
			)
			r.lastWarned = r.now()
		}
		return false
	}

	if r.failures > 0 {
		r.log.Infow(sym.Sync+" Scheduled sync recovered", "after_failures", r.failures)
	}
	r.failures = 0
	if !report.NoOp {
		printReport(report)
	}
	return true
}

// watch runs passes until ctx is cancelled or the process is interrupted.
func watch(ctx context.Context, runner *syncRunner, cfg *am.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloads := make(chan *am.Config, 1)
	if path := am.ActiveConfigPath(); path != "" {
		cw, err := am.NewConfigWatcher(path, log.Named("config"))
		if err != nil {
			log.Warnw("Config changes will need a restart", logger.FieldError, err)
		} else {
			cw.OnReload(func(c *am.Config) error {
				// keep only the newest reload
				select {
				case <-reloads:
				default:
				}
				reloads <- c
				return nil
			})
			cw.Start()
			am.SetGlobalWatcher(cw)
			defer func() {
				am.SetGlobalWatcher(nil)
				_ = cw.Stop()
			}()
		}
	}

	interval := cfg.SyncInterval()
	log.Infow(sym.Sync+" Sync ticker started", "interval", interval, logger.FieldProjectID, runner.request().ProjectID)
	runner.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infow("Sync ticker stopped")
			return nil
		case c := <-reloads:
			runner.setRequest(c.Sync.Title, requestFor(c, runner.request().ProjectID).Filter)
			if next := c.SyncInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				log.Infow(sym.Sync+" Sync interval changed", "interval", interval)
			}
		case <-ticker.C:
			runner.tick(ctx)
		}
	}
}
