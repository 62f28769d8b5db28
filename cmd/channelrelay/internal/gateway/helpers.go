package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyland-inc/channelrelay/cmd/channelrelay/internal"
	"github.com/tinyland-inc/channelrelay/pkg/bulk"
	"github.com/tinyland-inc/channelrelay/pkg/bus"
	"github.com/tinyland-inc/channelrelay/pkg/channels"
	"github.com/tinyland-inc/channelrelay/pkg/commands"
	"github.com/tinyland-inc/channelrelay/pkg/config"
	"github.com/tinyland-inc/channelrelay/pkg/cron"
	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/platform"
	"github.com/tinyland-inc/channelrelay/pkg/registry"
	"github.com/tinyland-inc/channelrelay/pkg/relay"
	"github.com/tinyland-inc/channelrelay/pkg/store"
	"github.com/tinyland-inc/channelrelay/pkg/worker"
)

const (
	startupApprovalDelay = 10 * time.Second
	shutdownTimeout      = 15 * time.Second

	jobApprove   = "approve-pending"
	jobRetention = "retention"
)

// services is the wired bot minus the transport and the store.
type services struct {
	registry   *registry.Registry
	engine     *relay.Engine
	grouper    *relay.Grouper
	queue      *relay.DispatchQueue
	approver   *bulk.Approver
	cleaner    *bulk.Cleaner
	runner     *bulk.Runner
	dispatcher *commands.Dispatcher
	worker     *worker.Worker
	scheduler  *cron.Scheduler
}

func buildServices(
	ctx context.Context,
	cfg *config.Config,
	st store.Store,
	client platform.Client,
	auth commands.Authorizer,
	mb *bus.MessageBus,
) (*services, error) {
	s := &services{
		registry: registry.New(st, client),
		approver: bulk.NewApprover(client, client, st, cfg.Approval.PageSize, cfg.Approval.Delay()),
		cleaner:  bulk.NewCleaner(st, st, client, cfg.Relay.SendDelay()),
		runner:   bulk.NewRunner(),
	}
	s.runner.SetGuardrails(bulk.Guardrails{MaxDuration: cfg.Bulk.MaxRun()})

	s.engine = relay.NewEngine(s.registry, st, st, client, relay.Options{
		Mode:      cfg.Relay.Mode,
		SendDelay: cfg.Relay.SendDelay(),
	})
	s.queue = relay.NewDispatchQueue(ctx, func(ctx context.Context, settled relay.Settled) {
		s.engine.OnGroupSettled(ctx, settled)
	})
	s.grouper = relay.NewGrouper(cfg.Relay.AlbumSettle(), cfg.Relay.AlbumStale(), s.queue.Enqueue)
	s.engine.SetGrouper(s.grouper)

	s.dispatcher = commands.NewDispatcher(commands.Deps{
		Auth:       auth,
		Platform:   client,
		Registry:   s.registry,
		Engine:     s.engine,
		Approver:   s.approver,
		Cleaner:    s.cleaner,
		Runner:     s.runner,
		Counter:    st,
		LedgerDays: cfg.Retention.LedgerDays,
	})
	s.worker = worker.New(mb, s.engine, s.dispatcher, st)

	s.scheduler = cron.NewScheduler()
	if cfg.Approval.Enabled {
		if err := s.scheduler.Add(jobApprove, cfg.Approval.Schedule, s.approveJob); err != nil {
			return nil, err
		}
	}
	if cfg.Retention.Enabled {
		if err := s.scheduler.Add(jobRetention, cfg.Retention.Schedule, s.retentionJob(cfg.Retention)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// approveJob approves pending requests in every destination, one channel at
// a time. A channel already being approved from a command is skipped.
func (s *services) approveJob(ctx context.Context) error {
	dests, err := s.registry.Destinations(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, dest := range dests {
		run, err := s.runner.Do(ctx, bulk.KindApprove, dest.ID, func(ctx context.Context) (any, error) {
			return s.approver.ApproveAllPending(ctx, dest.ID, nil)
		})
		var busy *bulk.AlreadyRunningError
		switch {
		case errors.As(err, &busy):
			logger.InfoCF("gateway", "Approval already running, skipping", map[string]any{"chat": dest.ID})
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		}
		if rep, ok := run.Result.(bulk.ApprovalReport); ok {
			logger.InfoCF("gateway", "Scheduled approval finished", map[string]any{
				"chat":      dest.ID,
				"total":     rep.Total,
				"approved":  rep.Approved,
				"failed":    rep.Failed,
				"remaining": rep.Remaining,
			})
		}
		if run.Status == bulk.StatusFailed {
			errs = append(errs, fmt.Errorf("%s: %s", dest.ID, run.Error))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// retentionJob deletes old copies when mapping retention is set and
// otherwise only prunes the ledger.
func (s *services) retentionJob(rc config.RetentionConfig) cron.JobFunc {
	return func(ctx context.Context) error {
		if rc.MappingDays <= 0 {
			if rc.LedgerDays <= 0 {
				return nil
			}
			_, err := s.cleaner.PruneLedger(ctx, rc.LedgerDays)
			return err
		}
		run, err := s.runner.Do(ctx, bulk.KindCleanup, "all", func(ctx context.Context) (any, error) {
			return s.cleaner.CleanupOld(ctx, rc.MappingDays, rc.LedgerDays)
		})
		if err != nil {
			return err
		}
		if run.Status == bulk.StatusFailed {
			return errors.New(run.Error)
		}
		return nil
	}
}

func gatewayCmd(parent context.Context, debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := internal.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.WarnCF("gateway", "Store close failed", map[string]any{"error": err.Error()})
		}
	}()

	msgBus := bus.NewMessageBus()
	telegram, err := channels.NewTelegramChannel(cfg.Telegram, msgBus)
	if err != nil {
		return err
	}

	svc, err := buildServices(ctx, cfg, st, telegram, telegram, msgBus)
	if err != nil {
		return err
	}

	if err := telegram.Start(ctx); err != nil {
		return fmt.Errorf("error starting telegram channel: %w", err)
	}

	logger.InfoCF("gateway", "Gateway started", map[string]any{
		"mode":    cfg.Relay.Mode,
		"storage": cfg.Storage.Driver,
		"jobs":    svc.scheduler.Len(),
	})
	fmt.Println("✓ Gateway started")
	fmt.Println("Press Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.worker.Run(gctx) })
	g.Go(func() error {
		svc.grouper.Run(gctx, cfg.Relay.SweepInterval())
		return nil
	})
	g.Go(func() error { return svc.scheduler.Run(gctx) })
	if cfg.Approval.Enabled && cfg.Approval.RunOnStart {
		g.Go(func() error {
			cron.RunAfter(gctx, jobApprove, startupApprovalDelay, svc.approveJob)
			return nil
		})
	}

	<-gctx.Done()
	fmt.Println("\nShutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := telegram.Stop(stopCtx); err != nil {
		logger.WarnCF("gateway", "Telegram channel stop failed", map[string]any{"error": err.Error()})
	}
	msgBus.Close()

	err = g.Wait()
	svc.runner.Wait()
	svc.queue.Wait()

	fmt.Println("✓ Gateway stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
