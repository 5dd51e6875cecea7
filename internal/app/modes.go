package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/stakepilot/engine/internal/chain"
	"github.com/stakepilot/engine/internal/crypto"
	"github.com/stakepilot/engine/internal/domain"
	"github.com/stakepilot/engine/internal/executor"
	"github.com/stakepilot/engine/internal/feed"
	"github.com/stakepilot/engine/internal/matcher"
	"github.com/stakepilot/engine/internal/notify"
	"github.com/stakepilot/engine/internal/scheduler"
	"github.com/stakepilot/engine/internal/server"
)

// RunMode starts the full dispatching engine: the chain protocol, the tick
// scheduler, the feed watcher, and the HTTP server.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	sessionKey, err := crypto.LoadECDSA(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Session.PrivateKey,
		EncryptedKeyPath: a.cfg.Session.EncryptedKeyPath,
		KeyPassword:      a.cfg.Session.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("run mode: load session key: %w", err)
	}

	var principalKey *ecdsa.PrivateKey
	if a.cfg.Session.PrincipalPrivateKey != "" {
		pk, err := crypto.LoadECDSA(crypto.KeyConfig{RawPrivateKey: a.cfg.Session.PrincipalPrivateKey})
		if err != nil {
			return fmt.Errorf("run mode: load principal key: %w", err)
		}
		principalKey = pk
	}

	ethClient, err := chain.Dial(ctx, a.cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("run mode: dial rpc: %w", err)
	}
	defer ethClient.Close()

	protocol, err := chain.NewProtocol(ctx, chain.ProtocolConfig{
		Client:         ethClient,
		SessionKey:     sessionKey,
		PrincipalKey:   principalKey,
		MarketAddr:     common.HexToAddress(a.cfg.Chain.MarketContract),
		SponsorURL:     a.cfg.Chain.SponsorURL,
		ReceiptTimeout: a.cfg.Chain.ReceiptTimeout.Duration,
		NoncePause:     a.cfg.Chain.NoncePause.Duration,
		NonceAttempts:  a.cfg.Chain.NonceAttempts,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("run mode: chain protocol: %w", err)
	}
	a.logger.InfoContext(ctx, "chain protocol ready",
		slog.String("session", protocol.SessionAddress().Hex()),
		slog.String("market", a.cfg.Chain.MarketContract),
	)

	// At most one instance may dispatch against the shared spend permission.
	if deps.Locks != nil {
		unlock, err := deps.Locks.Acquire(ctx, "engine", a.cfg.Engine.LockTTL.Duration)
		if err != nil {
			return fmt.Errorf("run mode: acquire engine lock: %w", err)
		}
		defer unlock()
	}

	resolver := matcher.NewSideResolver(matcher.StubOracle{}, a.logger)
	coord := executor.NewCoordinator(
		deps.StrategyStore,
		deps.ExecutionStore,
		resolver,
		protocol,
		permissionFromConfig(a.cfg.Permission),
		engineNotifier{n: deps.Notifier},
		a.logger,
	)
	engine := scheduler.New(coord, deps.Snapshots,
		a.cfg.Engine.TickInterval.Duration, a.cfg.Engine.InitialDelay.Duration, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := engine.Run(ctx)
		if err != nil {
			_ = deps.Notifier.Notify(ctx, notify.EventEngineHalted, "Engine halted", err.Error())
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		engine.Stop()
		return nil
	})

	a.startFeedWatcher(ctx, g, deps, engine)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, engine)
	}

	return g.Wait()
}

// WatchMode evaluates strategies against live snapshots and logs the stakes
// the engine would place. Nothing is dispatched and no executions are
// recorded.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode")

	coord := &watchCoordinator{
		strategies: deps.StrategyStore,
		resolver:   matcher.NewSideResolver(matcher.StubOracle{}, a.logger),
		logger:     a.logger.With(slog.String("component", "watch")),
	}
	engine := scheduler.New(coord, deps.Snapshots,
		a.cfg.Engine.TickInterval.Duration, a.cfg.Engine.InitialDelay.Duration, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		engine.Stop()
		return nil
	})

	a.startFeedWatcher(ctx, g, deps, engine)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, engine)
	}

	return g.Wait()
}

// ArchiveMode runs one archival pass: executions older than the retention
// window are written to object storage as JSONL and deleted from the store.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	cutoff := retentionCutoff(time.Now(), a.cfg.Engine.ArchiveRetentionDays)
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.cfg.Engine.ArchiveRetentionDays),
	)

	archived, err := deps.Archiver.ArchiveExecutions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}

	a.logger.InfoContext(ctx, "archive pass complete", slog.Int64("archived", archived))
	return nil
}

// startFeedWatcher connects the push feed when a WebSocket endpoint is
// configured. A failed initial connect is non-fatal; the engine still polls.
func (a *App) startFeedWatcher(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *scheduler.Engine) {
	if a.cfg.Feed.WsURL == "" {
		return
	}

	watcher := feed.NewWatcher(a.cfg.Feed.WsURL, deps.Feed, engine, a.logger)
	if err := watcher.Connect(ctx); err != nil {
		a.logger.WarnContext(ctx, "feed watcher connect failed, relying on polling",
			slog.String("error", err.Error()),
		)
	}
	g.Go(func() error {
		<-ctx.Done()
		return watcher.Close()
	})
}

// startHTTPServer adds the status HTTP server to the errgroup and shuts it
// down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine server.Engine) {
	h := server.NewHandler(deps.StrategyStore, deps.ExecutionStore, engine, a.logger)
	srv := server.NewServer(server.Config{Port: a.cfg.Server.Port}, h, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// watchCoordinator is the read-only tick body behind watch mode. It evaluates
// active strategies the same way the dispatching coordinator does but only
// logs the resulting candidates.
type watchCoordinator struct {
	strategies domain.StrategyStore
	resolver   *matcher.SideResolver
	logger     *slog.Logger
}

func (w *watchCoordinator) ProcessTick(ctx context.Context, snapshot []domain.Listing) error {
	active, err := w.strategies.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("watch: list active strategies: %w", err)
	}

	now := time.Now().UTC()
	for _, s := range active {
		if s.Expired(now) {
			continue
		}
		for _, m := range matcher.Evaluate(s, snapshot, now) {
			side, ok, err := w.resolver.Resolve(ctx, s, m)
			if err != nil {
				w.logger.WarnContext(ctx, "side resolution failed",
					slog.String("strategy_id", s.ID),
					slog.String("listing_id", m.Listing.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !ok {
				continue
			}
			w.logger.InfoContext(ctx, "stake candidate",
				slog.String("strategy_id", s.ID),
				slog.String("strategy", s.Name),
				slog.String("listing_id", m.Listing.ID),
				slog.String("question", m.Listing.Question),
				slog.String("side", string(side)),
				slog.Int64("stake_micro", s.Action.StakeMicro),
				slog.Int("confidence", m.Confidence),
				slog.String("condition", m.Label),
			)
		}
	}
	return nil
}

func (w *watchCoordinator) ClearPending() {}
