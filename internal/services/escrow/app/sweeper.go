package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eltris/escrowd/internal/platform/keyedmutex"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/eventlog"
	"github.com/eltris/escrowd/internal/services/escrow/ledger"
	"github.com/eltris/escrowd/internal/services/escrow/rail"
	"github.com/eltris/escrowd/internal/services/escrow/reconcile"
	"github.com/eltris/escrowd/internal/services/escrow/settlement"
	"github.com/eltris/escrowd/internal/services/escrow/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// SweeperConfig controls the standalone reconciliation process.
type SweeperConfig struct {
	Port     int
	DBPath   string
	RelayURL string

	ToleranceBps      int64
	HoldExpiry        time.Duration
	SwapConfirmations int

	DeadlineSweepInterval  time.Duration
	StuckHoldSweepInterval time.Duration
	LogSweepInterval       time.Duration
	EventLogLookback       time.Duration

	InvoiceProvider rail.InvoiceProvider
	SwapProvider    rail.SwapProvider
}

const defaultSweeperPort = 8092

// RunSweeper drives the reconciliation sweeps against a shared escrow store.
// It runs no task API and no rail subscriptions, so it can restart freely
// without interrupting payment tracking.
func RunSweeper(ctx context.Context, cfg SweeperConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultSweeperPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultEscrowDB
	}
	if strings.TrimSpace(cfg.RelayURL) == "" {
		return fmt.Errorf("relay url is required")
	}
	if cfg.DeadlineSweepInterval <= 0 {
		cfg.DeadlineSweepInterval = defaultDeadlineSweepEvery
	}
	if cfg.StuckHoldSweepInterval <= 0 {
		cfg.StuckHoldSweepInterval = defaultStuckHoldSweepEvery
	}
	if cfg.LogSweepInterval <= 0 {
		cfg.LogSweepInterval = defaultLogSweepEvery
	}
	if cfg.EventLogLookback <= 0 {
		cfg.EventLogLookback = defaultLogLookback
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create escrow storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open escrow sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close escrow sqlite store: %v", closeErr)
		}
	}()

	rails := make(map[domain.RailKind]rail.Rail)
	if cfg.InvoiceProvider != nil {
		rails[domain.RailHoldInvoice] = rail.NewHoldInvoice(cfg.InvoiceProvider, cfg.HoldExpiry)
	}
	if cfg.SwapProvider != nil {
		rails[domain.RailChainSwap] = rail.NewChainSwap(cfg.SwapProvider, cfg.HoldExpiry, cfg.SwapConfirmations)
	}
	if len(rails) == 0 {
		return fmt.Errorf("at least one payment rail provider is required")
	}

	locks := keyedmutex.New()
	ldgr := ledger.New(store, locks, cfg.ToleranceBps)
	relay, err := eventlog.NewHTTPRelay(cfg.RelayURL)
	if err != nil {
		return fmt.Errorf("build log relay: %w", err)
	}
	settler := settlement.New(store, rails, locks)
	reconciler := reconcile.New(store, rails, ldgr, settler, relay, locks)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on sweeper port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("sweeper.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("sweeper listening at %v", listener.Addr())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		reconcile.Loop(groupCtx, cfg.DeadlineSweepInterval, "deadlines", reconciler.SweepDeadlines)
		return nil
	})
	group.Go(func() error {
		reconcile.Loop(groupCtx, cfg.StuckHoldSweepInterval, "stuck_holds", reconciler.SweepStuckHolds)
		return nil
	})
	group.Go(func() error {
		reconcile.Loop(groupCtx, cfg.LogSweepInterval, "event_log", func(ctx context.Context, now time.Time) error {
			_, err := reconciler.SweepEventLog(ctx, now.Add(-cfg.EventLogLookback))
			return err
		})
		return nil
	})

	err = group.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
