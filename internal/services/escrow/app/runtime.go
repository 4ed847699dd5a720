// Package app assembles the escrow engine: storage, payment rails, the
// settlement coordinator, arbitration, the public log publisher, and the
// reconciliation sweeps, behind a gRPC health endpoint.
package app

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eltris/escrowd/internal/platform/keyedmutex"
	"github.com/eltris/escrowd/internal/platform/timeouts"
	"github.com/eltris/escrowd/internal/services/escrow/auth"
	"github.com/eltris/escrowd/internal/services/escrow/controller"
	"github.com/eltris/escrowd/internal/services/escrow/dispute"
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

// RuntimeConfig controls escrow startup, dependencies, and loop cadence.
type RuntimeConfig struct {
	// Port serves gRPC health checks; HTTPPort serves the task API.
	Port     int
	HTTPPort int
	DBPath   string
	RelayURL string

	// LogSigningKey signs every record exported to the public event log.
	LogSigningKey ed25519.PrivateKey
	Grants        auth.Config
	Roster        []string

	MaxReward         int64
	HoldExpiry        time.Duration
	ToleranceBps      int64
	SwapConfirmations int

	PublishInterval        time.Duration
	DeadlineSweepInterval  time.Duration
	StuckHoldSweepInterval time.Duration
	LogSweepInterval       time.Duration
	EventLogLookback       time.Duration

	// DisableSweeps turns the in-process reconciliation loops off. Set it when
	// a standalone sweeper owns the store, so only one process retries rails.
	DisableSweeps bool

	// Providers back the two payment rails. Either may be nil, in which case
	// the corresponding rail is not wired and funding requests name it fail.
	InvoiceProvider rail.InvoiceProvider
	SwapProvider    rail.SwapProvider
}

const (
	defaultEscrowPort          = 8090
	defaultEscrowHTTPPort      = 8091
	defaultEscrowDB            = "data/escrow.db"
	defaultDeadlineSweepEvery  = time.Hour
	defaultStuckHoldSweepEvery = time.Minute
	defaultLogSweepEvery       = 24 * time.Hour
	defaultLogLookback         = 48 * time.Hour
	defaultNonceCacheSize      = 4096
	defaultDisputeDefaults     = 50
)

// Run starts the escrow engine and blocks until ctx is cancelled or a
// component fails.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultEscrowPort
	}
	if cfg.HTTPPort <= 0 {
		cfg.HTTPPort = defaultEscrowHTTPPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultEscrowDB
	}
	if strings.TrimSpace(cfg.RelayURL) == "" {
		return fmt.Errorf("relay url is required")
	}
	if len(cfg.LogSigningKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("log signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	if len(cfg.Roster) == 0 {
		return fmt.Errorf("arbitrator roster is required")
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

	locks := keyedmutex.New()

	rails := make(map[domain.RailKind]rail.Rail)
	var holdRail *rail.HoldInvoice
	var swapRail *rail.ChainSwap
	if cfg.InvoiceProvider != nil {
		holdRail = rail.NewHoldInvoice(cfg.InvoiceProvider, cfg.HoldExpiry)
		rails[domain.RailHoldInvoice] = holdRail
	}
	if cfg.SwapProvider != nil {
		swapRail = rail.NewChainSwap(cfg.SwapProvider, cfg.HoldExpiry, cfg.SwapConfirmations)
		rails[domain.RailChainSwap] = swapRail
	}
	if len(rails) == 0 {
		return fmt.Errorf("at least one payment rail provider is required")
	}

	ldgr := ledger.New(store, locks, cfg.ToleranceBps)
	settler := settlement.New(store, rails, locks)
	disputes := dispute.New(store, settler, cfg.Roster, locks, nil)
	nonces := auth.NewNonceCache(defaultNonceCacheSize, cfg.Grants.Now)
	ctrl := controller.New(store, rails, settler, disputes, locks, cfg.Grants, nonces, controller.Config{
		MaxReward:  cfg.MaxReward,
		HoldExpiry: cfg.HoldExpiry,
	})

	signer, err := eventlog.NewSigner(cfg.LogSigningKey)
	if err != nil {
		return fmt.Errorf("build log signer: %w", err)
	}
	relay, err := eventlog.NewHTTPRelay(cfg.RelayURL)
	if err != nil {
		return fmt.Errorf("build log relay: %w", err)
	}
	publisher := eventlog.NewPublisher(store, signer, relay, cfg.PublishInterval)
	reconciler := reconcile.New(store, rails, ldgr, settler, relay, locks)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on escrow port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("escrow.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: NewAPI(ctrl).Handler(),
	}

	log.Printf("escrow engine listening at %v api=:%d", listener.Addr(), cfg.HTTPPort)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		httpErr := apiServer.ListenAndServe()
		if errors.Is(httpErr, http.ErrServerClosed) {
			return nil
		}
		return httpErr
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	if holdRail != nil {
		group.Go(func() error {
			return holdRail.Run(groupCtx, ldgr)
		})
	}
	if swapRail != nil {
		group.Go(func() error {
			return swapRail.Run(groupCtx, ldgr)
		})
	}
	group.Go(func() error {
		return publisher.Run(groupCtx)
	})
	if !cfg.DisableSweeps {
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
	}
	group.Go(func() error {
		reconcile.Loop(groupCtx, cfg.StuckHoldSweepInterval, "dispute_defaults", func(ctx context.Context, now time.Time) error {
			applied, err := disputes.ApplyDefaults(ctx, now, defaultDisputeDefaults)
			if applied > 0 {
				log.Printf("event=dispute_defaults_applied count=%d", applied)
			}
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
