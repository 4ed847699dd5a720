// Package escrow parses escrow command flags and launches the escrow engine.
package escrow

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/eltris/escrowd/internal/platform/cmd"
	"github.com/eltris/escrowd/internal/services/escrow/app"
	"github.com/eltris/escrowd/internal/services/escrow/auth"
	"github.com/eltris/escrowd/internal/services/escrow/rail"
)

// Config holds escrow command configuration.
type Config struct {
	Port       int    `env:"ELTRIS_ESCROW_PORT" envDefault:"8090"`
	HTTPPort   int    `env:"ELTRIS_ESCROW_HTTP_PORT" envDefault:"8091"`
	DBPath     string `env:"ELTRIS_ESCROW_DB_PATH" envDefault:"data/escrow.db"`
	RelayURL   string `env:"ELTRIS_ESCROW_RELAY_URL"`
	SigningKey string `env:"ELTRIS_ESCROW_LOG_SIGNING_KEY"`
	Roster     string `env:"ELTRIS_ESCROW_ARBITRATORS"`

	RailURL          string        `env:"ELTRIS_ESCROW_RAIL_URL"`
	RailPollInterval time.Duration `env:"ELTRIS_ESCROW_RAIL_POLL_INTERVAL" envDefault:"2s"`

	MaxReward         int64         `env:"ELTRIS_ESCROW_MAX_REWARD" envDefault:"100000000"`
	HoldExpiry        time.Duration `env:"ELTRIS_ESCROW_HOLD_EXPIRY" envDefault:"24h"`
	ToleranceBps      int64         `env:"ELTRIS_ESCROW_TOLERANCE_BPS" envDefault:"100"`
	SwapConfirmations int           `env:"ELTRIS_ESCROW_SWAP_CONFIRMATIONS" envDefault:"1"`

	PublishInterval        time.Duration `env:"ELTRIS_ESCROW_PUBLISH_INTERVAL" envDefault:"5s"`
	DeadlineSweepInterval  time.Duration `env:"ELTRIS_ESCROW_DEADLINE_SWEEP_INTERVAL" envDefault:"1h"`
	StuckHoldSweepInterval time.Duration `env:"ELTRIS_ESCROW_STUCK_HOLD_SWEEP_INTERVAL" envDefault:"1m"`
	LogSweepInterval       time.Duration `env:"ELTRIS_ESCROW_LOG_SWEEP_INTERVAL" envDefault:"24h"`
	EventLogLookback       time.Duration `env:"ELTRIS_ESCROW_LOG_LOOKBACK" envDefault:"48h"`
	DisableSweeps          bool          `env:"ELTRIS_ESCROW_DISABLE_SWEEPS" envDefault:"false"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The escrow health gRPC server port")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "The escrow task API port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The escrow SQLite database path")
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "The public event log relay base URL")
	fs.StringVar(&cfg.RailURL, "rail-url", cfg.RailURL, "The payment rail daemon base URL")
	fs.StringVar(&cfg.Roster, "arbitrators", cfg.Roster, "Comma-separated arbitrator roster")
	fs.DurationVar(&cfg.HoldExpiry, "hold-expiry", cfg.HoldExpiry, "Funding instrument expiry window")
	fs.DurationVar(&cfg.DeadlineSweepInterval, "deadline-sweep-interval", cfg.DeadlineSweepInterval, "Deadline sweep cadence")
	fs.DurationVar(&cfg.StuckHoldSweepInterval, "stuck-hold-sweep-interval", cfg.StuckHoldSweepInterval, "Stuck hold sweep cadence")
	fs.DurationVar(&cfg.LogSweepInterval, "log-sweep-interval", cfg.LogSweepInterval, "Event log diff cadence")
	fs.BoolVar(&cfg.DisableSweeps, "disable-sweeps", cfg.DisableSweeps, "Leave reconciliation sweeps to a standalone sweeper")
	fs.DurationVar(&cfg.PublishInterval, "publish-interval", cfg.PublishInterval, "Event log publish cadence")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the escrow engine.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEscrow, func(context.Context) error {
		grants, err := auth.LoadConfigFromEnv(nil)
		if err != nil {
			return err
		}
		signingKey, err := decodeSigningKey(cfg.SigningKey)
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.RailURL) == "" {
			return fmt.Errorf("ELTRIS_ESCROW_RAIL_URL is required")
		}
		provider, err := rail.NewHTTPProvider(cfg.RailURL, cfg.RailPollInterval)
		if err != nil {
			return err
		}
		return app.Run(ctx, app.RuntimeConfig{
			Port:                   cfg.Port,
			HTTPPort:               cfg.HTTPPort,
			DBPath:                 cfg.DBPath,
			RelayURL:               cfg.RelayURL,
			LogSigningKey:          signingKey,
			Grants:                 grants,
			Roster:                 splitRoster(cfg.Roster),
			MaxReward:              cfg.MaxReward,
			HoldExpiry:             cfg.HoldExpiry,
			ToleranceBps:           cfg.ToleranceBps,
			SwapConfirmations:      cfg.SwapConfirmations,
			PublishInterval:        cfg.PublishInterval,
			DeadlineSweepInterval:  cfg.DeadlineSweepInterval,
			StuckHoldSweepInterval: cfg.StuckHoldSweepInterval,
			LogSweepInterval:       cfg.LogSweepInterval,
			EventLogLookback:       cfg.EventLogLookback,
			DisableSweeps:          cfg.DisableSweeps,
			InvoiceProvider:        provider,
			SwapProvider:           provider,
		})
	})
}

func decodeSigningKey(value string) (ed25519.PrivateKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("ELTRIS_ESCROW_LOG_SIGNING_KEY is required")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(value)
	}
	if err != nil {
		return nil, fmt.Errorf("decode log signing key: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("log signing key must be %d bytes", ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(decoded), nil
}

func splitRoster(raw string) []string {
	var roster []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			roster = append(roster, entry)
		}
	}
	return roster
}
