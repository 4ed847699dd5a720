// Package sweeper parses sweeper command flags and launches the
// reconciliation process.
package sweeper

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/eltris/escrowd/internal/platform/cmd"
	"github.com/eltris/escrowd/internal/services/escrow/app"
	"github.com/eltris/escrowd/internal/services/escrow/rail"
)

// Config holds sweeper command configuration.
type Config struct {
	Port     int    `env:"ELTRIS_SWEEPER_PORT" envDefault:"8092"`
	DBPath   string `env:"ELTRIS_SWEEPER_DB_PATH" envDefault:"data/escrow.db"`
	RelayURL string `env:"ELTRIS_SWEEPER_RELAY_URL"`

	RailURL          string        `env:"ELTRIS_SWEEPER_RAIL_URL"`
	RailPollInterval time.Duration `env:"ELTRIS_SWEEPER_RAIL_POLL_INTERVAL" envDefault:"2s"`

	ToleranceBps      int64         `env:"ELTRIS_SWEEPER_TOLERANCE_BPS" envDefault:"100"`
	HoldExpiry        time.Duration `env:"ELTRIS_SWEEPER_HOLD_EXPIRY" envDefault:"24h"`
	SwapConfirmations int           `env:"ELTRIS_SWEEPER_SWAP_CONFIRMATIONS" envDefault:"1"`

	DeadlineSweepInterval  time.Duration `env:"ELTRIS_SWEEPER_DEADLINE_SWEEP_INTERVAL" envDefault:"1h"`
	StuckHoldSweepInterval time.Duration `env:"ELTRIS_SWEEPER_STUCK_HOLD_SWEEP_INTERVAL" envDefault:"1m"`
	LogSweepInterval       time.Duration `env:"ELTRIS_SWEEPER_LOG_SWEEP_INTERVAL" envDefault:"24h"`
	EventLogLookback       time.Duration `env:"ELTRIS_SWEEPER_LOG_LOOKBACK" envDefault:"48h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The sweeper health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The escrow SQLite database path")
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "The public event log relay base URL")
	fs.StringVar(&cfg.RailURL, "rail-url", cfg.RailURL, "The payment rail daemon base URL")
	fs.DurationVar(&cfg.DeadlineSweepInterval, "deadline-sweep-interval", cfg.DeadlineSweepInterval, "Deadline sweep cadence")
	fs.DurationVar(&cfg.StuckHoldSweepInterval, "stuck-hold-sweep-interval", cfg.StuckHoldSweepInterval, "Stuck hold sweep cadence")
	fs.DurationVar(&cfg.LogSweepInterval, "log-sweep-interval", cfg.LogSweepInterval, "Event log diff cadence")
	fs.DurationVar(&cfg.EventLogLookback, "log-lookback", cfg.EventLogLookback, "Event log diff window")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sweeper runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSweeper, func(context.Context) error {
		if strings.TrimSpace(cfg.RailURL) == "" {
			return fmt.Errorf("ELTRIS_SWEEPER_RAIL_URL is required")
		}
		provider, err := rail.NewHTTPProvider(cfg.RailURL, cfg.RailPollInterval)
		if err != nil {
			return err
		}
		return app.RunSweeper(ctx, app.SweeperConfig{
			Port:                   cfg.Port,
			DBPath:                 cfg.DBPath,
			RelayURL:               cfg.RelayURL,
			ToleranceBps:           cfg.ToleranceBps,
			HoldExpiry:             cfg.HoldExpiry,
			SwapConfirmations:      cfg.SwapConfirmations,
			DeadlineSweepInterval:  cfg.DeadlineSweepInterval,
			StuckHoldSweepInterval: cfg.StuckHoldSweepInterval,
			LogSweepInterval:       cfg.LogSweepInterval,
			EventLogLookback:       cfg.EventLogLookback,
			InvoiceProvider:        provider,
			SwapProvider:           provider,
		})
	})
}
