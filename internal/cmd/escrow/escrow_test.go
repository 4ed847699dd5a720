package escrow

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("escrow", flag.ContinueOnError)
	t.Setenv("ELTRIS_ESCROW_PORT", "9090")
	t.Setenv("ELTRIS_ESCROW_RELAY_URL", "https://log.example.com")

	cfg, err := ParseConfig(fs, []string{"-rail-url", "http://rail:9735", "-stuck-hold-sweep-interval", "30s"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Port)
	}
	if cfg.RelayURL != "https://log.example.com" {
		t.Fatalf("relay url = %q, want %q", cfg.RelayURL, "https://log.example.com")
	}
	if cfg.RailURL != "http://rail:9735" {
		t.Fatalf("rail url = %q, want %q", cfg.RailURL, "http://rail:9735")
	}
	if cfg.StuckHoldSweepInterval != 30*time.Second {
		t.Fatalf("stuck hold sweep interval = %v, want 30s", cfg.StuckHoldSweepInterval)
	}
	if cfg.DeadlineSweepInterval != time.Hour {
		t.Fatalf("deadline sweep interval = %v, want 1h", cfg.DeadlineSweepInterval)
	}
	if cfg.LogSweepInterval != 24*time.Hour {
		t.Fatalf("log sweep interval = %v, want 24h", cfg.LogSweepInterval)
	}
	if cfg.DisableSweeps {
		t.Fatal("disable sweeps = true, want false by default")
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("escrow", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8090 {
		t.Fatalf("port = %d, want 8090", cfg.Port)
	}
	if cfg.HTTPPort != 8091 {
		t.Fatalf("http port = %d, want 8091", cfg.HTTPPort)
	}
	if cfg.HoldExpiry != 24*time.Hour {
		t.Fatalf("hold expiry = %v, want 24h", cfg.HoldExpiry)
	}
	if cfg.DBPath != "data/escrow.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "data/escrow.db")
	}
}

func TestDecodeSigningKeyRejectsShortKeys(t *testing.T) {
	if _, err := decodeSigningKey("c2hvcnQ"); err == nil {
		t.Fatal("decodeSigningKey() error = nil, want length error")
	}
}

func TestSplitRoster(t *testing.T) {
	roster := splitRoster(" arb-1, arb-2 ,,arb-3")
	want := []string{"arb-1", "arb-2", "arb-3"}
	if len(roster) != len(want) {
		t.Fatalf("roster = %v, want %v", roster, want)
	}
	for i := range want {
		if roster[i] != want[i] {
			t.Fatalf("roster[%d] = %q, want %q", i, roster[i], want[i])
		}
	}
}
