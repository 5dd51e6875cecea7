package config

import (
	"strings"
	"testing"
	"time"
)

func validRunConfig() Config {
	cfg := Defaults()
	cfg.Session.PrivateKey = "0xabc123"
	cfg.Permission.Context = "0xdeadbeef"
	cfg.Permission.Enforcer = "0x00000000000000000000000000000000000000bb"
	cfg.Permission.AllowanceMicro = 100_000_000
	cfg.Chain.RPCURL = "https://rpc.example.org"
	cfg.Chain.MarketContract = "0x00000000000000000000000000000000000000aa"
	cfg.Feed.BaseURL = "https://feed.example.org"
	return cfg
}

func TestValidateAcceptsCompleteRunConfig(t *testing.T) {
	cfg := validRunConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.LogLevel = "loud"
	cfg.Chain.ChainID = 0
	cfg.Postgres.PoolMaxConns = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"unknown mode", "unknown log_level", "chain_id", "pool_max_conns"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateRunModeRequiresCredentials(t *testing.T) {
	cfg := validRunConfig()
	cfg.Session.PrivateKey = ""
	cfg.Permission.Context = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(err.Error(), "session:") || !strings.Contains(err.Error(), "permission:") {
		t.Fatalf("error should name session and permission problems:\n%v", err)
	}

	// Watch mode dispatches nothing, so the same config passes.
	cfg.Mode = "watch"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("watch mode Validate() = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAKEPILOT_SESSION_PRIVATE_KEY", "0xfeed")
	t.Setenv("STAKEPILOT_ENGINE_TICK_INTERVAL", "30s")
	t.Setenv("STAKEPILOT_SERVER_ENABLED", "false")
	t.Setenv("STAKEPILOT_NOTIFY_EVENTS", "execution_placed, engine_halted")
	t.Setenv("STAKEPILOT_PERMISSION_ALLOWANCE_MICRO", "250000000")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Session.PrivateKey != "0xfeed" {
		t.Errorf("private key override not applied")
	}
	if cfg.Engine.TickInterval.Duration != 30*time.Second {
		t.Errorf("tick interval = %s, want 30s", cfg.Engine.TickInterval.Duration)
	}
	if cfg.Server.Enabled {
		t.Errorf("server enabled override not applied")
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[1] != "engine_halted" {
		t.Errorf("events = %v", cfg.Notify.Events)
	}
	if cfg.Permission.AllowanceMicro != 250_000_000 {
		t.Errorf("allowance = %d", cfg.Permission.AllowanceMicro)
	}
}
