package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServiceName != "hypha-orchestrator" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
	if cfg.HTTPPort != 8090 {
		t.Fatalf("http port = %d", cfg.HTTPPort)
	}
	if cfg.ConfirmTimeout != 2*time.Minute {
		t.Fatalf("confirm timeout = %v", cfg.ConfirmTimeout)
	}
	if cfg.ResolveMaxAttempts != 3 {
		t.Fatalf("resolve attempts = %d", cfg.ResolveMaxAttempts)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("CONFIRM_TIMEOUT", "45s")
	t.Setenv("SPACE_FACTORY_ADDR", "0xfactory")

	cfg := Load()
	if cfg.HTTPPort != 9999 {
		t.Fatalf("http port = %d", cfg.HTTPPort)
	}
	if cfg.ConfirmTimeout != 45*time.Second {
		t.Fatalf("confirm timeout = %v", cfg.ConfirmTimeout)
	}
	if cfg.SpaceFactoryAddr != "0xfactory" {
		t.Fatalf("space factory = %q", cfg.SpaceFactoryAddr)
	}
}

func TestValidateRequiresContracts(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty contract addresses must fail validation")
	}

	cfg.SpaceFactoryAddr = "0xa"
	cfg.ProposalsAddr = "0xb"
	cfg.TokenFactoryAddr = "0xc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg.LedgerWSURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing ledger url must fail validation")
	}
}

func TestDSN(t *testing.T) {
	cfg := Load()
	dsn := cfg.DSN()
	for _, part := range []string{"host=localhost", "port=5432", "dbname=hypha", "sslmode=disable"} {
		if !strings.Contains(dsn, part) {
			t.Fatalf("dsn %q missing %q", dsn, part)
		}
	}
}
