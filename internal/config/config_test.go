package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Vault.Secret = "test-secret"
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "bogus"
	cfg.Vault.BundleSize = 1
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, want := range []string{"unknown mode", "bundle_size", "redis: addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidateEVMBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Backend = "evm"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an evm backend without credentials")
	}
	if !strings.Contains(err.Error(), "rpc_url") {
		t.Errorf("error %q missing rpc_url", err)
	}

	cfg.Ledger.RPCURL = "http://localhost:8545"
	cfg.Ledger.EngineAddress = "0x1"
	cfg.Ledger.PrivateKeyHex = "ab"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHAYD_MODE", "keeper")
	t.Setenv("SHAYD_VAULT_BUNDLE_SIZE", "4")
	t.Setenv("SHAYD_KEEPER_CHECK_INTERVAL", "30s")
	t.Setenv("SHAYD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SHAYD_S3_ENABLED", "true")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Mode != "keeper" {
		t.Errorf("Mode = %q, want keeper", cfg.Mode)
	}
	if cfg.Vault.BundleSize != 4 {
		t.Errorf("BundleSize = %d, want 4", cfg.Vault.BundleSize)
	}
	if cfg.Keeper.CheckInterval.Duration != 30*time.Second {
		t.Errorf("CheckInterval = %v, want 30s", cfg.Keeper.CheckInterval.Duration)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if !cfg.S3.Enabled {
		t.Error("S3.Enabled not overridden")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "key"

	red := RedactedConfig(&cfg)
	if red.Vault.Secret != "***" || red.Postgres.Password != "***" || red.Server.APIKey != "***" {
		t.Errorf("secrets not redacted: %+v", red)
	}
	if cfg.Vault.Secret != "test-secret" {
		t.Error("original config mutated")
	}
}
