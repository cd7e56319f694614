package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tutu-network/taskvault/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.Expiry.Schedule == "" {
		t.Error("Expiry.Schedule is empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	rules, err := cfg.TreasuryRules()
	if err != nil {
		t.Fatalf("TreasuryRules: %v", err)
	}
	if rules.RuleCooldown != time.Minute {
		t.Errorf("RuleCooldown = %s, want 1m", rules.RuleCooldown)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
[api]
port = 9000

[treasury]
max_spend_per_task = 50
max_spend_per_day = 500
min_task_value = 5
rule_cooldown = "2h"
initial_deposit = 1000

[roles]
coord = ["coordinator"]
boss = ["owner", "admin"]

[auth.keys]
k1 = "coord"

[expiry]
schedule = "@every 5s"

[events]
high_value_threshold = 40

[events.redis]
addr = "localhost:6379"
channel = "vault"
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want default kept", cfg.API.Host)
	}
	rules, _ := cfg.TreasuryRules()
	if rules.MaxSpendPerTask != 50 || rules.RuleCooldown != 2*time.Hour {
		t.Errorf("rules = %+v", rules)
	}
	if cfg.Treasury.InitialDeposit != 1000 {
		t.Errorf("InitialDeposit = %d, want 1000", cfg.Treasury.InitialDeposit)
	}
	if cfg.Events.Redis.Addr != "localhost:6379" || cfg.Events.Redis.Recent != 100 {
		t.Errorf("Redis = %+v", cfg.Events.Redis)
	}

	table, err := cfg.RoleTable()
	if err != nil {
		t.Fatalf("RoleTable: %v", err)
	}
	if !table.AuthorizedFor("coord", domain.ActionPropose) {
		t.Error("coord should be allowed to propose")
	}
	if !table.AuthorizedFor("boss", domain.ActionTreasuryAdmin) {
		t.Error("boss should be treasury admin")
	}
	if got := cfg.APIKeys()["k1"]; got != "coord" {
		t.Errorf("APIKeys[k1] = %q, want coord", got)
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("API.Port = %d, want default", cfg.API.Port)
	}
}

func TestLoadConfigFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", "[api\nport = 1", "parse config"},
		{"unknown role", "[roles]\nx = [\"king\"]", "unknown role"},
		{"bad cooldown", "[treasury]\nrule_cooldown = \"soon\"", "rule_cooldown"},
		{"min above max", "[treasury]\nmax_spend_per_task = 5\nmin_task_value = 10", "treasury"},
		{"negative deposit", "[treasury]\ninitial_deposit = -1", "initial_deposit"},
		{"bad interval", "[node]\nmaintenance_interval = \"0s\"", "maintenance_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFile(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	t.Setenv("TASKVAULT_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.API.Port = 12345
	cfg.Roles = map[string][]string{"coord": {"coordinator"}}
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.API.Port != 12345 {
		t.Errorf("API.Port = %d, want 12345", got.API.Port)
	}
	if len(got.Roles["coord"]) != 1 {
		t.Errorf("Roles = %v", got.Roles)
	}
}

func TestHome(t *testing.T) {
	t.Setenv("TASKVAULT_HOME", "/tmp/vault-home")
	if got := Home(); got != "/tmp/vault-home" {
		t.Errorf("Home() = %q, want /tmp/vault-home", got)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", time.Second},
		{"5m", 5 * time.Minute},
		{"junk", time.Second},
	}
	for _, tt := range tests {
		if got := parseDuration(tt.in, time.Second); got != tt.want {
			t.Errorf("parseDuration(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
