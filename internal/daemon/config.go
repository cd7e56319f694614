// Package daemon manages the vault daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/taskvault/internal/app/treasury"
	"github.com/tutu-network/taskvault/internal/app/workers"
	"github.com/tutu-network/taskvault/internal/domain"
	"github.com/tutu-network/taskvault/internal/infra/events"
	"github.com/tutu-network/taskvault/internal/infra/sweeper"
	"github.com/tutu-network/taskvault/internal/logging"
)

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig          `toml:"node"`
	API       APIConfig           `toml:"api"`
	Treasury  TreasuryConfig      `toml:"treasury"`
	Workers   WorkersConfig       `toml:"workers"`
	Roles     map[string][]string `toml:"roles"` // principal -> roles
	Auth      AuthConfig          `toml:"auth"`
	Expiry    sweeper.Config      `toml:"expiry"`
	Events    EventsConfig        `toml:"events"`
	Logging   logging.Config      `toml:"logging"`
	Telemetry TelemetryConfig     `toml:"telemetry"`
}

// NodeConfig identifies this node and where it keeps state.
type NodeConfig struct {
	ID                  string `toml:"id"` // derived from the node key when empty
	DataDir             string `toml:"data_dir"`
	MaintenanceInterval string `toml:"maintenance_interval"` // retry flush period
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// TreasuryConfig seeds the treasury rules. InitialDeposit is credited only
// when no saved state exists.
type TreasuryConfig struct {
	MaxSpendPerTask int64  `toml:"max_spend_per_task"`
	MaxSpendPerDay  int64  `toml:"max_spend_per_day"`
	MinTaskValue    int64  `toml:"min_task_value"`
	RuleCooldown    string `toml:"rule_cooldown"`
	InitialDeposit  int64  `toml:"initial_deposit"`
}

// WorkersConfig controls reliability bookkeeping.
type WorkersConfig struct {
	SuccessStep  int `toml:"success_step"`
	FailureStep  int `toml:"failure_step"`
	SuspendFloor int `toml:"suspend_floor"`
}

// AuthConfig maps API keys to principals.
type AuthConfig struct {
	Keys map[string]string `toml:"keys"`
}

// EventsConfig controls the event bus. Redis publishing is off while
// Redis.Addr is empty.
type EventsConfig struct {
	HighValueThreshold int64              `toml:"high_value_threshold"`
	Redis              events.RedisConfig `toml:"redis"`
}

// TelemetryConfig controls metrics and health reporting.
type TelemetryConfig struct {
	Prometheus     bool   `toml:"prometheus"`
	HealthInterval string `toml:"health_interval"`
}

// DefaultConfig returns a working single-node configuration.
func DefaultConfig() Config {
	tr := treasury.DefaultConfig().Rules
	wk := workers.DefaultConfig()
	return Config{
		Node: NodeConfig{
			DataDir:             Home(),
			MaintenanceInterval: "10s",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 11500,
		},
		Treasury: TreasuryConfig{
			MaxSpendPerTask: tr.MaxSpendPerTask,
			MaxSpendPerDay:  tr.MaxSpendPerDay,
			MinTaskValue:    tr.MinTaskValue,
			RuleCooldown:    tr.RuleCooldown.String(),
		},
		Workers: WorkersConfig{
			SuccessStep:  wk.SuccessStep,
			FailureStep:  wk.FailureStep,
			SuspendFloor: wk.SuspendFloor,
		},
		Roles:  map[string][]string{},
		Auth:   AuthConfig{Keys: map[string]string{}},
		Expiry: sweeper.DefaultConfig(),
		Events: EventsConfig{
			HighValueThreshold: tr.MaxSpendPerTask,
			Redis:              events.DefaultRedisConfig(),
		},
		Logging: logging.DefaultConfig(),
		Telemetry: TelemetryConfig{
			Prometheus:     true,
			HealthInterval: "60s",
		},
	}
}

// LoadConfig reads $TASKVAULT_HOME/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(Home(), "config.toml"))
}

// LoadConfigFile reads path over the defaults. A missing file is not an
// error.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to $TASKVAULT_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(Home(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects configurations the daemon could not start with.
func (c Config) Validate() error {
	if _, err := c.TreasuryRules(); err != nil {
		return err
	}
	if c.Treasury.InitialDeposit < 0 {
		return fmt.Errorf("treasury.initial_deposit must not be negative")
	}
	if _, err := c.RoleTable(); err != nil {
		return err
	}
	for key, p := range c.Auth.Keys {
		if key == "" || p == "" {
			return fmt.Errorf("auth.keys: empty key or principal")
		}
	}
	for name, s := range map[string]string{
		"node.maintenance_interval": c.Node.MaintenanceInterval,
		"telemetry.health_interval": c.Telemetry.HealthInterval,
	} {
		if s == "" {
			continue
		}
		if d, err := time.ParseDuration(s); err != nil || d <= 0 {
			return fmt.Errorf("%s: invalid duration %q", name, s)
		}
	}
	return nil
}

// TreasuryRules converts the [treasury] section.
func (c Config) TreasuryRules() (domain.TreasuryRules, error) {
	r := domain.TreasuryRules{
		MaxSpendPerTask: c.Treasury.MaxSpendPerTask,
		MaxSpendPerDay:  c.Treasury.MaxSpendPerDay,
		MinTaskValue:    c.Treasury.MinTaskValue,
	}
	if c.Treasury.RuleCooldown != "" {
		d, err := time.ParseDuration(c.Treasury.RuleCooldown)
		if err != nil {
			return r, fmt.Errorf("treasury.rule_cooldown: %w", err)
		}
		r.RuleCooldown = d
	}
	if err := treasury.ValidateRules(r); err != nil {
		return r, fmt.Errorf("treasury: %w", err)
	}
	return r, nil
}

// RoleTable converts the [roles] section.
func (c Config) RoleTable() (*domain.RoleTable, error) {
	assign := make(map[domain.Principal][]domain.Role, len(c.Roles))
	for p, roles := range c.Roles {
		for _, name := range roles {
			r := domain.Role(name)
			if !r.Valid() {
				return nil, fmt.Errorf("roles.%s: unknown role %q", p, name)
			}
			assign[domain.Principal(p)] = append(assign[domain.Principal(p)], r)
		}
	}
	return domain.NewRoleTable(assign), nil
}

// APIKeys converts the [auth] section.
func (c Config) APIKeys() map[string]domain.Principal {
	keys := make(map[string]domain.Principal, len(c.Auth.Keys))
	for k, p := range c.Auth.Keys {
		keys[k] = domain.Principal(p)
	}
	return keys
}

// Addr is the API listen address.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port) }

// Home returns the vault data directory.
func Home() string {
	if env := os.Getenv("TASKVAULT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".taskvault")
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
