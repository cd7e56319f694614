package cli

import (
	"github.com/tutu-network/taskvault/internal/daemon"
	"github.com/tutu-network/taskvault/internal/infra/sqlite"
)

// openStore opens the configured data directory's database.
func openStore() (*sqlite.DB, daemon.Config, error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return nil, cfg, err
	}
	dir := cfg.Node.DataDir
	if dir == "" {
		dir = daemon.Home()
	}
	db, err := sqlite.Open(dir)
	if err != nil {
		return nil, cfg, err
	}
	cfg.Node.DataDir = dir
	return db, cfg, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
