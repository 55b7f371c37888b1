package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/examlink/sebconn/config"
	"github.com/examlink/sebconn/db"
)

// TestConfig is the subset of config-test.toml used by integration tests.
type TestConfig struct {
	Database config.DatabaseConfig `toml:"database"`
}

// TestDatabase wraps a migrated PostgreSQL store.
type TestDatabase struct {
	*db.Database
	Config *TestConfig
}

// SetupTestDatabase connects to the PostgreSQL database named in
// config-test.toml and applies migrations. The test is skipped in short mode
// or when no config-test.toml exists.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	autoMigrate := true
	cfg.Database.AutoMigrate = &autoMigrate
	database, err := db.NewDatabaseFromConfig(context.Background(), &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running")

	td := &TestDatabase{Database: database, Config: &cfg}
	td.TruncateAllTables(t)
	t.Cleanup(func() { td.Database.Close() })
	return td
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// TruncateAllTables cleans all data from test database tables
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	tables := []string{
		"client_events",
		"client_connections",
		"indicator_definitions",
		"client_registrations",
		"exams",
	}

	for _, table := range tables {
		_, err := td.Database.WritePool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table))
		require.NoError(t, err)
	}
}
