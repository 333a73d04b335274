// Package config loads the bootstrap configuration of a controller from the
// environment and region profiles from YAML files. Everything past bootstrap
// (policies, peers, devices) lives in the NIB and arrives over the fabric.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pdsno/pdsno/pkg/model"
)

// Config holds the environment-derived bootstrap settings of one controller
// process.
type Config struct {
	ControllerID string
	Role         model.Role
	Region       string
	// NIBDSN selects the store backend: a file path opens embedded SQLite, a
	// postgres:// URL opens Postgres.
	NIBDSN string
	// RedisAddr, when set, enables the Redis pub/sub fabric and the shared
	// nonce store.
	RedisAddr     string
	RedisPassword string
	ListenAddr    string
	// ParentID and ParentURL name the admitting tier for regional and local
	// controllers.
	ParentID  string
	ParentURL string
	// BootstrapSecretFile points at the pre-shared admission secret; the
	// secret itself never travels through the environment.
	BootstrapSecretFile string
	MasterSecretFile    string
	IdentitySeedFile    string
	ProfileDir          string
	ArchiveDir          string
	LogLevel            string
	OTLPEndpoint        string
	HeartbeatInterval   time.Duration
	DiscoveryInterval   time.Duration
}

// Load reads the configuration from PDSNO_* environment variables, applying
// the defaults a single-node development run needs.
func Load() (*Config, error) {
	cfg := &Config{
		ControllerID:        envOr("PDSNO_CONTROLLER_ID", ""),
		Role:                model.Role(envOr("PDSNO_ROLE", string(model.RoleLocal))),
		Region:              os.Getenv("PDSNO_REGION"),
		NIBDSN:              envOr("PDSNO_NIB_DSN", "pdsno.db"),
		RedisAddr:           os.Getenv("PDSNO_REDIS_ADDR"),
		RedisPassword:       os.Getenv("PDSNO_REDIS_PASSWORD"),
		ListenAddr:          envOr("PDSNO_LISTEN_ADDR", ":7420"),
		ParentID:            os.Getenv("PDSNO_PARENT_ID"),
		ParentURL:           os.Getenv("PDSNO_PARENT_URL"),
		BootstrapSecretFile: envOr("PDSNO_BOOTSTRAP_SECRET_FILE", "bootstrap.secret"),
		MasterSecretFile:    envOr("PDSNO_MASTER_SECRET_FILE", "master.secret"),
		IdentitySeedFile:    envOr("PDSNO_IDENTITY_SEED_FILE", "identity.seed"),
		ProfileDir:          envOr("PDSNO_PROFILE_DIR", "profiles"),
		ArchiveDir:          envOr("PDSNO_ARCHIVE_DIR", "archive"),
		LogLevel:            envOr("PDSNO_LOG_LEVEL", "INFO"),
		OTLPEndpoint:        os.Getenv("PDSNO_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.HeartbeatInterval, err = envDuration("PDSNO_HEARTBEAT_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DiscoveryInterval, err = envDuration("PDSNO_DISCOVERY_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("PDSNO_ROLE %q is not one of global, regional, local", cfg.Role)
	}
	if cfg.Role != model.RoleGlobal && cfg.Region == "" {
		return nil, fmt.Errorf("PDSNO_REGION is required for %s controllers", cfg.Role)
	}
	if cfg.Role != model.RoleGlobal && cfg.ParentID == "" {
		return nil, fmt.Errorf("PDSNO_PARENT_ID is required for %s controllers", cfg.Role)
	}
	return cfg, nil
}

// ReadSecret loads a shared secret file, trimming a trailing newline.
func ReadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", path, err)
	}
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	return data, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
