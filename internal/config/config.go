// Package config loads the server configuration file. The format is JWCC
// (JSON with commas and comments) so operators can annotate their configs;
// sizes accept human-readable units ("64MB").
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/tailscale/hujson"
)

// Config errors.
var (
	ErrConfigRead    = errors.New("cannot read config file")
	ErrConfigInvalid = errors.New("invalid config file")
)

// DBConf configures one logical database slot.
type DBConf struct {
	Type        string            `json:"type"`
	Persistent  bool              `json:"persistent"`
	MemoryLimit datasize.ByteSize `json:"memory_limit,omitempty"`
}

// Config holds all server configuration options.
type Config struct {
	Address      string            `json:"address"`
	Port         int               `json:"port"`
	DataDir      string            `json:"data_dir"`
	Daemonize    bool              `json:"daemonize,omitempty"`
	PidFile      string            `json:"pid_file,omitempty"`
	NumWorkers   int               `json:"num_workers"`
	Auth         bool              `json:"auth,omitempty"`
	PassDigest   string            `json:"pass_digest,omitempty"`
	MetricsAddr  string            `json:"metrics_addr,omitempty"`
	WALThreshold datasize.ByteSize `json:"wal_threshold,omitempty"`
	DBs          []DBConf          `json:"dbs"`
}

// Default returns the default configuration: one in-memory hash database on
// the loopback interface.
func Default() Config {
	return Config{
		Address:      "127.0.0.1",
		Port:         7000,
		DataDir:      ".",
		NumWorkers:   4,
		WALThreshold: 50 * datasize.MB,
		DBs:          []DBConf{{Type: "hash"}},
	}
}

// Load reads and validates path, layering the file over the defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigRead, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	cfg := Default()

	err = json.Unmarshal(std, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	err = Validate(cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func Validate(cfg Config) error {
	if cfg.Address == "" {
		return fmt.Errorf("%w: address cannot be empty", ErrConfigInvalid)
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfigInvalid, cfg.Port)
	}

	if cfg.NumWorkers < 1 {
		return fmt.Errorf("%w: num_workers must be at least 1", ErrConfigInvalid)
	}

	if cfg.Auth {
		if len(cfg.PassDigest) != 32 {
			return fmt.Errorf("%w: pass_digest must be 32 hex chars", ErrConfigInvalid)
		}

		_, err := hex.DecodeString(cfg.PassDigest)
		if err != nil {
			return fmt.Errorf("%w: pass_digest is not hex: %w", ErrConfigInvalid, err)
		}
	}

	if len(cfg.DBs) == 0 {
		return fmt.Errorf("%w: at least one database must be configured", ErrConfigInvalid)
	}

	for i, dbc := range cfg.DBs {
		switch dbc.Type {
		case "hash", "order", "page":
		default:
			return fmt.Errorf("%w: db %d has unknown type %q", ErrConfigInvalid, i, dbc.Type)
		}
	}

	return nil
}
