// Package config holds the server's TOML-backed tunables.
//
// Grounded on beelog's config.go: a plain struct of tunables
// (LogConfig), a DefaultLogConfig() constructor, and a
// ValidateConfig() pass run once at startup, decoded from TOML via
// github.com/BurntSushi/toml (the teacher's own dependency) exactly as
// beelog's own tooling does for its log-compaction settings.
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable named in §6's expansion. All fields are
// optional in the TOML source; an absent field keeps its Default()
// value, via decoding onto an already-defaulted struct. MaxArgs is
// decoded and validated but not applied: request parsing always
// enforces the fixed wire.MaxArgs.
type Config struct {
	Port               int    `toml:"port"`
	MaxMsg             int    `toml:"max_msg"`
	MaxArgs            int    `toml:"max_args"`
	IdleTimeoutMS      int64  `toml:"idle_timeout_ms"`
	LoadFactorMax      uint32 `toml:"load_factor_max"`
	RehashWork         int    `toml:"rehash_work"`
	Workers            int    `toml:"workers"`
	LargeZSetThreshold int    `toml:"large_zset_threshold"`
	ExpirePerTick      int    `toml:"expire_per_tick"`
}

// Default returns the documented defaults: port 1234, MAX_MSG 4096,
// MAX_ARGS 1024, IDLE_TIMEOUT 5s, LOAD_FACTOR_MAX 8, K_REHASH_WORK 128,
// 4 workers, large-ZSET offload threshold 10000, 2000 expirations per
// maintenance tick.
func Default() Config {
	return Config{
		Port:               1234,
		MaxMsg:             4096,
		MaxArgs:            1024,
		IdleTimeoutMS:      5000,
		LoadFactorMax:      8,
		RehashWork:         128,
		Workers:            4,
		LargeZSetThreshold: 10000,
		ExpirePerTick:      2000,
	}
}

// Load decodes the TOML file at path onto Default(), so any field the
// file omits keeps its default value. An empty path returns Default()
// unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that would make the server
// meaningless or unsafe to run, mirroring beelog's ValidateConfig.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("config: port out of range")
	}
	if c.MaxMsg <= 0 {
		return errors.New("config: max_msg must be positive")
	}
	if c.MaxArgs <= 0 {
		return errors.New("config: max_args must be positive")
	}
	if c.IdleTimeoutMS <= 0 {
		return errors.New("config: idle_timeout_ms must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.ExpirePerTick < 0 {
		return errors.New("config: expire_per_tick must not be negative")
	}
	return nil
}
