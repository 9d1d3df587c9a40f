// Package config loads the server's TOML configuration file into the
// structure the core FTP engine and its driver need at startup.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"

	"github.com/naoina/toml"
)

// AuthBackend names the backend the configuration selects for checking a
// user/pass pair. internal/driver builds the local backend whatever its value.
type AuthBackend string

// Supported auth backends.
const (
	AuthBackendLocal AuthBackend = "local"
	AuthBackendPAM   AuthBackend = "pam"
)

// User describes one account: its credential (when using the local
// backend), its home directory relative to the server's data root, and
// whether mutating commands are rejected for it.
type User struct {
	Name               string `toml:"name"`
	Password           string `toml:"password"`
	Home               string `toml:"home"`
	OwnershipOverride  string `toml:"ownership_override"`
	ReadOnly           bool   `toml:"read_only"`
}

// Config mirrors the external configuration surface: listening address,
// session/transfer limits, TLS material, the account table, and the
// anti-bruteforce policy.
type Config struct {
	ControlPort       int         `toml:"control_port"`
	ListenHost        string      `toml:"listen_host"`
	DataRoot          string      `toml:"data_root"`
	MaxSessions       int         `toml:"max_sessions"`
	MaxSessionsPerIP  int         `toml:"max_sessions_per_ip"`
	IdleTimeoutS      int         `toml:"idle_timeout_s"`
	PassivePortLo     int         `toml:"passive_port_lo"`
	PassivePortHi     int         `toml:"passive_port_hi"`
	NATIP             string      `toml:"nat_ip"`
	TLSCertPath       string      `toml:"tls_cert_path"`
	TLSKeyPath        string      `toml:"tls_key_path"`
	ForceTLS          bool        `toml:"force_tls"`
	AuthBackend       AuthBackend `toml:"auth_backend"`
	Users             []User      `toml:"users"`
	BruteforceThresh  int         `toml:"bruteforce_threshold"`
	BruteforceCooldownS int       `toml:"bruteforce_cooldown_s"`
}

// ErrNoUsers is returned when a configuration defines no account at all.
var ErrNoUsers = errors.New("config: at least one user must be defined")

// Default returns the configuration used when no file is supplied: the
// same shape main.go has always auto-created for a quick local run.
func Default() *Config {
	return &Config{
		ControlPort:         2121,
		ListenHost:          "0.0.0.0",
		MaxSessions:         0,
		MaxSessionsPerIP:    6,
		IdleTimeoutS:        900,
		PassivePortLo:       2122,
		PassivePortHi:       2200,
		AuthBackend:         AuthBackendLocal,
		BruteforceThresh:    3,
		BruteforceCooldownS: 300,
		Users: []User{
			{Name: "test", Password: "test", Home: "shared"},
		},
	}
}

// Load reads and parses a TOML configuration file.
func Load(path string) (*Config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := Default()
	cfg.Users = nil

	if err := toml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	if len(cfg.Users) == 0 {
		return nil, ErrNoUsers
	}

	return cfg, nil
}

// Marshal renders cfg back to TOML, used by the CLI to write out a
// starter configuration file on first run.
func Marshal(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}
