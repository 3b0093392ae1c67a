// Package config reads service settings from the environment, optionally
// preloaded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"profilevault.org/internal/keyring"
	"profilevault.org/internal/obs"
)

// Config holds every PV_* setting.
type Config struct {
	Keys           map[keyring.Purpose]keyring.Source
	Legacy         keyring.LegacyPolicy
	ActiveFallback bool
	Issuer         string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration

	HTTPAddr        string
	GRPCAddr        string
	PGDSN           string
	ColdStoreDir    string
	ColdStoreBucket string
	KafkaBrokers    []string
	HistoryTopic    string
	LogLevel        obs.Level
}

var envPrefix = map[keyring.Purpose]string{
	keyring.AccessSigning:     "PV_ACCESS",
	keyring.RefreshSigning:    "PV_REFRESH",
	keyring.PayloadEncryption: "PV_ENCRYPTION",
}

// Load reads the .env file at path when it exists, then the environment.
// Variables already set in the environment win over the file.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from a lookup function such as os.LookupEnv.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		Keys:            make(map[keyring.Purpose]keyring.Source, len(envPrefix)),
		Issuer:          get("PV_ISSUER", "profilevault"),
		HTTPAddr:        get("PV_HTTP_ADDR", ":8080"),
		GRPCAddr:        get("PV_GRPC_ADDR", ":9090"),
		PGDSN:           get("PV_PG_DSN", ""),
		ColdStoreDir:    get("PV_COLDSTORE_DIR", ""),
		ColdStoreBucket: get("PV_COLDSTORE_BUCKET", "profilevault"),
		HistoryTopic:    get("PV_KAFKA_HISTORY_TOPIC", "profile-history"),
		LogLevel:        obs.ParseLevel(get("PV_LOG_LEVEL", "info")),
	}
	for _, purpose := range keyring.Purposes {
		prefix := envPrefix[purpose]
		cfg.Keys[purpose] = keyring.Source{
			Keys:     get(prefix+"_KEYS", ""),
			ActiveID: get(prefix+"_ACTIVE_KID", ""),
			LegacyID: get(prefix+"_LEGACY_KID", ""),
		}
	}

	var err error
	if cfg.AccessTTL, err = ParseDuration(get("PV_ACCESS_TTL", "15m")); err != nil {
		return nil, fmt.Errorf("config: PV_ACCESS_TTL: %w", err)
	}
	if cfg.RefreshTTL, err = ParseDuration(get("PV_REFRESH_TTL", "7d")); err != nil {
		return nil, fmt.Errorf("config: PV_REFRESH_TTL: %w", err)
	}
	if cfg.Legacy.Enabled, err = strconv.ParseBool(get("PV_LEGACY_KID_FALLBACK", "true")); err != nil {
		return nil, fmt.Errorf("config: PV_LEGACY_KID_FALLBACK: %w", err)
	}
	if cfg.ActiveFallback, err = strconv.ParseBool(get("PV_ACTIVE_KID_FALLBACK", "false")); err != nil {
		return nil, fmt.Errorf("config: PV_ACTIVE_KID_FALLBACK: %w", err)
	}
	if until := get("PV_LEGACY_KID_UNTIL", ""); until != "" {
		if cfg.Legacy.Until, err = time.Parse(time.RFC3339, until); err != nil {
			return nil, fmt.Errorf("config: PV_LEGACY_KID_UNTIL: %w", err)
		}
	}
	for _, b := range strings.Split(get("PV_KAFKA_BROKERS", ""), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}
	return cfg, nil
}

// KeyConfig returns the keyring configuration.
func (c *Config) KeyConfig() keyring.Config {
	sources := make(map[keyring.Purpose]keyring.Source, len(c.Keys))
	for p, s := range c.Keys {
		sources[p] = s
	}
	return keyring.Config{Sources: sources, Legacy: c.Legacy, ActiveFallback: c.ActiveFallback}
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day suffix, e.g. "7d".
func ParseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
