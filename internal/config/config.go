// Package config loads server settings from an optional YAML file and PROXIMITY_*
// environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config lists the tunable parameters for the proximity engine server.
type Config struct {
	HTTPPort     int
	MetricsPort  int
	DatabasePath string
	LogLevel     string
	RegistryPath string

	MQTTBrokerURL string
	MQTTClientID  string

	GraceWindow    time.Duration
	ActionCooldown time.Duration
	PendingTTL     time.Duration
	PurgeInterval  time.Duration

	RecoEndpoint string
	RecoTimeout  time.Duration

	MDNSEnabled bool
}

const (
	defaultHTTPPort      = 8080
	defaultMetricsPort   = 9090
	defaultDatabasePath  = "data/proximity.db"
	defaultLogLevel      = "info"
	defaultRegistryPath  = "config/venue.yaml"
	defaultMQTTBrokerURL = "tcp://localhost:1883"
	defaultGraceWindow   = 10 * time.Second
	defaultPendingTTL    = 24 * time.Hour
	defaultPurgeInterval = 5 * time.Minute
	defaultRecoTimeout   = 10 * time.Second
)

// ErrInvalidPort marks a port outside 1..65535.
var ErrInvalidPort = errors.New("port must be between 1 and 65535")

// Load derives configuration from the YAML file at path (optional, may be empty) and
// environment variables, falling back to defaults.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	var errs []error
	intVal := func(env, key string, def int) int {
		v, err := envInt(env, k, key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durVal := func(env, key string, def time.Duration) time.Duration {
		v, err := envDuration(env, k, key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		HTTPPort:       intVal("PROXIMITY_HTTP_PORT", "http.port", defaultHTTPPort),
		MetricsPort:    intVal("PROXIMITY_METRICS_PORT", "metrics.port", defaultMetricsPort),
		DatabasePath:   envString("PROXIMITY_DATABASE_PATH", k, "database.path", defaultDatabasePath),
		LogLevel:       envString("PROXIMITY_LOG_LEVEL", k, "log.level", defaultLogLevel),
		RegistryPath:   envString("PROXIMITY_REGISTRY_PATH", k, "registry.path", defaultRegistryPath),
		MQTTBrokerURL:  envString("PROXIMITY_MQTT_BROKER", k, "mqtt.broker", defaultMQTTBrokerURL),
		MQTTClientID:   envString("PROXIMITY_MQTT_CLIENT_ID", k, "mqtt.client_id", ""),
		GraceWindow:    durVal("PROXIMITY_GRACE_WINDOW", "engine.grace_window", defaultGraceWindow),
		ActionCooldown: durVal("PROXIMITY_ACTION_COOLDOWN", "actions.cooldown", 0),
		PendingTTL:     durVal("PROXIMITY_PENDING_TTL", "actions.pending_ttl", defaultPendingTTL),
		PurgeInterval:  durVal("PROXIMITY_PURGE_INTERVAL", "actions.purge_interval", defaultPurgeInterval),
		RecoEndpoint:   envString("PROXIMITY_RECO_ENDPOINT", k, "reco.endpoint", ""),
		RecoTimeout:    durVal("PROXIMITY_RECO_TIMEOUT", "reco.timeout", defaultRecoTimeout),
	}

	mdns, err := envBool("PROXIMITY_MDNS", k, "mdns.enabled", true)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.MDNSEnabled = mdns

	errs = append(errs, cfg.Validate()...)
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate reports every invalid value.
func (c Config) Validate() []error {
	var errs []error
	for name, port := range map[string]int{"http port": c.HTTPPort, "metrics port": c.MetricsPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d: %w", name, port, ErrInvalidPort))
		}
	}
	if c.GraceWindow < 0 || c.ActionCooldown < 0 || c.PendingTTL < 0 || c.RecoTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.PurgeInterval <= 0 {
		errs = append(errs, errors.New("purge interval must be positive"))
	}
	return errs
}

func envString(env string, k *koanf.Koanf, key, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	if v := k.String(key); v != "" {
		return v
	}
	return def
}

func envInt(env string, k *koanf.Koanf, key string, def int) (int, error) {
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", env, err)
		}
		return n, nil
	}
	if k.Exists(key) {
		return k.Int(key), nil
	}
	return def, nil
}

func envDuration(env string, k *koanf.Koanf, key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(env)
	source := env
	if raw == "" && k.Exists(key) {
		raw = k.String(key)
		source = key
	}
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", source, err)
	}
	return d, nil
}

func envBool(env string, k *koanf.Koanf, key string, def bool) (bool, error) {
	if v := os.Getenv(env); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		default:
			return false, fmt.Errorf("invalid %s: %q", env, v)
		}
	}
	if k.Exists(key) {
		return k.Bool(key), nil
	}
	return def, nil
}
