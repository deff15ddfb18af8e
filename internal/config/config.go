// Package config loads the platform configuration: YAML files for
// structure, environment variables for credentials and deploy-time
// overrides, and named deployment profiles (clinical, consumer,
// research) resolved by the Manager.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Processing ProcessingConfig `yaml:"processing"`
	Quality    QualityConfig    `yaml:"quality"`
	Devices    DevicesConfig    `yaml:"devices"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
	Identity   IdentityConfig   `yaml:"identity"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type ProcessingConfig struct {
	CadenceMs        float64 `yaml:"cadence_ms"`
	BufferDurationMs float64 `yaml:"buffer_duration_ms"`
}

type QualityConfig struct {
	LineFreqHz           float64 `yaml:"line_freq_hz"`
	CheckIntervalSeconds float64 `yaml:"check_interval_seconds"`
}

type DevicesConfig struct {
	AggregationWindowMs float64  `yaml:"aggregation_window_ms"`
	PairingTTLMinutes   int      `yaml:"pairing_ttl_minutes"`
	LSLBridgeAddr       string   `yaml:"lsl_bridge_addr"`
	SerialPatterns      []string `yaml:"serial_patterns"`
	WiFiHosts           []string `yaml:"wifi_hosts"`
	SyntheticCount      int      `yaml:"synthetic_count"`
	ScanIntervalSeconds int      `yaml:"scan_interval_seconds"`
}

type LedgerConfig struct {
	VerifyOnStart    bool `yaml:"verify_on_start"`
	CheckpointEvents int  `yaml:"checkpoint_events"`
	KeyRotationDays  int  `yaml:"key_rotation_days"`
}

// StorageConfig selects the warehouse backend and carries tier
// credentials. Credentials normally arrive via environment, not YAML.
type StorageConfig struct {
	Warehouse       string `yaml:"warehouse"` // memory, postgres, spanner
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	SupabaseURL     string `yaml:"supabase_url"`
	SupabaseKey     string `yaml:"supabase_key"`
	SpannerDatabase string `yaml:"spanner_database"`
	PostgresDSN     string `yaml:"postgres_dsn"`
}

type QueueConfig struct {
	Kind         string `yaml:"kind"` // memory, pubsub
	ProjectID    string `yaml:"project_id"`
	Topic        string `yaml:"topic"`
	Subscription string `yaml:"subscription"`
	BufferSize   int    `yaml:"buffer_size"`
}

type WebhooksConfig struct {
	QueueSize       int    `yaml:"queue_size"`
	MaxAttempts     int    `yaml:"max_attempts"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	SigningSecret   string `yaml:"signing_secret"`
	CloudTasksQueue string `yaml:"cloud_tasks_queue"`
}

type IdentityConfig struct {
	SPIFFEEnabled bool     `yaml:"spiffe_enabled"`
	SocketPath    string   `yaml:"socket_path"`
	TrustDomain   string   `yaml:"trust_domain"`
	AllowedIDs    []string `yaml:"allowed_ids"`
}

type MonitoringConfig struct {
	EnableLiveStream bool `yaml:"enable_live_stream"`
	LatencyAlertMs   int  `yaml:"latency_alert_ms"`
}

// DefaultConfig is a fully usable local-development configuration:
// in-memory storage tiers, in-memory queue, synthetic devices.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			Env:            "development",
			AllowedOrigins: []string{"*"},
		},
		Processing: ProcessingConfig{
			CadenceMs:        100,
			BufferDurationMs: 60_000,
		},
		Quality: QualityConfig{
			LineFreqHz:           50,
			CheckIntervalSeconds: 5,
		},
		Devices: DevicesConfig{
			AggregationWindowMs: 1000,
			PairingTTLMinutes:   10,
			SerialPatterns:      []string{"/dev/ttyUSB*", "/dev/ttyACM*"},
			SyntheticCount:      1,
			ScanIntervalSeconds: 30,
		},
		Ledger: LedgerConfig{
			VerifyOnStart:    false,
			CheckpointEvents: 1000,
			KeyRotationDays:  90,
		},
		Storage: StorageConfig{
			Warehouse: "memory",
		},
		Queue: QueueConfig{
			Kind:       "memory",
			Topic:      "ledger-events",
			BufferSize: 4096,
		},
		Webhooks: WebhooksConfig{
			QueueSize:      1024,
			MaxAttempts:    3,
			TimeoutSeconds: 10,
		},
		Monitoring: MonitoringConfig{
			EnableLiveStream: true,
			LatencyAlertMs:   250,
		},
	}
}

// LoadConfig reads a YAML file over the defaults and applies
// environment overrides. An empty path skips the file entirely; a .env
// file, if present, is loaded first so overrides see it.
func LoadConfig(path string) (*Config, error) {
	godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv layers environment values over the file. Credentials only
// live here; the YAML keys exist for self-hosted setups.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("NEUROLOOP_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Storage.RedisPassword = v
	}
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.Storage.SupabaseURL = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_KEY"); v != "" {
		cfg.Storage.SupabaseKey = v
	}
	if v := os.Getenv("SPANNER_DATABASE"); v != "" {
		cfg.Storage.SpannerDatabase = v
	}
	if v := os.Getenv("NEUROLOOP_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("NEUROLOOP_PROJECT"); v != "" {
		cfg.Queue.ProjectID = v
	}
	if v := os.Getenv("NEUROLOOP_WEBHOOK_SECRET"); v != "" {
		cfg.Webhooks.SigningSecret = v
	}
	if v := os.Getenv("NEUROLOOP_LSL_BRIDGE"); v != "" {
		cfg.Devices.LSLBridgeAddr = v
	}
	if v := os.Getenv("SPIFFE_ENDPOINT_SOCKET"); v != "" {
		cfg.Identity.SocketPath = v
	}
}
