package config

import (
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"
)

// ProfilesConfig holds named deployment-profile overrides.
type ProfilesConfig struct {
	Profiles map[string]Config `yaml:"profiles"`
}

// Manager resolves the effective configuration for a deployment
// profile: the base config with the profile's sections layered on top.
type Manager struct {
	mu       sync.RWMutex
	base     *Config
	profiles map[string]Config
}

// NewManager loads the base config and the profile overrides. A
// missing profiles file falls back to the built-in profiles.
func NewManager(basePath, profilesPath string) (*Manager, error) {
	base, err := LoadConfig(basePath)
	if err != nil {
		return nil, err
	}
	profiles, err := loadProfiles(profilesPath)
	if err != nil {
		return nil, err
	}
	return &Manager{base: base, profiles: profiles}, nil
}

func loadProfiles(path string) (map[string]Config, error) {
	profiles := BuiltinProfiles()
	if path == "" {
		return profiles, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return profiles, nil
		}
		return nil, err
	}
	defer f.Close()

	var pc ProfilesConfig
	if err := yaml.NewDecoder(f).Decode(&pc); err != nil {
		return nil, err
	}
	for name, cfg := range pc.Profiles {
		profiles[name] = cfg
	}
	return profiles, nil
}

// Profiles lists the known profile names.
func (m *Manager) Profiles() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.profiles))
	for name := range m.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the effective config for a profile. Overrides replace
// whole sections; a section counts as set when its sentinel field is
// non-zero. Unknown or empty profile names resolve to the base config.
func (m *Manager) Get(profile string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.base

	override, ok := m.profiles[profile]
	if !ok {
		return &effective
	}

	if override.Server.Port != "" {
		effective.Server = override.Server
	}
	if override.Processing.CadenceMs != 0 {
		effective.Processing = override.Processing
	}
	if override.Quality.CheckIntervalSeconds != 0 {
		effective.Quality = override.Quality
	}
	if override.Devices.AggregationWindowMs != 0 {
		effective.Devices = override.Devices
	}
	if override.Ledger.CheckpointEvents != 0 {
		effective.Ledger = override.Ledger
	}
	if override.Storage.Warehouse != "" {
		effective.Storage = override.Storage
	}
	if override.Queue.Kind != "" {
		effective.Queue = override.Queue
	}
	if override.Webhooks.MaxAttempts != 0 {
		effective.Webhooks = override.Webhooks
	}
	if override.Identity.TrustDomain != "" || override.Identity.SPIFFEEnabled {
		effective.Identity = override.Identity
	}
	if override.Monitoring.LatencyAlertMs != 0 {
		effective.Monitoring = override.Monitoring
	}

	return &effective
}

// BuiltinProfiles are the shipped deployment profiles. Clinical runs
// tight latency alerting, frequent quality checks, and chain
// verification on boot; consumer favours battery and 60 Hz mains;
// research trades latency for long windows and bigger aggregates.
func BuiltinProfiles() map[string]Config {
	return map[string]Config{
		"clinical": {
			Processing: ProcessingConfig{CadenceMs: 100, BufferDurationMs: 30_000},
			Quality:    QualityConfig{LineFreqHz: 50, CheckIntervalSeconds: 2},
			Ledger:     LedgerConfig{VerifyOnStart: true, CheckpointEvents: 500, KeyRotationDays: 30},
			Webhooks:   WebhooksConfig{QueueSize: 2048, MaxAttempts: 3, TimeoutSeconds: 5},
			Monitoring: MonitoringConfig{EnableLiveStream: true, LatencyAlertMs: 50},
		},
		"consumer": {
			Processing: ProcessingConfig{CadenceMs: 250, BufferDurationMs: 10_000},
			Quality:    QualityConfig{LineFreqHz: 60, CheckIntervalSeconds: 10},
			Monitoring: MonitoringConfig{EnableLiveStream: true, LatencyAlertMs: 250},
		},
		"research": {
			Processing: ProcessingConfig{CadenceMs: 500, BufferDurationMs: 120_000},
			Quality:    QualityConfig{LineFreqHz: 50, CheckIntervalSeconds: 5},
			Devices: DevicesConfig{
				AggregationWindowMs: 2000,
				PairingTTLMinutes:   60,
				SerialPatterns:      []string{"/dev/ttyUSB*", "/dev/ttyACM*"},
				SyntheticCount:      4,
				ScanIntervalSeconds: 60,
			},
			Monitoring: MonitoringConfig{LatencyAlertMs: 1000},
		},
	}
}
