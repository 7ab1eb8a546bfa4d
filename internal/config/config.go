package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	Registry  RegistryConfig  `json:"registry" yaml:"registry"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type IngestConfig struct {
	REST       RESTConfig       `json:"rest" yaml:"rest"`
	TCPStream  TCPStreamConfig  `json:"tcp_stream" yaml:"tcp_stream"`
	UDP        UDPConfig        `json:"udp" yaml:"udp"`
	FileReplay FileReplayConfig `json:"file_replay" yaml:"file_replay"`
	Kafka      KafkaConfig      `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type UDPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileReplayConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type DetectionConfig struct {
	FailedLoginLimit  int           `json:"failed_login_limit" yaml:"failed_login_limit"`
	FailedLoginWindow time.Duration `json:"failed_login_window" yaml:"failed_login_window"`

	CommandSpamLimit  int           `json:"command_spam_limit" yaml:"command_spam_limit"`
	CommandSpamWindow time.Duration `json:"command_spam_window" yaml:"command_spam_window"`

	PowerWindow     time.Duration `json:"power_window" yaml:"power_window"`
	PowerSpikeRatio float64       `json:"power_spike_ratio" yaml:"power_spike_ratio"`
	PowerMinSamples int           `json:"power_min_samples" yaml:"power_min_samples"`
	PowerMaxPercent float64       `json:"power_max_percent" yaml:"power_max_percent"`

	SYNFloodRate int           `json:"syn_flood_rate" yaml:"syn_flood_rate"`
	SYNBucket    time.Duration `json:"syn_bucket" yaml:"syn_bucket"`

	ResourceHighUsage  float64       `json:"resource_high_usage" yaml:"resource_high_usage"`
	ResourceWindow     time.Duration `json:"resource_window" yaml:"resource_window"`
	ResourceMinSamples int           `json:"resource_min_samples" yaml:"resource_min_samples"`

	MessageFloodLimit  int           `json:"message_flood_limit" yaml:"message_flood_limit"`
	MessageFloodWindow time.Duration `json:"message_flood_window" yaml:"message_flood_window"`

	BusinessHours BusinessHoursConfig `json:"business_hours" yaml:"business_hours"`
}

// BusinessHoursConfig is the configured daily range during which
// privileged-role rate exemptions apply. Start and End are "HH:MM".
type BusinessHoursConfig struct {
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

type RegistryConfig struct {
	Users             map[string]string `json:"users" yaml:"users"`
	Devices           map[string]string `json:"devices" yaml:"devices"`
	DangerousCommands []string          `json:"dangerous_commands" yaml:"dangerous_commands"`
}

type DispatchConfig struct {
	IdleTTL       time.Duration `json:"idle_ttl" yaml:"idle_ttl"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type APIConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Addr      string `json:"addr" yaml:"addr"`
	AuthToken string `json:"auth_token" yaml:"auth_token"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int    `json:"store_limit" yaml:"store_limit"`
	FilePath   string `json:"file_path" yaml:"file_path"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			REST:       RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:  TCPStreamConfig{Enabled: false, Addr: ":9000"},
			UDP:        UDPConfig{Enabled: false, Addr: ":9001"},
			FileReplay: FileReplayConfig{Enabled: false, StartAtEnd: true},
			Kafka:      KafkaConfig{Enabled: false},
		},
		Detection: DetectionConfig{
			FailedLoginLimit:   5,
			FailedLoginWindow:  60 * time.Second,
			CommandSpamLimit:   3,
			CommandSpamWindow:  30 * time.Second,
			PowerWindow:        5 * time.Minute,
			PowerSpikeRatio:    1.5,
			PowerMinSamples:    5,
			PowerMaxPercent:    100,
			SYNFloodRate:       100,
			SYNBucket:          1 * time.Second,
			ResourceHighUsage:  0.80,
			ResourceWindow:     90 * time.Second,
			ResourceMinSamples: 90,
			MessageFloodLimit:  20000,
			MessageFloodWindow: 100 * time.Second,
			BusinessHours:      BusinessHoursConfig{Start: "08:00", End: "20:00", Timezone: "Local"},
		},
		Registry: RegistryConfig{},
		Dispatch: DispatchConfig{
			IdleTTL:       15 * time.Minute,
			SweepInterval: 1 * time.Minute,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:iotsentry.db?_pragma=busy_timeout(5000)"},
		Alerts:  AlertsConfig{StoreLimit: 1000, FilePath: "logs/attack_detection.log"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Detection.FailedLoginLimit <= 0 {
		cfg.Detection.FailedLoginLimit = def.Detection.FailedLoginLimit
	}
	if cfg.Detection.FailedLoginWindow <= 0 {
		cfg.Detection.FailedLoginWindow = def.Detection.FailedLoginWindow
	}
	if cfg.Detection.CommandSpamLimit <= 0 {
		cfg.Detection.CommandSpamLimit = def.Detection.CommandSpamLimit
	}
	if cfg.Detection.CommandSpamWindow <= 0 {
		cfg.Detection.CommandSpamWindow = def.Detection.CommandSpamWindow
	}
	if cfg.Detection.PowerWindow <= 0 {
		cfg.Detection.PowerWindow = def.Detection.PowerWindow
	}
	if cfg.Detection.PowerSpikeRatio <= 0 {
		cfg.Detection.PowerSpikeRatio = def.Detection.PowerSpikeRatio
	}
	if cfg.Detection.PowerMinSamples <= 0 {
		cfg.Detection.PowerMinSamples = def.Detection.PowerMinSamples
	}
	if cfg.Detection.PowerMaxPercent <= 0 {
		cfg.Detection.PowerMaxPercent = def.Detection.PowerMaxPercent
	}
	if cfg.Detection.SYNFloodRate <= 0 {
		cfg.Detection.SYNFloodRate = def.Detection.SYNFloodRate
	}
	if cfg.Detection.SYNBucket <= 0 {
		cfg.Detection.SYNBucket = def.Detection.SYNBucket
	}
	if cfg.Detection.ResourceHighUsage <= 0 {
		cfg.Detection.ResourceHighUsage = def.Detection.ResourceHighUsage
	}
	if cfg.Detection.ResourceWindow <= 0 {
		cfg.Detection.ResourceWindow = def.Detection.ResourceWindow
	}
	if cfg.Detection.ResourceMinSamples <= 0 {
		cfg.Detection.ResourceMinSamples = int(cfg.Detection.ResourceWindow.Seconds())
	}
	if cfg.Detection.MessageFloodLimit <= 0 {
		cfg.Detection.MessageFloodLimit = def.Detection.MessageFloodLimit
	}
	if cfg.Detection.MessageFloodWindow <= 0 {
		cfg.Detection.MessageFloodWindow = def.Detection.MessageFloodWindow
	}
	if cfg.Detection.BusinessHours.Start == "" {
		cfg.Detection.BusinessHours.Start = def.Detection.BusinessHours.Start
	}
	if cfg.Detection.BusinessHours.End == "" {
		cfg.Detection.BusinessHours.End = def.Detection.BusinessHours.End
	}
	if cfg.Detection.BusinessHours.Timezone == "" {
		cfg.Detection.BusinessHours.Timezone = def.Detection.BusinessHours.Timezone
	}
	if cfg.Dispatch.IdleTTL <= 0 {
		cfg.Dispatch.IdleTTL = def.Dispatch.IdleTTL
	}
	if cfg.Dispatch.SweepInterval <= 0 {
		cfg.Dispatch.SweepInterval = def.Dispatch.SweepInterval
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
	if cfg.Alerts.FilePath == "" {
		cfg.Alerts.FilePath = def.Alerts.FilePath
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.UDP.Enabled && cfg.Ingest.UDP.Addr == "" {
		return errors.New("ingest.udp.addr required when ingest.udp.enabled is true")
	}
	if cfg.Ingest.FileReplay.Enabled && len(cfg.Ingest.FileReplay.Files) == 0 {
		return errors.New("ingest.file_replay.files required when ingest.file_replay.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Detection.PowerSpikeRatio <= 1 {
		return errors.New("detection.power_spike_ratio must be > 1")
	}
	if cfg.Detection.ResourceHighUsage <= 0 || cfg.Detection.ResourceHighUsage > 1 {
		return errors.New("detection.resource_high_usage must be in (0, 1]")
	}
	if _, err := ParseBusinessHours(cfg.Detection.BusinessHours); err != nil {
		return fmt.Errorf("detection.business_hours: %w", err)
	}
	for role := range rolesFromRegistry(cfg.Registry.Users) {
		switch role {
		case "ADMIN", "MANAGER", "USER":
		default:
			return fmt.Errorf("registry.users contains invalid privilege %q", role)
		}
	}
	return nil
}

func rolesFromRegistry(users map[string]string) map[string]struct{} {
	out := make(map[string]struct{}, len(users))
	for _, role := range users {
		out[role] = struct{}{}
	}
	return out
}

// BusinessHours is the parsed daily exemption range. The range is inclusive
// of Start and exclusive of End, in minutes since midnight in Location.
type BusinessHours struct {
	StartMin int
	EndMin   int
	Location *time.Location
}

func ParseBusinessHours(cfg BusinessHoursConfig) (BusinessHours, error) {
	start, err := parseClock(cfg.Start)
	if err != nil {
		return BusinessHours{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseClock(cfg.End)
	if err != nil {
		return BusinessHours{}, fmt.Errorf("end: %w", err)
	}
	if end <= start {
		return BusinessHours{}, fmt.Errorf("end %q must be after start %q", cfg.End, cfg.Start)
	}
	loc := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return BusinessHours{}, fmt.Errorf("timezone: %w", err)
		}
	}
	return BusinessHours{StartMin: start, EndMin: end, Location: loc}, nil
}

func (b BusinessHours) Contains(t time.Time) bool {
	if b.Location != nil {
		t = t.In(b.Location)
	}
	min := t.Hour()*60 + t.Minute()
	return min >= b.StartMin && min < b.EndMin
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
