// Package config provides configuration management for solvetrack.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFeedBaseURL is the public submissions feed queried by the poller.
	DefaultFeedBaseURL = "https://alfa-leetcode-api.onrender.com"

	// DefaultListenAddr is where the ingest/status HTTP service binds.
	DefaultListenAddr = "127.0.0.1:38950"

	DefaultIdleThresholdMs          = 30000
	DefaultHeartbeatIntervalMs      = 30000
	DefaultSubmissionPollIntervalMs = 300000
	DefaultSchedulerTickMs          = 5000
)

// Settings holds the runtime-tunable configuration of the engine.
// Field names mirror the persisted YAML keys; the JSON form is what the
// settings API serves.
type Settings struct {
	UserID                   string `yaml:"userId" json:"userId"`
	LeetCodeUsername         string `yaml:"leetcodeUsername" json:"leetcodeUsername"`
	BackendURL               string `yaml:"backendUrl" json:"backendUrl"`
	APIKey                   string `yaml:"apiKey" json:"apiKey,omitempty"`
	FeedBaseURL              string `yaml:"feedBaseUrl" json:"feedBaseUrl"`
	IdleThresholdMs          int64  `yaml:"idleThresholdMs" json:"idleThresholdMs"`
	HeartbeatIntervalMs      int64  `yaml:"heartbeatIntervalMs" json:"heartbeatIntervalMs"`
	SubmissionPollIntervalMs int64  `yaml:"submissionPollIntervalMs" json:"submissionPollIntervalMs"`
	SchedulerTickMs          int64  `yaml:"schedulerTickMs" json:"schedulerTickMs"`
	ListenAddr               string `yaml:"listenAddr" json:"listenAddr"`
	DataDir                  string `yaml:"dataDir" json:"dataDir"`
}

// Patch is a partial settings update; nil fields are left untouched.
type Patch struct {
	UserID                   *string `json:"userId,omitempty"`
	LeetCodeUsername         *string `json:"leetcodeUsername,omitempty"`
	BackendURL               *string `json:"backendUrl,omitempty"`
	APIKey                   *string `json:"apiKey,omitempty"`
	FeedBaseURL              *string `json:"feedBaseUrl,omitempty"`
	IdleThresholdMs          *int64  `json:"idleThresholdMs,omitempty"`
	HeartbeatIntervalMs      *int64  `json:"heartbeatIntervalMs,omitempty"`
	SubmissionPollIntervalMs *int64  `json:"submissionPollIntervalMs,omitempty"`
}

// IdleThreshold returns the idle threshold as a duration.
func (s Settings) IdleThreshold() time.Duration {
	return time.Duration(s.IdleThresholdMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (s Settings) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

// SubmissionPollInterval returns the periodic poll interval as a duration.
func (s Settings) SubmissionPollInterval() time.Duration {
	return time.Duration(s.SubmissionPollIntervalMs) * time.Millisecond
}

// SchedulerTick returns the engine scheduler tick as a duration.
func (s Settings) SchedulerTick() time.Duration {
	return time.Duration(s.SchedulerTickMs) * time.Millisecond
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		UserID:                   "user123",
		FeedBaseURL:              DefaultFeedBaseURL,
		IdleThresholdMs:          DefaultIdleThresholdMs,
		HeartbeatIntervalMs:      DefaultHeartbeatIntervalMs,
		SubmissionPollIntervalMs: DefaultSubmissionPollIntervalMs,
		SchedulerTickMs:          DefaultSchedulerTickMs,
		ListenAddr:               DefaultListenAddr,
		DataDir:                  DataDir(),
	}
}

// DataDir returns the solvetrack data directory path.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".solvetrack"
	}
	return filepath.Join(home, ".solvetrack")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.yaml")
}

// JournalPath returns the event journal database path.
func JournalPath() string {
	return filepath.Join(DataDir(), "solvetrack.db")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and a default settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings from the settings file, applying env overrides.
// A missing or unparseable file yields defaults rather than an error;
// the engine must come up even with broken configuration.
func Load() (Settings, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		if unmarshalErr := yaml.Unmarshal(data, &cfg); unmarshalErr != nil {
			log.Warn().Err(unmarshalErr).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
			cfg = Default()
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Settings) {
	if v := os.Getenv("SOLVETRACK_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("SOLVETRACK_LEETCODE_USERNAME"); v != "" {
		cfg.LeetCodeUsername = v
	}
	if v := os.Getenv("SOLVETRACK_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("SOLVETRACK_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("SOLVETRACK_FEED_BASE_URL"); v != "" {
		cfg.FeedBaseURL = v
	}
	if v := os.Getenv("SOLVETRACK_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SOLVETRACK_IDLE_THRESHOLD_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			cfg.IdleThresholdMs = ms
		}
	}
	if v := os.Getenv("SOLVETRACK_HEARTBEAT_INTERVAL_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			cfg.HeartbeatIntervalMs = ms
		}
	}
}

// normalize backfills zero or negative values with defaults so a sparse
// settings file cannot stall the timers.
func normalize(cfg *Settings) {
	if cfg.FeedBaseURL == "" {
		cfg.FeedBaseURL = DefaultFeedBaseURL
	}
	if cfg.IdleThresholdMs <= 0 {
		cfg.IdleThresholdMs = DefaultIdleThresholdMs
	}
	if cfg.HeartbeatIntervalMs <= 0 {
		cfg.HeartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}
	if cfg.SubmissionPollIntervalMs <= 0 {
		cfg.SubmissionPollIntervalMs = DefaultSubmissionPollIntervalMs
	}
	if cfg.SchedulerTickMs <= 0 {
		cfg.SchedulerTickMs = DefaultSchedulerTickMs
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DataDir()
	}
}

// Store is a thread-safe settings holder supporting runtime updates from
// the SETTINGS_UPDATED message, the settings API, and the file watcher.
type Store struct {
	mu         sync.RWMutex
	current    Settings
	generation int64
}

// NewStore creates a settings store seeded with cfg.
func NewStore(cfg Settings) *Store {
	normalize(&cfg)
	return &Store{current: cfg}
}

// Get returns a snapshot of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Generation returns the number of updates applied so far.
func (s *Store) Generation() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Apply merges a patch into the current settings. Nil patch fields are
// ignored so a partial update never clears unrelated keys.
func (s *Store) Apply(p Patch) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.UserID != nil {
		s.current.UserID = *p.UserID
	}
	if p.LeetCodeUsername != nil {
		s.current.LeetCodeUsername = *p.LeetCodeUsername
	}
	if p.BackendURL != nil {
		s.current.BackendURL = *p.BackendURL
	}
	if p.APIKey != nil {
		s.current.APIKey = *p.APIKey
	}
	if p.FeedBaseURL != nil {
		s.current.FeedBaseURL = *p.FeedBaseURL
	}
	if p.IdleThresholdMs != nil && *p.IdleThresholdMs > 0 {
		s.current.IdleThresholdMs = *p.IdleThresholdMs
	}
	if p.HeartbeatIntervalMs != nil && *p.HeartbeatIntervalMs > 0 {
		s.current.HeartbeatIntervalMs = *p.HeartbeatIntervalMs
	}
	if p.SubmissionPollIntervalMs != nil && *p.SubmissionPollIntervalMs > 0 {
		s.current.SubmissionPollIntervalMs = *p.SubmissionPollIntervalMs
	}

	normalize(&s.current)
	s.generation++
	return s.current
}

// Replace swaps in a full settings snapshot (file watcher reload path).
func (s *Store) Replace(cfg Settings) Settings {
	normalize(&cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cfg
	s.generation++
	return s.current
}
