// Package config loads the daemon configuration from a directory of YAML
// fragments merged in lexical order, then applies defaults and validates the
// result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete analyzer configuration
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Console  ConsoleConfig   `yaml:"console"`
	Gateways []GatewayConfig `yaml:"gateways"`
	MQTT     MQTTConfig      `yaml:"mqtt"`
	Dedup    DedupConfig     `yaml:"dedup"`
	Throttle ThrottleConfig  `yaml:"throttle"`
	Buffer   BufferConfig    `yaml:"buffer"`
	Archive  ArchiveConfig   `yaml:"archive"`
	Catalog  CatalogConfig   `yaml:"catalog"`
	Analysis AnalysisConfig  `yaml:"analysis"`
	History  HistoryConfig   `yaml:"history"`
	UI       UIConfig        `yaml:"ui"`
	Logging  LoggingConfig   `yaml:"logging"`

	// LoadedFrom records the directory the configuration was merged from.
	LoadedFrom string `yaml:"-"`
}

// ServerConfig contains general daemon settings
type ServerConfig struct {
	Name   string `yaml:"name"`
	NodeID string `yaml:"node_id"`
}

// ConsoleConfig contains the telnet console server settings
type ConsoleConfig struct {
	Port               int    `yaml:"port"`
	MaxConnections     int    `yaml:"max_connections"`
	WelcomeMessage     string `yaml:"welcome_message"`
	BroadcastWorkers   int    `yaml:"broadcast_workers"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	// Transport selects the telnet backend: "native" reads the raw TCP
	// stream, "ziutek" wraps connections with the ziutek/telnet library.
	Transport string `yaml:"transport"`
}

// GatewayConfig describes one socketcand-style TCP gateway to pull frames from
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Name    string `yaml:"name"`
	Telnet  bool   `yaml:"telnet"` // wrap the connection for bridges that speak telnet negotiation
}

// MQTTConfig contains the telemetry bridge settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Workers  int    `yaml:"workers"`
}

// DedupConfig contains deduplication settings. CAN frames repeat on a
// millisecond scale so the window is configured in milliseconds.
type DedupConfig struct {
	Enabled  bool `yaml:"enabled"`
	WindowMS int  `yaml:"window_ms"`
}

// ThrottleConfig contains console broadcast thinning settings
type ThrottleConfig struct {
	Enabled         bool `yaml:"enabled"`
	WindowMS        int  `yaml:"window_ms"`
	ForwardOnChange bool `yaml:"forward_on_change"`
}

// BufferConfig sizes the shared in-memory ring buffer
type BufferConfig struct {
	Size int `yaml:"size"`
}

// ArchiveConfig contains SQLite archive settings
type ArchiveConfig struct {
	Enabled                bool   `yaml:"enabled"`
	DBPath                 string `yaml:"db_path"`
	Synchronous            string `yaml:"synchronous"`
	BusyTimeoutMS          int    `yaml:"busy_timeout_ms"`
	QueueSize              int    `yaml:"queue_size"`
	BatchSize              int    `yaml:"batch_size"`
	BatchIntervalMS        int    `yaml:"batch_interval_ms"`
	RetentionHours         int    `yaml:"retention_hours"`
	CleanupIntervalSeconds int    `yaml:"cleanup_interval_seconds"`
	CleanupBatchSize       int    `yaml:"cleanup_batch_size"`
	CleanupBatchYieldMS    int    `yaml:"cleanup_batch_yield_ms"`
}

// CatalogConfig points at the expected-period message catalog
type CatalogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AnalysisConfig drives the periodic timing analysis pass
type AnalysisConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	WindowSeconds   int    `yaml:"window_seconds"`
	OutputDir       string `yaml:"output_dir"`
	WriteCSV        bool   `yaml:"write_csv"`
}

// HistoryConfig contains the Pebble history store settings
type HistoryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	RetentionHours int    `yaml:"retention_hours"`
	CacheMB        int    `yaml:"cache_mb"`
	MemTableMB     int    `yaml:"memtable_mb"`
}

// UIConfig contains the terminal dashboard settings
type UIConfig struct {
	// Mode selects the terminal surface: "tview" (full dashboard), "ansi"
	// (fixed-pane renderer), or "headless" (plain logs).
	Mode        string    `yaml:"mode"`
	RefreshMS   int       `yaml:"refresh_ms"`
	Color       bool      `yaml:"color"`
	ClearScreen bool      `yaml:"clear_screen"`
	PaneLines   PaneLines `yaml:"pane_lines"`
}

// PaneLines sizes the fixed panes of the ansi renderer.
type PaneLines struct {
	Stats  int `yaml:"stats"`
	Frames int `yaml:"frames"`
	Report int `yaml:"report"`
	System int `yaml:"system"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	// DisableFile turns off the daily log files; lines still reach the
	// console or the active dashboard's system pane.
	DisableFile bool `yaml:"disable_file"`
}

// Load merges every *.yaml/*.yml file in dir (lexical order) into a single
// configuration, applies defaults, and validates the result. Later files
// override earlier ones key by key.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config: %s is not a directory; pass the config directory, not a file", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("config: no yaml files in %s", dir)
	}

	var cfg Config
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", name, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", name, err)
		}
	}

	cfg.LoadedFrom = dir
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "canwatch"
	}
	if c.Console.Port == 0 {
		c.Console.Port = 7300
	}
	if c.Console.MaxConnections == 0 {
		c.Console.MaxConnections = 50
	}
	if c.Console.IdleTimeoutSeconds == 0 {
		c.Console.IdleTimeoutSeconds = 600
	}
	if c.Console.Transport == "" {
		c.Console.Transport = "native"
	}
	for i := range c.Gateways {
		if c.Gateways[i].Port == 0 {
			c.Gateways[i].Port = 29536
		}
		if c.Gateways[i].Name == "" {
			c.Gateways[i].Name = fmt.Sprintf("gw%d", i)
		}
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "can/+/frames"
	}
	if c.MQTT.Workers == 0 {
		c.MQTT.Workers = 2
	}
	if c.Dedup.WindowMS == 0 {
		c.Dedup.WindowMS = 200
	}
	if c.Throttle.WindowMS == 0 {
		c.Throttle.WindowMS = 1000
	}
	if c.Buffer.Size == 0 {
		c.Buffer.Size = 10000
	}
	if c.Archive.DBPath == "" {
		c.Archive.DBPath = "data/canwatch.db"
	}
	if c.Archive.Synchronous == "" {
		c.Archive.Synchronous = "off"
	}
	if c.Archive.BusyTimeoutMS == 0 {
		c.Archive.BusyTimeoutMS = 5000
	}
	if c.Archive.QueueSize == 0 {
		c.Archive.QueueSize = 10000
	}
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = 500
	}
	if c.Archive.BatchIntervalMS == 0 {
		c.Archive.BatchIntervalMS = 1000
	}
	if c.Archive.RetentionHours == 0 {
		c.Archive.RetentionHours = 24
	}
	if c.Archive.CleanupIntervalSeconds == 0 {
		c.Archive.CleanupIntervalSeconds = 3600
	}
	// Yield defaults only alongside the batch size so an explicit zero yield
	// survives when the operator tunes batching.
	if c.Archive.CleanupBatchSize == 0 {
		c.Archive.CleanupBatchSize = 2000
		c.Archive.CleanupBatchYieldMS = 5
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = "catalog.plist"
	}
	if c.Analysis.IntervalSeconds == 0 {
		c.Analysis.IntervalSeconds = 10
	}
	if c.Analysis.WindowSeconds == 0 {
		c.Analysis.WindowSeconds = 60
	}
	if c.Analysis.OutputDir == "" {
		c.Analysis.OutputDir = "reports"
	}
	if c.History.Path == "" {
		c.History.Path = "data/history"
	}
	if c.History.RetentionHours == 0 {
		c.History.RetentionHours = 168
	}
	if c.History.CacheMB == 0 {
		c.History.CacheMB = 8
	}
	if c.History.MemTableMB == 0 {
		c.History.MemTableMB = 4
	}
	if c.UI.Mode == "" {
		c.UI.Mode = "headless"
	}
	if c.UI.RefreshMS == 0 {
		c.UI.RefreshMS = 1000
	}
	if c.UI.PaneLines.Stats == 0 {
		c.UI.PaneLines.Stats = 4
	}
	if c.UI.PaneLines.Frames == 0 {
		c.UI.PaneLines.Frames = 8
	}
	if c.UI.PaneLines.Report == 0 {
		c.UI.PaneLines.Report = 12
	}
	if c.UI.PaneLines.System == 0 {
		c.UI.PaneLines.System = 6
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Logging.RetentionDays == 0 {
		c.Logging.RetentionDays = 14
	}
}

func (c *Config) validate() error {
	switch c.Archive.Synchronous {
	case "off", "normal", "full":
	default:
		return fmt.Errorf("config: archive.synchronous must be off, normal, or full; got %q", c.Archive.Synchronous)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level must be debug, info, warn, or error; got %q", c.Logging.Level)
	}
	switch c.UI.Mode {
	case "tview", "ansi", "headless":
	default:
		return fmt.Errorf("config: ui.mode must be tview, ansi, or headless; got %q", c.UI.Mode)
	}
	for i, gw := range c.Gateways {
		if gw.Enabled && strings.TrimSpace(gw.Host) == "" {
			return fmt.Errorf("config: gateways[%d] enabled without host", i)
		}
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return fmt.Errorf("config: mqtt enabled without broker")
	}
	if c.Analysis.IntervalSeconds < 0 || c.Analysis.WindowSeconds < 0 {
		return fmt.Errorf("config: analysis intervals must be positive")
	}
	return nil
}

// Print displays the configuration
func (c *Config) Print() {
	fmt.Printf("Server: %s (%s)\n", c.Server.Name, c.Server.NodeID)
	workerDesc := "auto"
	if c.Console.BroadcastWorkers > 0 {
		workerDesc = fmt.Sprintf("%d", c.Console.BroadcastWorkers)
	}
	fmt.Printf("Console: port %d (broadcast workers=%s)\n", c.Console.Port, workerDesc)
	for _, gw := range c.Gateways {
		if gw.Enabled {
			fmt.Printf("Gateway: %s:%d (as %s)\n", gw.Host, gw.Port, gw.Name)
		}
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (topic: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.Topic)
	}
	if c.Dedup.Enabled {
		fmt.Printf("Dedup: window=%dms\n", c.Dedup.WindowMS)
	}
	if c.Throttle.Enabled {
		fmt.Printf("Throttle: window=%dms (on-change=%v)\n", c.Throttle.WindowMS, c.Throttle.ForwardOnChange)
	}
	if c.Archive.Enabled {
		fmt.Printf("Archive: %s (retention %dh)\n", c.Archive.DBPath, c.Archive.RetentionHours)
	}
	if c.Catalog.Enabled {
		fmt.Printf("Catalog: %s\n", c.Catalog.Path)
	}
	fmt.Printf("Analysis: every %ds over a %ds window\n", c.Analysis.IntervalSeconds, c.Analysis.WindowSeconds)
	if c.History.Enabled {
		fmt.Printf("History: %s (retention %dh)\n", c.History.Path, c.History.RetentionHours)
	}
	fmt.Printf("UI: %s (refresh %dms)\n", c.UI.Mode, c.UI.RefreshMS)
}
