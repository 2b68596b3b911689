package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"canwatch/buffer"
	"canwatch/config"
	"canwatch/dedup"
	"canwatch/frame"
	"canwatch/history"
)

// minimalConfigYAML passes validation with every optional stage disabled.
const minimalConfigYAML = `
server:
  name: test
console:
  port: 7400
`

func writeConfigDir(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "00-base.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoadDaemonConfigEnvOverride(t *testing.T) {
	dir := writeConfigDir(t, minimalConfigYAML)
	t.Setenv(envConfigPath, dir)

	cfg, source, err := loadDaemonConfig("")
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if source != dir {
		t.Fatalf("source = %q, want %q", source, dir)
	}
	if cfg.Console.Port != 7400 {
		t.Fatalf("console port = %d, want 7400", cfg.Console.Port)
	}
}

func TestLoadDaemonConfigMissingEverywhere(t *testing.T) {
	// Point the override at a directory that does not exist and run from an
	// empty working directory so the default path misses too.
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "nope"))

	_, _, err := loadDaemonConfig("")
	if err == nil {
		t.Fatal("expected an error when no candidate directory exists")
	}
	if !strings.Contains(err.Error(), "tried") {
		t.Fatalf("error should list the tried paths, got: %v", err)
	}
}

func TestLoadDaemonConfigDefaultPath(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, "")
	if err := os.MkdirAll(defaultConfigPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(defaultConfigPath, "base.yaml"), []byte(minimalConfigYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, source, err := loadDaemonConfig("")
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if source != defaultConfigPath {
		t.Fatalf("source = %q, want %q", source, defaultConfigPath)
	}
}

func TestLoadDaemonConfigFlagOverrideWins(t *testing.T) {
	flagDir := writeConfigDir(t, minimalConfigYAML)
	envDir := writeConfigDir(t, minimalConfigYAML)
	t.Setenv(envConfigPath, envDir)

	_, source, err := loadDaemonConfig(flagDir)
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if source != flagDir {
		t.Fatalf("source = %q, want flag dir %q", source, flagDir)
	}
}

func TestLoadDaemonConfigBadYAMLStops(t *testing.T) {
	dir := writeConfigDir(t, "console: [not a mapping")
	t.Setenv(envConfigPath, dir)

	_, _, err := loadDaemonConfig("")
	if err == nil {
		t.Fatal("expected a parse error")
	}
	// A broken fragment must not silently fall through to another directory.
	if strings.Contains(err.Error(), "tried") {
		t.Fatalf("parse error fell through the candidate list: %v", err)
	}
}

func TestCaptureBusLabel(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "nothing enabled",
			cfg:  config.Config{},
			want: "none",
		},
		{
			name: "named gateway",
			cfg: config.Config{Gateways: []config.GatewayConfig{
				{Enabled: true, Name: "bench", Host: "10.0.0.5", Port: 29536},
			}},
			want: "bench",
		},
		{
			name: "unnamed gateway falls back to endpoint",
			cfg: config.Config{Gateways: []config.GatewayConfig{
				{Enabled: true, Host: "10.0.0.5", Port: 29536},
			}},
			want: "10.0.0.5:29536",
		},
		{
			name: "disabled gateway skipped, mqtt appended",
			cfg: config.Config{
				Gateways: []config.GatewayConfig{
					{Enabled: false, Name: "off"},
					{Enabled: true, Name: "on"},
				},
				MQTT: config.MQTTConfig{Enabled: true},
			},
			want: "on,mqtt",
		},
	}
	for _, tc := range cases {
		if got := captureBusLabel(&tc.cfg); got != tc.want {
			t.Fatalf("%s: captureBusLabel = %q, want %q", tc.name, got, tc.want)
		}
	}
}

// captureSurface records pane appends for pipeline tests.
type captureSurface struct {
	mu     sync.Mutex
	frames []string
}

func (s *captureSurface) WaitReady()               {}
func (s *captureSurface) Stop()                    {}
func (s *captureSurface) SetStats(lines []string)  {}
func (s *captureSurface) SetReport(lines []string) {}
func (s *captureSurface) AppendSystem(line string) {}
func (s *captureSurface) SystemWriter() io.Writer  { return io.Discard }

func (s *captureSurface) AppendFrame(line string) {
	s.mu.Lock()
	s.frames = append(s.frames, line)
	s.mu.Unlock()
}

func (s *captureSurface) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func TestProcessFramesFillsBufferAndPane(t *testing.T) {
	frames := buffer.NewRingBuffer(16)
	surface := &captureSurface{}
	ch := make(chan *frame.Frame, 4)
	done := make(chan struct{})
	go func() {
		processFrames(ch, frames, nil, nil, surface)
		close(done)
	}()

	ch <- frame.New(0x1A0, "can0", []byte{0x01, 0x02})
	ch <- frame.New(0x1A1, "can0", []byte{0x03})
	close(ch)
	<-done

	if got := frames.GetCount(); got != 2 {
		t.Fatalf("ring buffer count = %d, want 2", got)
	}
	if got := surface.lines(); len(got) != 2 {
		t.Fatalf("pane lines = %d, want 2", len(got))
	}
}

func TestProcessFramesThrottleMutesPane(t *testing.T) {
	frames := buffer.NewRingBuffer(16)
	surface := &captureSurface{}
	throttle := dedup.NewThrottle(time.Minute, false)
	throttle.Start()
	defer throttle.Stop()

	ch := make(chan *frame.Frame, 4)
	done := make(chan struct{})
	go func() {
		processFrames(ch, frames, nil, throttle, surface)
		close(done)
	}()

	// Same ID twice inside the window: both reach the buffer, one the pane.
	ch <- frame.New(0x1A0, "can0", []byte{0x01})
	ch <- frame.New(0x1A0, "can0", []byte{0x01})
	close(ch)
	<-done

	if got := frames.GetCount(); got != 2 {
		t.Fatalf("ring buffer count = %d, want 2", got)
	}
	if got := surface.lines(); len(got) != 1 {
		t.Fatalf("pane lines = %d, want 1 (second frame muted)", len(got))
	}
}

func TestCheckpointHistoryOnRotateWritesCopy(t *testing.T) {
	base := filepath.Join(t.TempDir(), "hist")
	store, err := history.Open(base, history.OptionsFromConfig(config.HistoryConfig{}))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	date := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	checkpointHistoryOnRotate(store, base, date)

	// The copy runs on its own goroutine; poll for the destination.
	dest := base + "-2026-03-14"
	deadline := time.Now().Add(5 * time.Second)
	for {
		if info, err := os.Stat(dest); err == nil && info.IsDir() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("checkpoint directory %s never appeared", dest)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCheckpointHistoryOnRotateSkipsWhileBusy(t *testing.T) {
	base := filepath.Join(t.TempDir(), "hist")
	store, err := history.Open(base, history.OptionsFromConfig(config.HistoryConfig{}))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	if !historyCheckpointBusy.CompareAndSwap(false, true) {
		t.Fatal("busy flag already set")
	}
	defer historyCheckpointBusy.Store(false)

	date := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	checkpointHistoryOnRotate(store, base, date)

	time.Sleep(50 * time.Millisecond)
	if _, err := os.Stat(base + "-2026-03-15"); !os.IsNotExist(err) {
		t.Fatalf("expected no checkpoint while busy, stat err = %v", err)
	}
	if !historyCheckpointBusy.Load() {
		t.Fatal("skip path must leave the busy flag alone")
	}
}

func TestCheckpointHistoryOnRotateNilStore(t *testing.T) {
	checkpointHistoryOnRotate(nil, "unused", time.Now())
}
