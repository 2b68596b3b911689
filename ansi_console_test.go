package main

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"canwatch/config"
	"canwatch/ui"
)

func testUIConfig() config.UIConfig {
	return config.UIConfig{
		Mode:      "ansi",
		RefreshMS: 0, // no background loop in tests
		Color:     false,
		PaneLines: config.PaneLines{Stats: 2, Frames: 3, Report: 4, System: 2},
	}
}

func newTestANSIConsole(t *testing.T, cfg config.UIConfig) (*ansiConsole, *bytes.Buffer) {
	t.Helper()
	surface := newANSIConsole(cfg, true, nil)
	c, ok := surface.(*ansiConsole)
	if !ok {
		t.Fatalf("expected *ansiConsole, got %T", surface)
	}
	t.Cleanup(c.Stop)
	var buf bytes.Buffer
	c.out = &buf
	return c, &buf
}

func TestApplyANSIMarkup(t *testing.T) {
	if got := applyANSIMarkup("[yellow]stale stream", true); got != "\x1b[33mstale stream\x1b[0m" {
		t.Fatalf("color markup mismatch: got %q", got)
	}
	if got := applyANSIMarkup("[yellow]stale stream", false); got != "stale stream" {
		t.Fatalf("strip markup mismatch: got %q", got)
	}
	if got := applyANSIMarkup("plain", true); got != "plain" {
		t.Fatalf("expected unmarked line untouched, got %q", got)
	}
	if got := applyANSIMarkup("", true); got != "" {
		t.Fatalf("expected empty line untouched, got %q", got)
	}
}

func TestSnapshotPaneRingOrder(t *testing.T) {
	c, _ := newTestANSIConsole(t, testUIConfig())

	for _, line := range []string{"f1", "f2", "f3", "f4", "f5"} {
		c.AppendFrame(line)
	}

	buf := make([]string, 3)
	c.mu.Lock()
	got := snapshotPane(&c.frames, buf)
	c.mu.Unlock()

	want := []string{"f3", "f4", "f5"}
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSnapshotPaneEmpty(t *testing.T) {
	pane := ringPane{lines: make([]string, 3)}
	if got := snapshotPane(&pane, make([]string, 3)); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %v", got)
	}
}

func TestRenderLayout(t *testing.T) {
	cfg := testUIConfig()
	cfg.ClearScreen = true
	c, buf := newTestANSIConsole(t, cfg)

	c.SetStats([]string{"frames: 120", "streams: 4"})
	c.SetReport([]string{"ID 0x100 period 10ms", "ID 0x200 period 20ms"})
	c.AppendFrame("can0 100 [8] 11 22 33 44 55 66 77 88")
	c.AppendSystem("gateway connected")

	c.render()

	out := buf.String()
	if !strings.HasPrefix(out, "\x1b[2J\x1b[H") {
		t.Fatalf("expected clear+home prefix, got %q", out[:min(len(out), 16)])
	}
	for _, want := range []string{
		"frames: 120",
		"streams: 4",
		"---- Frames ----",
		"can0 100 [8]",
		"---- Timing Report ----",
		"ID 0x100 period 10ms",
		"---- System ----",
		"gateway connected",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("render output missing %q:\n%s", want, out)
		}
	}
	framesIdx := strings.Index(out, "---- Frames ----")
	reportIdx := strings.Index(out, "---- Timing Report ----")
	systemIdx := strings.Index(out, "---- System ----")
	if !(framesIdx < reportIdx && reportIdx < systemIdx) {
		t.Fatalf("pane order wrong: frames=%d report=%d system=%d", framesIdx, reportIdx, systemIdx)
	}
}

func TestSetStatsBoundsCopy(t *testing.T) {
	c, buf := newTestANSIConsole(t, testUIConfig())

	c.SetStats([]string{"one", "two", "three"})
	c.render()
	if out := buf.String(); strings.Contains(out, "three") {
		t.Fatalf("expected overflow stats line dropped, got:\n%s", out)
	}

	buf.Reset()
	c.SetStats([]string{"solo"})
	c.render()
	if out := buf.String(); strings.Contains(out, "two") {
		t.Fatalf("expected stale stats blanked, got:\n%s", out)
	}
}

func TestSetReportReplacesPreviousTable(t *testing.T) {
	c, buf := newTestANSIConsole(t, testUIConfig())

	c.SetReport([]string{"ID 0x1A0 period 100ms", "ID 0x1A1 period 100ms"})
	c.SetReport([]string{"ID 0x7E0 period 500ms"})
	c.render()

	out := buf.String()
	if strings.Contains(out, "0x1A0") {
		t.Fatalf("expected old report rows replaced, got:\n%s", out)
	}
	if !strings.Contains(out, "0x7E0") {
		t.Fatalf("expected new report row present, got:\n%s", out)
	}
}

func TestAnsiWriterSplitsLines(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	w := &ansiWriter{append: func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}}

	if _, err := w.Write([]byte("first\r\nsec")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("ond\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 || lines[0] != "first" || lines[1] != "second" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestNewANSIConsoleDisabled(t *testing.T) {
	if surface := newANSIConsole(testUIConfig(), false, nil); surface != nil {
		t.Fatalf("expected nil surface when rendering is not allowed")
	}
}

func TestRenderFeedsLatencyTracker(t *testing.T) {
	metrics := ui.NewMetrics()
	surface := newANSIConsole(testUIConfig(), true, metrics)
	c := surface.(*ansiConsole)
	t.Cleanup(c.Stop)
	var buf bytes.Buffer
	c.out = &buf

	c.SetStats([]string{"frames: 1"})
	c.render()
	c.render()

	if snap := metrics.RenderSnapshot(); snap.N != 2 {
		t.Fatalf("expected 2 render samples, got %d", snap.N)
	}
}
