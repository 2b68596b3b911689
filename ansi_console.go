package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"canwatch/config"
	"canwatch/ui"
)

// ansiConsole is a lightweight fixed-buffer renderer that repaints the
// terminal with plain ANSI escapes. Selected via ui.mode=ansi for terminals
// where the full tview dashboard is unwanted.
type ansiConsole struct {
	mu         sync.Mutex
	stats      []string
	report     []string
	frames     ringPane
	system     ringPane
	refresh    time.Duration
	quit       chan struct{}
	writer     *ansiWriter
	out        io.Writer
	color      bool
	clear      bool
	metrics    *ui.Metrics
	renderBuf  bytes.Buffer
	snapFrames []string
	snapSys    []string
	stopOnce   sync.Once
}

type ringPane struct {
	lines []string
	idx   int
	count int
}

func newANSIConsole(uiCfg config.UIConfig, allowRender bool, metrics *ui.Metrics) uiSurface {
	if !allowRender {
		return nil
	}

	refresh := time.Duration(uiCfg.RefreshMS) * time.Millisecond
	if refresh < 0 {
		refresh = 0
	}
	const minRefresh = 16 * time.Millisecond
	if refresh > 0 && refresh < minRefresh {
		log.Printf("UI: clamping refresh interval to %dms (requested %dms too low)", minRefresh/time.Millisecond, refresh/time.Millisecond)
		refresh = minRefresh
	}

	statsLines := uiCfg.PaneLines.Stats
	if statsLines <= 0 {
		statsLines = 1
	}
	frameLines := uiCfg.PaneLines.Frames
	if frameLines <= 0 {
		frameLines = 1
	}
	reportLines := uiCfg.PaneLines.Report
	if reportLines <= 0 {
		reportLines = 1
	}
	systemLines := uiCfg.PaneLines.System
	if systemLines <= 0 {
		systemLines = 1
	}

	c := &ansiConsole{
		stats:      make([]string, statsLines),
		report:     make([]string, reportLines),
		frames:     ringPane{lines: make([]string, frameLines)},
		system:     ringPane{lines: make([]string, systemLines)},
		refresh:    refresh,
		quit:       make(chan struct{}),
		out:        os.Stdout,
		color:      uiCfg.Color,
		clear:      uiCfg.ClearScreen,
		metrics:    metrics,
		snapFrames: make([]string, frameLines),
		snapSys:    make([]string, systemLines),
	}
	c.writer = &ansiWriter{append: c.AppendSystem}

	if c.refresh > 0 {
		go c.refreshLoop()
	}

	return c
}

// WaitReady is a no-op: the ANSI renderer has no async initialization.
func (c *ansiConsole) WaitReady() {}

func (c *ansiConsole) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.quit)
	})
}

// SetStats replaces the stats pane. The copy is bounded to the configured
// pane height; unused slots are blanked.
func (c *ansiConsole) SetStats(lines []string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	copyBounded(c.stats, lines)
	c.mu.Unlock()
}

// SetReport replaces the timing report pane with the latest cycle's table.
func (c *ansiConsole) SetReport(lines []string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	copyBounded(c.report, lines)
	c.mu.Unlock()
}

func copyBounded(dst []string, src []string) {
	limit := len(src)
	if limit > len(dst) {
		limit = len(dst)
	}
	copy(dst, src[:limit])
	for i := limit; i < len(dst); i++ {
		dst[i] = ""
	}
}

func (c *ansiConsole) AppendFrame(line string)  { c.append(&c.frames, line) }
func (c *ansiConsole) AppendSystem(line string) { c.append(&c.system, line) }

func (c *ansiConsole) SystemWriter() io.Writer {
	if c == nil {
		return nil
	}
	return c.writer
}

func (c *ansiConsole) append(pane *ringPane, line string) {
	if c == nil || pane == nil {
		return
	}
	line = applyANSIMarkup(line, c.color)
	c.mu.Lock()
	if len(pane.lines) == 0 {
		c.mu.Unlock()
		return
	}
	pane.lines[pane.idx] = line
	pane.idx = (pane.idx + 1) % len(pane.lines)
	if pane.count < len(pane.lines) {
		pane.count++
	}
	c.mu.Unlock()
}

func (c *ansiConsole) refreshLoop() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "ANSI console panic: %v\n", r)
		}
	}()
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.render()
		case <-c.quit:
			return
		}
	}
}

// render copies the panes under lock, then writes the whole frame in one
// buffered write so a slow terminal never holds the mutex. Each pass feeds
// the render latency tracker.
func (c *ansiConsole) render() {
	if c == nil {
		return
	}
	start := time.Now()

	c.mu.Lock()
	stats := make([]string, len(c.stats))
	copy(stats, c.stats)
	report := make([]string, len(c.report))
	copy(report, c.report)
	frames := snapshotPane(&c.frames, c.snapFrames)
	system := snapshotPane(&c.system, c.snapSys)
	out := c.out
	c.mu.Unlock()

	c.renderBuf.Reset()
	// Clear screen + home cursor.
	if c.clear {
		c.renderBuf.WriteString("\x1b[2J\x1b[H")
	}

	for _, line := range stats {
		if line != "" {
			c.renderBuf.WriteString(line)
		}
		c.renderBuf.WriteByte('\n')
	}

	writePane(&c.renderBuf, "---- Frames ----", frames)
	writePane(&c.renderBuf, "---- Timing Report ----", report)
	writePane(&c.renderBuf, "---- System ----", system)

	if out != nil {
		_, _ = c.renderBuf.WriteTo(out)
	}
	c.metrics.ObserveRender(time.Since(start))
}

type stringByteWriter interface {
	WriteString(string) (int, error)
	WriteByte(byte) error
}

func writePane(w stringByteWriter, title string, lines []string) {
	w.WriteString(title)
	w.WriteByte('\n')
	for _, line := range lines {
		if line != "" {
			w.WriteString(line)
		}
		w.WriteByte('\n')
	}
}

// snapshotPane copies a ring pane into the caller's buffer in insertion
// order, oldest first.
func snapshotPane(p *ringPane, buf []string) []string {
	if p == nil || len(p.lines) == 0 || p.count == 0 || len(buf) == 0 {
		return buf[:0]
	}
	start := p.idx - p.count
	if start < 0 {
		start += len(p.lines)
	}
	limit := p.count
	if limit > len(buf) {
		limit = len(buf)
	}
	for i := 0; i < limit; i++ {
		pos := (start + i) % len(p.lines)
		buf[i] = p.lines[pos]
	}
	return buf[:limit]
}

// ansiWriter adapts the system pane to io.Writer so log output can be routed
// into it. Partial lines are buffered until a newline arrives; markup is left
// to the pane append, which colorizes or strips exactly once.
type ansiWriter struct {
	append func(string)
	buf    []byte
	mu     sync.Mutex
}

func (w *ansiWriter) Write(p []byte) (int, error) {
	if w == nil || w.append == nil {
		return len(p), nil
	}
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	data := w.buf
	w.mu.Unlock()

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		w.append(line)
		data = data[idx+1:]
	}

	w.mu.Lock()
	const maxWriterBufferSize = 16 * 1024
	if len(data) > maxWriterBufferSize {
		trimmed := strings.TrimRight(string(data), "\r")
		if trimmed != "" {
			w.append(trimmed)
		}
		data = data[:0]
	}
	w.buf = data
	w.mu.Unlock()
	return len(p), nil
}

// applyANSIMarkup rewrites tview-style color tags into ANSI escapes, or
// strips them when color is off, so one markup vocabulary serves both
// renderers.
func applyANSIMarkup(line string, enableColor bool) string {
	if line == "" {
		return line
	}
	if enableColor {
		hasMarkup := strings.Contains(line, "[")
		line = ansiColorReplacer.Replace(line)
		if hasMarkup {
			line += resetANSI
		}
		return line
	}
	return ansiStripReplacer.Replace(line)
}

const resetANSI = "\x1b[0m"

var ansiColorReplacer = strings.NewReplacer(
	"[red]", "\x1b[31m",
	"[green]", "\x1b[32m",
	"[yellow]", "\x1b[33m",
	"[blue]", "\x1b[34m",
	"[magenta]", "\x1b[35m",
	"[cyan]", "\x1b[36m",
	"[white]", "\x1b[37m",
	"[-]", resetANSI,
)

var ansiStripReplacer = strings.NewReplacer(
	"[red]", "",
	"[green]", "",
	"[yellow]", "",
	"[blue]", "",
	"[magenta]", "",
	"[cyan]", "",
	"[white]", "",
	"[-]", "",
)
