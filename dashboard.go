package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"canwatch/config"
	"canwatch/ui"
)

// dashboard renders the full-screen layout when a compatible terminal is
// available: a stats header, a scrolling pane of captured frames, the latest
// timing report, and the system log.
type dashboard struct {
	app         *tview.Application
	statsView   *tview.TextView
	frameView   *tview.TextView
	reportView  *tview.TextView
	systemView  *tview.TextView
	frameLines  []string
	systemLines []string
	frameMax    int
	systemMax   int
	paneMu      sync.Mutex
	statsMu     sync.Mutex
	events      chan paneEvent
	done        chan struct{}
	closed      atomic.Bool
	ready       chan struct{}
}

type paneType int

const (
	paneFrame paneType = iota
	paneSystem
)

type paneEvent struct {
	pane paneType
	line string
}

func newDashboard(uiCfg config.UIConfig, enable bool, metrics *ui.Metrics) *dashboard {
	if !enable {
		return nil
	}

	statsLines := uiCfg.PaneLines.Stats
	if statsLines <= 0 {
		statsLines = 4
	}
	frameMax := uiCfg.PaneLines.Frames
	if frameMax <= 0 {
		frameMax = 8
	}
	reportLines := uiCfg.PaneLines.Report
	if reportLines <= 0 {
		reportLines = 12
	}
	systemMax := uiCfg.PaneLines.System
	if systemMax <= 0 {
		systemMax = 6
	}

	makePane := func(title string) *tview.TextView {
		tv := tview.NewTextView().
			SetDynamicColors(true).
			SetWrap(false)
		tv.SetBorder(true)
		tv.SetTitle(" " + title + " ")
		tv.SetTitleAlign(tview.AlignLeft)
		return tv
	}

	stats := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	stats.SetTextColor(tcell.ColorYellow)
	framePane := makePane("Frames")
	reportPane := makePane("Timing Report")
	systemPane := makePane("System")
	systemPane.SetTextColor(tcell.ColorYellow)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stats, statsLines, 0, false).
		AddItem(framePane, frameMax+2, 0, false).
		AddItem(reportPane, reportLines+2, 0, false).
		AddItem(systemPane, systemMax+2, 0, false).
		AddItem(tview.NewBox(), 0, 1, false)

	app := tview.NewApplication().SetRoot(layout, true).EnableMouse(false)
	ready := make(chan struct{})
	var once sync.Once
	// Both draw hooks run on tview's draw goroutine, so the shared start time
	// needs no locking.
	var drawStart time.Time
	app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		once.Do(func() { close(ready) })
		drawStart = time.Now()
		return false
	})
	app.SetAfterDrawFunc(func(screen tcell.Screen) {
		metrics.ObserveRender(time.Since(drawStart))
	})
	d := &dashboard{
		app:        app,
		statsView:  stats,
		frameView:  framePane,
		reportView: reportPane,
		systemView: systemPane,
		frameMax:   frameMax,
		systemMax:  systemMax,
		events:     make(chan paneEvent, 256),
		done:       make(chan struct{}),
		ready:      ready,
	}

	// Dedicated flusher so the capture path can drop instead of blocking
	// when the UI lags.
	go d.runEventLoop()

	go func() {
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard error: %v\n", err)
		}
	}()

	return d
}

// Stop tears down the renderer. The events channel stays open so late frames
// from the capture path land in the buffer and get dropped, never panicking
// on a closed channel.
func (d *dashboard) Stop() {
	if d == nil || d.app == nil {
		return
	}
	if d.closed.CompareAndSwap(false, true) {
		close(d.done)
		d.app.Stop()
	}
}

func (d *dashboard) WaitReady() {
	if d == nil || d.ready == nil {
		return
	}
	<-d.ready
}

func (d *dashboard) SetStats(lines []string) {
	if d == nil {
		return
	}
	d.statsMu.Lock()
	text := strings.Join(lines, "\n")
	d.statsMu.Unlock()
	d.app.QueueUpdateDraw(func() {
		d.statsView.SetText(text)
	})
}

// SetReport replaces the timing report pane wholesale; the analyzer publishes
// a fresh table every cycle rather than appending.
func (d *dashboard) SetReport(lines []string) {
	if d == nil {
		return
	}
	text := strings.Join(lines, "\n")
	d.app.QueueUpdateDraw(func() {
		d.reportView.SetText(text)
		d.reportView.ScrollToBeginning()
	})
}

func (d *dashboard) AppendFrame(line string) {
	d.enqueue(paneFrame, line)
}

func (d *dashboard) AppendSystem(line string) {
	d.enqueue(paneSystem, line)
}

func (d *dashboard) enqueue(p paneType, line string) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.events <- paneEvent{pane: p, line: line}:
	default:
		// Drop on saturation; the frame pane is a live view, not a record.
	}
}

func (d *dashboard) SystemWriter() io.Writer {
	if d == nil {
		return nil
	}
	return &paneWriter{view: d.systemView, app: d.app}
}

type paneWriter struct {
	view *tview.TextView
	app  *tview.Application
}

func (w *paneWriter) Write(p []byte) (int, error) {
	if w == nil || w.view == nil {
		return len(p), nil
	}
	text := string(p)
	if w.app == nil {
		fmt.Fprint(w.view, text)
		return len(p), nil
	}
	w.app.QueueUpdateDraw(func() {
		fmt.Fprint(w.view, text)
		w.view.ScrollToEnd()
	})
	return len(p), nil
}

func (d *dashboard) runEventLoop() {
	if d == nil {
		return
	}
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.events:
			d.appendLine(ev.pane, ev.line)
		}
	}
}

func (d *dashboard) appendLine(p paneType, line string) {
	if d == nil {
		return
	}
	tsLine := time.Now().Format("2006/01/02 15:04:05 ") + line

	d.paneMu.Lock()
	buf := &d.frameLines
	view := d.frameView
	limit := d.frameMax
	if p == paneSystem {
		buf = &d.systemLines
		view = d.systemView
		limit = d.systemMax
	}
	*buf = append(*buf, tsLine)
	if len(*buf) > limit {
		*buf = (*buf)[len(*buf)-limit:]
	}
	text := strings.Join(*buf, "\n")
	d.paneMu.Unlock()

	if view == nil || d.app == nil {
		return
	}
	d.app.QueueUpdateDraw(func() {
		view.SetText(text)
		view.ScrollToEnd()
	})
}
