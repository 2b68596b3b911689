package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"canwatch/catalog"
	"canwatch/config"
	"canwatch/msglog"
	"canwatch/msgtree"
	"canwatch/report"
	"canwatch/stats"
	"canwatch/ui"
)

// cycleSource supplies per-ID bus timestamps for an analysis window. The
// archive writer implements it; tests substitute fixtures.
type cycleSource interface {
	CycleData(since time.Time) (map[uint32][]float64, error)
}

// runSink persists finished analysis runs.
type runSink interface {
	Append(rep *report.Report) error
	PruneOlderThan(cutoff time.Time) (int64, error)
}

// noticeBroadcaster pushes one-line notices to the connected consoles.
type noticeBroadcaster interface {
	BroadcastNotice(line string)
}

// analysisSnapshot pairs the index and report of one completed run so
// readers always see a matching pair.
type analysisSnapshot struct {
	tree *msgtree.Tree
	rep  *report.Report
}

// analysisScheduler rebuilds the message index from the archived window on a
// fixed cadence and fans the resulting report out to the history store, the
// CSV exports, the consoles, and the dashboard.
type analysisScheduler struct {
	interval  time.Duration
	window    time.Duration
	bus       string
	outputDir string
	writeCSV  bool
	retention time.Duration

	source  cycleSource
	periods map[uint32]int64
	cat     *catalog.Catalog
	hist    runSink
	console noticeBroadcaster
	surface uiSurface
	metrics *ui.Metrics
	tracker *stats.Tracker

	current atomic.Pointer[analysisSnapshot]
	wg      sync.WaitGroup
}

// analyzerDeps collects the pipeline collaborators. Any of them may be nil
// except Source; the scheduler then skips the corresponding output.
type analyzerDeps struct {
	Source  cycleSource
	Periods map[uint32]int64
	Catalog *catalog.Catalog
	History runSink
	Console noticeBroadcaster
	Surface uiSurface
	Metrics *ui.Metrics
	Tracker *stats.Tracker
	Bus     string
	// HistoryRetention bounds how far back stored runs are kept; zero
	// disables pruning.
	HistoryRetention time.Duration
}

func newAnalysisScheduler(cfg config.AnalysisConfig, deps analyzerDeps) *analysisScheduler {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	return &analysisScheduler{
		interval:  interval,
		window:    window,
		bus:       deps.Bus,
		outputDir: strings.TrimSpace(cfg.OutputDir),
		writeCSV:  cfg.WriteCSV,
		retention: deps.HistoryRetention,
		source:    deps.Source,
		periods:   deps.Periods,
		cat:       deps.Catalog,
		hist:      deps.History,
		console:   deps.Console,
		surface:   deps.Surface,
		metrics:   deps.Metrics,
		tracker:   deps.Tracker,
	}
}

// SetNoticeTarget wires the console broadcaster after construction. The
// console server needs the command processor, which needs this scheduler's
// snapshots, so the target arrives late. Call before Start.
func (a *analysisScheduler) SetNoticeTarget(b noticeBroadcaster) {
	if a == nil {
		return
	}
	a.console = b
}

// Start launches the cadence loop. The first run fires after one full
// interval so the capture window has data in it.
func (a *analysisScheduler) Start(ctx context.Context) {
	if a == nil || a.source == nil {
		return
	}
	a.wg.Add(1)
	go a.run(ctx)
}

func (a *analysisScheduler) Wait() {
	if a == nil {
		return
	}
	a.wg.Wait()
}

func (a *analysisScheduler) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := a.runOnce(now); err != nil {
				log.Printf("Analysis failed: %v", err)
			}
		}
	}
}

// CurrentReport returns the report of the latest completed run, or nil
// before the first one.
func (a *analysisScheduler) CurrentReport() *report.Report {
	if a == nil {
		return nil
	}
	if snap := a.current.Load(); snap != nil {
		return snap.rep
	}
	return nil
}

// CurrentTree returns the index of the latest completed run. The nil tree
// is the valid empty index, so callers need no guard.
func (a *analysisScheduler) CurrentTree() *msgtree.Tree {
	if a == nil {
		return nil
	}
	if snap := a.current.Load(); snap != nil {
		return snap.tree
	}
	return nil
}

// runOnce performs a single analysis pass over the window ending at now.
func (a *analysisScheduler) runOnce(now time.Time) error {
	started := time.Now()
	stamps, err := a.source.CycleData(now.Add(-a.window))
	if err != nil {
		return fmt.Errorf("cycle data: %w", err)
	}

	periods, observed, uncataloged := intersectStreams(a.periods, stamps)
	tree, err := msgtree.Build(periods, observed)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	rep := report.Build(tree, a.cat, report.Meta{
		Bus:       a.bus,
		WindowSec: int(a.window / time.Second),
	})
	a.current.Store(&analysisSnapshot{tree: tree, rep: rep})

	if a.hist != nil {
		if err := a.hist.Append(rep); err != nil {
			log.Printf("History append failed: %v", err)
		} else if a.retention > 0 {
			if _, err := a.hist.PruneOlderThan(now.Add(-a.retention)); err != nil {
				log.Printf("History prune failed: %v", err)
			}
		}
	}

	if a.writeCSV && a.outputDir != "" {
		a.exportCSV(rep)
	}

	elapsed := time.Since(started)
	a.metrics.ObserveAnalysis(elapsed)
	if a.tracker != nil {
		a.tracker.IncrementAnalyses()
	}

	if a.console != nil {
		a.console.BroadcastNotice(summarizeRun(rep, len(stamps), elapsed))
	}
	if a.surface != nil {
		a.surface.SetReport(reportPaneLines(rep))
	}
	debugf("analysis: %d ids observed (%d uncataloged), %d indexed, window %s",
		len(stamps), uncataloged, tree.Size(), a.window)
	return nil
}

// intersectStreams aligns the observed window with the catalog. Every
// cataloged ID survives: silent streams keep an empty sequence, which is
// how a stopped transmitter surfaces in the report with frequency zero.
// Observed IDs without a catalog entry drop out; their count is returned
// for diagnostics.
func intersectStreams(periods map[uint32]int64, stamps map[uint32][]float64) (map[uint32]int64, map[uint32][]float64, int) {
	p := make(map[uint32]int64, len(periods))
	s := make(map[uint32][]float64, len(periods))
	for id, period := range periods {
		p[id] = period
		if ts, ok := stamps[id]; ok {
			s[id] = ts
		} else {
			s[id] = []float64{}
		}
	}
	uncataloged := 0
	for id := range stamps {
		if _, ok := periods[id]; !ok {
			uncataloged++
		}
	}
	return p, s, uncataloged
}

// exportCSV writes the latest-run metric files. Failures are logged, not
// fatal: the next cycle overwrites them anyway.
func (a *analysisScheduler) exportCSV(rep *report.Report) {
	if err := os.MkdirAll(a.outputDir, 0755); err != nil {
		log.Printf("Report export: create %s: %v", a.outputDir, err)
		return
	}
	if err := msglog.WriteReport(filepath.Join(a.outputDir, "accuracy.csv"), rep.AccuracyMap()); err != nil {
		log.Printf("Report export: %v", err)
	}
	if err := msglog.WriteReport(filepath.Join(a.outputDir, "frequency.csv"), rep.FrequencyMap()); err != nil {
		log.Printf("Report export: %v", err)
	}
}

// summarizeRun builds the console notice for one run: stream counts plus the
// worst scorer, which is usually the line an operator acts on.
func summarizeRun(rep *report.Report, observedIDs int, elapsed time.Duration) string {
	if rep == nil || len(rep.Entries) == 0 {
		return fmt.Sprintf("Analysis: no periodic streams in window (%d ids seen)", observedIDs)
	}
	worst := rep.Entries[len(rep.Entries)-1]
	return fmt.Sprintf("Analysis: %d streams scored in %s; worst %s off by %.2fms",
		len(rep.Entries), elapsed.Round(time.Millisecond), report.FormatID(worst.ID), worst.Accuracy)
}

// reportPaneLines renders the dashboard's report pane: a header plus the
// top-ranked rows.
func reportPaneLines(rep *report.Report) []string {
	if rep == nil {
		return nil
	}
	return strings.Split(strings.TrimRight(rep.RenderTop(10), "\n"), "\n")
}
