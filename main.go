// Program canwatch wires together the capture clients (socketcand gateways,
// MQTT bridge), the dedup stage, persistence layers (ring buffer, frame
// archive, run history), the timing analyzer, and the telnet console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"canwatch/archive"
	"canwatch/buffer"
	"canwatch/catalog"
	"canwatch/commands"
	"canwatch/config"
	"canwatch/dedup"
	"canwatch/frame"
	"canwatch/history"
	"canwatch/mqttfeed"
	"canwatch/socketcand"
	"canwatch/stats"
	"canwatch/telnet"
	"canwatch/ui"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "CANWATCH_CONFIG_PATH"

	defaultStatsInterval = 30 * time.Second

	// startupVerifyBudget bounds the history integrity scan so a large store
	// cannot stall the daemon on start.
	startupVerifyBudget = 5 * time.Second
)

// Version will be set at build time
var Version = "dev"

// historyCheckpointBusy guards against overlapping checkpoint copies when log
// rotations arrive faster than the store can snapshot.
var historyCheckpointBusy atomic.Bool

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// loadDaemonConfig tries the -config override first, then the env override,
// then the default fragment directory. Returns the config and the path it
// came from.
func loadDaemonConfig(override string) (*config.Config, string, error) {
	candidates := []string{}
	if override = strings.TrimSpace(override); override != "" {
		candidates = append(candidates, override)
	}
	if env := strings.TrimSpace(os.Getenv(envConfigPath)); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, dir := range candidates {
		cfg, err := config.Load(dir)
		if err == nil {
			return cfg, dir, nil
		}
		lastErr = err
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		// Parse and validation errors are worth stopping on; a typo in one
		// fragment should not silently fall through to another directory.
		return nil, dir, err
	}
	return nil, "", fmt.Errorf("unable to load config; tried %s (last error: %v)",
		strings.Join(candidates, ", "), lastErr)
}

func main() {
	configFlag := flag.String("config", "", "configuration directory (overrides "+envConfigPath+")")
	versionFlag := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("canwatch v%s\n", Version)
		return
	}

	cfg, configSource, err := loadDaemonConfig(*configFlag)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	// Route all logging through the fanout before anything else logs so the
	// daily file sees the startup sequence too. Sinks stamp their own
	// timestamps.
	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Warning: file logging unavailable: %v", logErr)
	}
	log.Printf("Loaded configuration from %s", configSource)

	tracker := stats.NewTracker()
	metrics := ui.NewMetrics()

	uiMode := strings.ToLower(strings.TrimSpace(cfg.UI.Mode))
	renderable := isStdoutTTY()

	var surface uiSurface
	switch uiMode {
	case "headless", "":
		// Plain log stream; nothing to set up.
	case "tview":
		if renderable {
			surface = newDashboard(cfg.UI, true, metrics)
		} else {
			log.Println("UI disabled: tview mode needs an interactive terminal")
		}
	case "ansi":
		if renderable {
			surface = newANSIConsole(cfg.UI, true, metrics)
		} else {
			log.Println("UI disabled: ansi mode needs an interactive terminal")
		}
	default:
		log.Printf("UI mode %q not recognized; defaulting to headless", cfg.UI.Mode)
	}

	if surface != nil {
		surface.WaitReady()
		defer surface.Stop()
		// Stdout now belongs to the renderer; log lines move to the system
		// pane. The pane writer takes raw text, so the sink adds timestamps.
		fanout.SetConsoleSink(surface.SystemWriter(), true)
		surface.SetStats([]string{"Initializing..."})
	}

	log.Printf("canwatch v%s starting...", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if surface == nil {
		cfg.Print()
	} else {
		log.Printf("Config: console :%d, %d gateway(s), mqtt=%v, archive=%v, history=%v",
			cfg.Console.Port, len(cfg.Gateways), cfg.MQTT.Enabled, cfg.Archive.Enabled, cfg.History.Enabled)
	}

	// Expected-period catalog. Without it the analyzer has no periodic
	// streams to score, so runs will come back empty.
	var cat *catalog.Catalog
	if cfg.Catalog.Enabled {
		loaded, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			log.Printf("Warning: failed to load catalog: %v", err)
		} else {
			cat = loaded
			log.Printf("Catalog: %d messages, %d with expected periods (%s)",
				cat.Size(), len(cat.PeriodMap()), cfg.Catalog.Path)
		}
	} else {
		log.Println("Catalog disabled; analysis runs will have no expected periods")
	}

	frames := buffer.NewRingBuffer(cfg.Buffer.Size)
	log.Printf("Ring buffer: %s frames", humanize.Comma(int64(cfg.Buffer.Size)))

	// A zero window keeps the pipeline topology but suppresses nothing.
	dedupWindow := time.Duration(cfg.Dedup.WindowMS) * time.Millisecond
	if !cfg.Dedup.Enabled {
		dedupWindow = 0
	}
	deduplicator := dedup.NewDeduplicator(dedupWindow, cfg.Buffer.Size)
	deduplicator.Start()

	var throttle *dedup.Throttle
	if cfg.Throttle.Enabled {
		throttle = dedup.NewThrottle(time.Duration(cfg.Throttle.WindowMS)*time.Millisecond, cfg.Throttle.ForwardOnChange)
		throttle.Start()
	}

	var archiveWriter *archive.Writer
	if cfg.Archive.Enabled {
		w, err := archive.NewWriter(cfg.Archive)
		if err != nil {
			log.Fatalf("Error opening frame archive: %v", err)
		}
		archiveWriter = w
		archiveWriter.Start()
		log.Printf("Archive: %s (retention %dh)", cfg.Archive.DBPath, cfg.Archive.RetentionHours)
	} else {
		log.Println("Archive disabled; the analyzer has no cycle data to read")
	}

	var historyStore *history.Store
	if cfg.History.Enabled {
		st, err := history.Open(cfg.History.Path, history.OptionsFromConfig(cfg.History))
		if err != nil {
			log.Fatalf("Error opening history store: %v", err)
		}
		historyStore = st
		if integ, err := historyStore.Verify(ctx, startupVerifyBudget); err != nil {
			log.Printf("Warning: history verify: %v", err)
		} else {
			log.Printf("History: %d runs, %d baselines verified in %s",
				integ.Runs, integ.Baselines, integ.Duration.Round(time.Millisecond))
		}
		fanout.SetRotateHook(func(prevDate time.Time, prevPath, newPath string) {
			checkpointHistoryOnRotate(historyStore, cfg.History.Path, prevDate)
		})
	}

	deps := analyzerDeps{
		Periods: cat.PeriodMap(),
		Catalog: cat,
		Surface: surface,
		Metrics: metrics,
		Tracker: tracker,
		Bus:     captureBusLabel(cfg),
	}
	// Assign concrete pointers only when non-nil so the scheduler's own nil
	// checks see a nil interface, not a typed one.
	if archiveWriter != nil {
		deps.Source = archiveWriter
	}
	if historyStore != nil {
		deps.History = historyStore
		deps.HistoryRetention = time.Duration(cfg.History.RetentionHours) * time.Hour
	}
	scheduler := newAnalysisScheduler(cfg.Analysis, deps)

	var processor *commands.Processor
	if historyStore != nil {
		processor = commands.NewProcessor(frames, scheduler, historyStore, tracker)
	} else {
		processor = commands.NewProcessor(frames, scheduler, nil, tracker)
	}

	consoleServer := telnet.NewServer(cfg.Console, processor, tracker)
	if err := consoleServer.Start(); err != nil {
		log.Fatalf("Error starting console server: %v", err)
	}
	log.Printf("Console: listening on %s (%d workers)", consoleServer.Addr(), consoleServer.WorkerCount())
	scheduler.SetNoticeTarget(consoleServer)

	go processFrames(deduplicator.GetOutputChannel(), frames, archiveWriter, throttle, surface)

	var gatewayClients []*socketcand.Client
	probes := make([]sourceHealthProbe, 0, len(cfg.Gateways)+1)
	for _, gw := range cfg.Gateways {
		if !gw.Enabled {
			continue
		}
		name := sourceLabel(gw.Name, fmt.Sprintf("%s:%d", gw.Host, gw.Port))
		client := socketcand.New(gw, tracker, deduplicator.GetInputChannel())
		if err := client.Start(ctx); err != nil {
			log.Printf("Warning: gateway %s unavailable (will keep retrying): %v", name, err)
		}
		gatewayClients = append(gatewayClients, client)
		probes = append(probes, gatewayHealthProbe(name, client))
	}

	var mqttClient *mqttfeed.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqttfeed.New(cfg.MQTT, tracker, deduplicator.GetInputChannel())
		if err := mqttClient.Start(); err != nil {
			log.Printf("Warning: MQTT broker unavailable (will keep retrying): %v", err)
		}
		probes = append(probes, mqttHealthProbe("mqtt", mqttClient))
	}
	if len(probes) == 0 {
		log.Println("Warning: no capture sources enabled; only archived data can be analyzed")
	}
	startSourceHealthMonitor(ctx, probes)

	scheduler.Start(ctx)

	go displayStats(defaultStatsInterval, tracker, deduplicator, throttle, archiveWriter,
		frames, consoleServer, metrics, surface, fanout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Println("canwatch is running. Press Ctrl+C to stop.")
	log.Printf("Connect via: telnet localhost %d", cfg.Console.Port)
	for _, gw := range cfg.Gateways {
		if gw.Enabled {
			log.Printf("Capturing %s from %s:%d...", gw.Name, gw.Host, gw.Port)
		}
	}
	if cfg.MQTT.Enabled {
		log.Printf("Receiving frames from mqtt://%s:%d (topic %s)...", cfg.MQTT.Broker, cfg.MQTT.Port, cfg.MQTT.Topic)
	}
	if dedupWindow > 0 {
		log.Printf("Deduplication: %dms window", cfg.Dedup.WindowMS)
	} else {
		log.Println("Deduplication bypassed; duplicate frames pass through")
	}
	log.Println("Architecture: Sources -> Dedup -> Ring Buffer + Archive -> Analyzer -> Console")
	log.Printf("Statistics will be displayed every %.0f seconds...", defaultStatsInterval.Seconds())
	log.Println("---")

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)
	log.Println("Shutting down gracefully...")

	cancel()

	for _, client := range gatewayClients {
		client.Stop()
	}
	if mqttClient != nil {
		mqttClient.Stop()
	}
	deduplicator.Stop()
	if throttle != nil {
		throttle.Stop()
	}

	// Let any in-flight analysis finish before its data sources go away.
	scheduler.Wait()
	if archiveWriter != nil {
		archiveWriter.Stop()
	}
	consoleServer.Stop()
	if historyStore != nil {
		if err := historyStore.Close(); err != nil {
			log.Printf("History close: %v", err)
		}
	}

	log.Println("canwatch stopped")
}

// processFrames drains the dedup output into the ring buffer and the archive,
// then feeds the throttled live frame pane. The dedup output channel is never
// closed, so this runs for the life of the process.
func processFrames(output <-chan *frame.Frame, frames *buffer.RingBuffer, arch *archive.Writer, throttle *dedup.Throttle, surface uiSurface) {
	for f := range output {
		frames.Add(f)
		if arch != nil {
			arch.Enqueue(f)
		}
		debugf("frame: %s", f.Candump())
		if throttle != nil && !throttle.ShouldForward(f) {
			continue
		}
		if surface != nil {
			surface.AppendFrame(f.String())
		}
	}
}

// captureBusLabel names the capture surface for report metadata: the enabled
// gateway names plus "mqtt" when the bridge is on.
func captureBusLabel(cfg *config.Config) string {
	var names []string
	for _, gw := range cfg.Gateways {
		if gw.Enabled {
			names = append(names, sourceLabel(gw.Name, fmt.Sprintf("%s:%d", gw.Host, gw.Port)))
		}
	}
	if cfg.MQTT.Enabled {
		names = append(names, "mqtt")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// checkpointHistoryOnRotate snapshots the history store when the daily log
// rolls over, leaving one consistent on-disk copy per day next to the live
// store. Skips a rotation if the previous copy is still running.
func checkpointHistoryOnRotate(store *history.Store, basePath string, date time.Time) {
	if store == nil {
		return
	}
	if !historyCheckpointBusy.CompareAndSwap(false, true) {
		log.Printf("History checkpoint still in progress; skipping %s", date.Format("2006-01-02"))
		return
	}
	go func() {
		defer historyCheckpointBusy.Store(false)
		dest := fmt.Sprintf("%s-%s", strings.TrimRight(basePath, "/"), date.Format("2006-01-02"))
		if err := store.Checkpoint(dest); err != nil {
			log.Printf("History checkpoint failed: %v", err)
			return
		}
		log.Printf("History checkpoint written to %s", dest)
	}()
}

// displayStats prints a status block on a fixed cadence, or feeds the stats
// pane when a renderer owns the terminal. It also folds the dedup and archive
// counters into the tracker so console SHOW STATS stays within one tick of
// the live numbers.
func displayStats(interval time.Duration, tracker *stats.Tracker, dedupEngine *dedup.Deduplicator,
	throttle *dedup.Throttle, arch *archive.Writer, frames *buffer.RingBuffer,
	console *telnet.Server, metrics *ui.Metrics, surface uiSurface, fanout *logFanout) {

	if interval <= 0 {
		interval = defaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var gcWindow gcPauseWindow
	prevSourceCounts := make(map[string]uint64)
	var prevDuplicates, prevInserted uint64

	for range ticker.C {
		var dedupSeen, duplicates uint64
		var dedupKeys int
		if dedupEngine != nil {
			dedupSeen, duplicates, dedupKeys = dedupEngine.GetStats()
			if duplicates > prevDuplicates {
				tracker.AddDuplicates(duplicates - prevDuplicates)
				prevDuplicates = duplicates
			}
		}

		var inserted, archDropped uint64
		if arch != nil {
			inserted = arch.Inserted()
			archDropped = arch.Dropped()
			if inserted > prevInserted {
				tracker.AddArchived(inserted - prevInserted)
				prevInserted = inserted
			}
		}

		var throttleShown, throttleSuppressed uint64
		throttleKeys := 0
		if throttle != nil {
			throttleShown, throttleSuppressed, throttleKeys = throttle.GetStats()
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		gcP99, gcCount, gcTruncated := gcWindow.sample(&mem)

		sourceCounts := tracker.GetSourceCounts()

		lines := make([]string, 0, 8)
		lines = append(lines, fmt.Sprintf("%s   %s",
			formatUptimeLine(tracker.GetUptime()),
			formatMemoryLine(&mem, frames, dedupKeys, throttleKeys))) // 1
		lines = append(lines, formatSourceRateLine(sourceCounts, prevSourceCounts, interval)) // 2
		lines = append(lines, tracker.SnapshotLines()...)                                     // 3-5
		lines = append(lines, formatFlowLine(dedupSeen, duplicates, inserted, archDropped,
			throttleShown, throttleSuppressed, throttle != nil)) // 6
		lines = append(lines, formatAnalysisLine(metrics, gcP99, gcCount, gcTruncated)) // 7
		if console != nil {
			queueDrops, clientDrops, senderFailures := console.BroadcastMetricSnapshot()
			lines = append(lines, fmt.Sprintf("Telnet: %d clients. Drops: %d (Q) / %d (C) / %d (S)",
				console.GetClientCount(), queueDrops, clientDrops, senderFailures)) // 8
		}

		prevSourceCounts = sourceCounts

		if surface != nil {
			surface.SetStats(lines)
			if fanout != nil {
				fanout.WriteFileOnlyLine("Stats: "+strings.Join(lines, " | "), time.Now())
			}
		} else {
			for _, line := range lines {
				log.Print(line)
			}
			log.Print("")
		}
	}
}

func formatUptimeLine(uptime time.Duration) string {
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	return fmt.Sprintf("Uptime: %02d:%02d", hours, minutes)
}

func formatMemoryLine(mem *runtime.MemStats, frames *buffer.RingBuffer, dedupKeys, throttleKeys int) string {
	ringMB := 0.0
	if frames != nil {
		ringMB = float64(frames.GetSizeKB()) / 1024.0
	}
	return fmt.Sprintf("Mem: %.1f MB heap / %.1f MB ring / %d dedup keys / %d throttle keys",
		bytesToMB(mem.Alloc), ringMB, dedupKeys, throttleKeys)
}

// formatSourceRateLine shows each source's running total and its rate over
// the last interval.
func formatSourceRateLine(current, previous map[string]uint64, interval time.Duration) string {
	if len(current) == 0 {
		return "Sources: none yet"
	}
	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		delta := diffCounter(current, previous, k)
		parts = append(parts, fmt.Sprintf("%s %s (%.1f/s)",
			k, humanize.Comma(int64(current[k])), float64(delta)/secs))
	}
	return "Sources: " + strings.Join(parts, " / ")
}

func formatFlowLine(dedupSeen, duplicates, inserted, archDropped, throttleShown, throttleSuppressed uint64, throttled bool) string {
	unique := dedupSeen
	if duplicates <= dedupSeen {
		unique = dedupSeen - duplicates
	}
	line := fmt.Sprintf("Flow: %s seen / %s unique / %s archived",
		humanize.Comma(int64(dedupSeen)), humanize.Comma(int64(unique)), humanize.Comma(int64(inserted)))
	if archDropped > 0 {
		line += fmt.Sprintf(" (%s dropped)", humanize.Comma(int64(archDropped)))
	}
	if throttled {
		line += fmt.Sprintf(" / pane %s shown %s muted",
			humanize.Comma(int64(throttleShown)), humanize.Comma(int64(throttleSuppressed)))
	}
	return line
}

func formatAnalysisLine(metrics *ui.Metrics, gcP99 time.Duration, gcCount int, gcTruncated bool) string {
	gcPart := "none"
	if gcCount > 0 {
		gcPart = fmt.Sprintf("p99 %s over %d", gcP99.Round(10*time.Microsecond), gcCount)
		if gcTruncated {
			gcPart += "+"
		}
	}
	renderPart := ""
	if render := metrics.RenderSnapshot(); render.N > 0 {
		renderPart = fmt.Sprintf(". Render: p99=%s", render.P99.Round(100*time.Microsecond))
	}
	snap := metrics.AnalysisSnapshot()
	if snap.N == 0 {
		return "Analysis: no runs yet. GC: " + gcPart + renderPart
	}
	return fmt.Sprintf("Analysis: %s runs, p50=%s p99=%s. GC: %s%s",
		humanize.Comma(int64(metrics.Cycles())),
		snap.P50.Round(time.Millisecond), snap.P99.Round(time.Millisecond), gcPart, renderPart)
}

// diffCounter returns the per-interval delta for one counter, tolerating a
// counter reset by falling back to the current value.
func diffCounter(current, previous map[string]uint64, key string) uint64 {
	cur := current[key]
	prev := previous[key]
	if cur >= prev {
		return cur - prev
	}
	return cur
}

func bytesToMB(b uint64) float64 {
	return float64(b) / 1000000.0
}
