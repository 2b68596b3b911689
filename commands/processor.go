// Package commands implements the command processor used by console
// sessions. It parses one line at a time and renders replies from the
// shared pipeline state: the live analysis snapshot, the recent-frame ring,
// the history store, and the stats tracker.
package commands

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"canwatch/buffer"
	"canwatch/frame"
	"canwatch/msgtree"
	"canwatch/report"
	"canwatch/stats"
)

// snapshotSource is the minimal interface the analysis scheduler exposes
// for read paths.
type snapshotSource interface {
	CurrentReport() *report.Report
	CurrentTree() *msgtree.Tree
}

// baselineStore is the minimal interface the history layer exposes to the
// console.
type baselineStore interface {
	Baseline(name string) (*report.Report, error)
	Baselines() ([]string, error)
	SaveBaseline(name string, rep *report.Report) error
}

// Processor handles console command parsing and replies that rely on
// shared state.
type Processor struct {
	frames  *buffer.RingBuffer
	snap    snapshotSource
	history baselineStore
	tracker *stats.Tracker
}

// commandNames lists the full command forms for HELP and for nearest-match
// suggestions on typos.
var commandNames = []string{
	"HELP",
	"SHOW/REPORT",
	"SHOW/RANK",
	"SHOW/ID",
	"SHOW/TREE",
	"SHOW/RECENT",
	"SHOW/STATS",
	"SHOW/BASELINE",
	"SHOW/DRIFT",
	"SET/BASELINE",
	"BYE",
}

// NewProcessor wires the processor to the shared pipeline state. Any
// collaborator may be nil; the affected commands then reply with a short
// "not enabled" notice instead of data.
func NewProcessor(frames *buffer.RingBuffer, snap snapshotSource, history baselineStore, tracker *stats.Tracker) *Processor {
	return &Processor{
		frames:  frames,
		snap:    snap,
		history: history,
		tracker: tracker,
	}
}

// ProcessCommand parses a single console command and returns the response
// text to write back to the client. A response of "BYE" signals the caller
// to close the session.
func (p *Processor) ProcessCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)

	// Empty command
	if cmd == "" {
		return ""
	}

	parts := strings.Fields(strings.ToUpper(cmd))
	verb, sub, _ := strings.Cut(parts[0], "/")
	args := parts[1:]

	// Accept both "SHOW/REPORT 5" and "SHOW REPORT 5".
	if sub == "" && (verb == "SH" || verb == "SHOW" || verb == "SET") && len(args) > 0 {
		sub = args[0]
		args = args[1:]
	}

	switch verb {
	case "HELP", "H":
		return p.handleHelp()
	case "SH", "SHOW":
		if sub == "" {
			return "Usage: SHOW/<REPORT|RANK|ID|TREE|RECENT|STATS|BASELINE|DRIFT>\n"
		}
		return p.handleShow(sub, args)
	case "SET":
		if sub == "" {
			return "Usage: SET/BASELINE <name>\n"
		}
		if sub == "BASELINE" {
			return p.handleSetBaseline(args)
		}
		return p.handleUnknown("SET/" + sub)
	case "BYE", "QUIT", "EXIT":
		return "BYE"
	default:
		return p.handleUnknown(parts[0])
	}
}

// handleHelp returns help text for the console commands.
func (p *Processor) handleHelp() string {
	return `Available commands:
HELP                 - Show this help
SHOW/REPORT [n]      - Show the ranked cycle report (default: top 20)
SHOW/RANK            - Show the accuracy ranking, best stream first
SHOW/ID <canid>      - Show one message stream in detail (hex ID)
SHOW/TREE            - Show the shape of the message index
SHOW/RECENT [n]      - Show last N captured frames (default: 10)
SHOW/STATS           - Show pipeline counters
SHOW/BASELINE        - List saved baselines
SHOW/DRIFT <name>    - Compare the current report against a baseline
SET/BASELINE <name>  - Save the current report as a named baseline
BYE                  - Disconnect

Examples:
	SHOW/REPORT 5
	SHOW/ID 1A0
	SET/BASELINE nightly
	SHOW/DRIFT nightly
`
}

// handleShow routes SHOW subcommands.
func (p *Processor) handleShow(sub string, args []string) string {
	switch sub {
	case "REPORT":
		return p.handleShowReport(args)
	case "RANK":
		return p.handleShowRank()
	case "ID":
		return p.handleShowID(args)
	case "TREE":
		return p.handleShowTree()
	case "RECENT":
		return p.handleShowRecent(args)
	case "STATS":
		return p.handleShowStats()
	case "BASELINE", "BASELINES":
		return p.handleShowBaselines()
	case "DRIFT":
		return p.handleShowDrift(args)
	default:
		return p.handleUnknown("SHOW/" + sub)
	}
}

// handleShowReport renders the current report truncated to the requested
// number of rows.
func (p *Processor) handleShowReport(args []string) string {
	count := 20 // Default count

	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > 500 {
			return "Invalid count. Use 1-500.\n"
		}
		count = n
	}

	return crlf(p.currentReport().RenderTop(count))
}

// handleShowRank renders the compact accuracy ranking.
func (p *Processor) handleShowRank() string {
	rep := p.currentReport()
	if rep == nil || len(rep.Entries) == 0 {
		return "No analysis report available yet.\n"
	}

	var b strings.Builder
	b.WriteString("Accuracy ranking (best first, scores in ms):\r\n")
	for i, e := range rep.Entries {
		fmt.Fprintf(&b, "%3d. %-12s %-22s %9.3f\r\n", i+1, report.FormatID(e.ID), e.Name, e.Accuracy)
	}
	return b.String()
}

// handleShowID renders one stream in detail: its report entry plus the most
// recent raw frames carrying that CAN ID.
func (p *Processor) handleShowID(args []string) string {
	if len(args) == 0 {
		return "Usage: SHOW/ID <canid> (hex, e.g. 1A0 or 0x1A0)\n"
	}

	id, err := parseCANID(args[0])
	if err != nil {
		return fmt.Sprintf("Invalid CAN ID %q. Use hex, e.g. 1A0 or 0x18FEF100.\n", args[0])
	}

	var b strings.Builder
	if entry, ok := p.currentReport().Find(id); ok {
		fmt.Fprintf(&b, "%s  %s\r\n", report.FormatID(entry.ID), entry.Name)
		fmt.Fprintf(&b, "  period    %dms\r\n", entry.PeriodMS)
		fmt.Fprintf(&b, "  frames    %d\r\n", entry.Frequency)
		fmt.Fprintf(&b, "  accuracy  %.3f\r\n", entry.Accuracy)
		fmt.Fprintf(&b, "  gaps      mean=%+.3f stddev=%.3f p95=%.3f worst=%.3f\r\n",
			entry.MeanGap, entry.StdDev, entry.P95AbsGap, entry.WorstAbsGap)
	}

	if p.frames != nil {
		if recent := p.frames.GetRecentByCANID(id, 5); len(recent) > 0 {
			// Display oldest first, like SHOW/RECENT.
			reverseFramesInPlace(recent)
			b.WriteString("Recent frames:\r\n")
			for _, f := range recent {
				fmt.Fprintf(&b, "  %s\r\n", f)
			}
		}
	}

	if b.Len() == 0 {
		return fmt.Sprintf("No data for %s.\n", report.FormatID(id))
	}
	return b.String()
}

// parseCANID parses a CAN identifier in the usual hex notation, with or
// without the 0x prefix.
func parseCANID(token string) (uint32, error) {
	text := strings.TrimPrefix(strings.TrimPrefix(token, "0X"), "0x")
	id, err := strconv.ParseUint(text, 16, 32)
	if err != nil {
		return 0, err
	}
	if id > frame.MaxExtendedID {
		return 0, fmt.Errorf("identifier %X outside the 29-bit range", id)
	}
	return uint32(id), nil
}

// handleShowTree renders the index shape.
func (p *Processor) handleShowTree() string {
	var tree *msgtree.Tree
	if p.snap != nil {
		tree = p.snap.CurrentTree()
	}
	if tree.IsEmpty() {
		return "Index is empty.\n"
	}
	header := fmt.Sprintf("Index: %d streams, depth %d\r\n", tree.Size(), tree.Depth())
	return header + crlf(tree.String())
}

// handleShowRecent renders the most recent captured frames, oldest first.
func (p *Processor) handleShowRecent(args []string) string {
	count := 10 // Default count

	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > 100 {
			return "Invalid count. Use 1-100.\n"
		}
		count = n
	}

	if p.frames == nil {
		return "Frame buffer is not enabled.\n"
	}
	frames := p.frames.GetRecent(count)
	if len(frames) == 0 {
		return "No frames captured yet.\n"
	}

	// Display oldest first so the most recent frame is last in the list.
	reverseFramesInPlace(frames)

	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f.String())
		b.WriteString("\r\n")
	}
	return b.String()
}

// handleShowStats renders the pipeline counters.
func (p *Processor) handleShowStats() string {
	if p.tracker == nil {
		return "Statistics are not enabled.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\r\n", p.tracker.GetUptime().Round(time.Second))
	for _, line := range p.tracker.SnapshotLines() {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

// handleShowBaselines lists the saved baselines with their run context.
func (p *Processor) handleShowBaselines() string {
	if p.history == nil {
		return "History store is not enabled.\n"
	}
	names, err := p.history.Baselines()
	if err != nil {
		log.Printf("SHOW BASELINE: list failed: %v", err)
		return "Baseline list unavailable.\n"
	}
	if len(names) == 0 {
		return "No baselines saved. Use SET/BASELINE <name>.\n"
	}

	var b strings.Builder
	b.WriteString("Saved baselines:\r\n")
	for _, name := range names {
		rep, err := p.history.Baseline(name)
		if err != nil || rep == nil {
			fmt.Fprintf(&b, "  %-16s (unreadable)\r\n", name)
			continue
		}
		fmt.Fprintf(&b, "  %-16s %d messages, generated %s\r\n",
			name, len(rep.Entries), rep.GeneratedAt.Format("2006-01-02 15:04:05 UTC"))
	}
	return b.String()
}

// handleShowDrift compares the current report against a named baseline.
func (p *Processor) handleShowDrift(args []string) string {
	if len(args) == 0 {
		return "Usage: SHOW/DRIFT <name>\n"
	}
	if p.history == nil {
		return "History store is not enabled.\n"
	}

	base, err := p.history.Baseline(args[0])
	if err != nil {
		log.Printf("SHOW DRIFT: baseline read failed: %v", err)
		return "Baseline unavailable.\n"
	}
	if base == nil {
		return fmt.Sprintf("No baseline named %s. Use SHOW/BASELINE to list.\n", args[0])
	}
	cur := p.currentReport()
	if cur == nil || len(cur.Entries) == 0 {
		return "No analysis report available yet.\n"
	}

	return crlf(report.RenderDrift(report.Diff(base, cur)))
}

// handleSetBaseline saves the current report under a name.
func (p *Processor) handleSetBaseline(args []string) string {
	if len(args) == 0 {
		return "Usage: SET/BASELINE <name>\n"
	}
	if p.history == nil {
		return "History store is not enabled.\n"
	}
	rep := p.currentReport()
	if rep == nil || len(rep.Entries) == 0 {
		return "No analysis report available yet.\n"
	}

	name := args[0]
	if err := p.history.SaveBaseline(name, rep); err != nil {
		log.Printf("SET BASELINE: save failed: %v", err)
		return fmt.Sprintf("Could not save baseline %s.\n", name)
	}
	return fmt.Sprintf("Baseline %s saved (%d messages).\n", name, len(rep.Entries))
}

// handleUnknown answers a typo with the nearest known command.
func (p *Processor) handleUnknown(token string) string {
	if suggestion, ok := nearestCommand(token); ok {
		return fmt.Sprintf("Unknown command: %s\nDid you mean %s?\n", token, suggestion)
	}
	return fmt.Sprintf("Unknown command: %s\nType HELP for available commands.\n", token)
}

// nearestCommand returns the known command closest to the input. The match
// only counts when the edit distance is small relative to the input, so a
// random token does not produce an absurd suggestion.
func nearestCommand(token string) (string, bool) {
	best := ""
	bestDist := -1
	for _, name := range commandNames {
		d := levenshtein.ComputeDistance(token, name)
		if bestDist == -1 || d < bestDist {
			best, bestDist = name, d
		}
	}
	limit := len(token) / 2
	if limit < 2 {
		limit = 2
	}
	if bestDist > limit {
		return "", false
	}
	return best, true
}

func (p *Processor) currentReport() *report.Report {
	if p.snap == nil {
		return nil
	}
	return p.snap.CurrentReport()
}

// crlf rewrites bare newlines as CRLF for raw console sockets.
func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// reverseFramesInPlace flips the order of the provided slice so callers can
// present chronological output even when sources return newest-first.
func reverseFramesInPlace(frames []*frame.Frame) {
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
}
