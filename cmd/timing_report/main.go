// timing_report runs the offline analysis flow: read a periods/log CSV pair
// (or an expected-period catalog plus a log), build the message index, print
// the ranked timing table, and optionally write the accuracy and frequency
// CSVs next to it.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"canwatch/catalog"
	"canwatch/msglog"
	"canwatch/msgtree"
	"canwatch/report"
)

func main() {
	var (
		periodsPath = flag.String("periods", "", "periods CSV (message_id,period_ms)")
		logPath     = flag.String("log", "", "timestamp log CSV (timestamp_ms,message_id)")
		catalogPath = flag.String("catalog", "", "expected-period catalog plist, instead of -periods")
		outDir      = flag.String("out-dir", "", "write accuracy.csv and frequency.csv into this directory")
		top         = flag.Int("top", 0, "print only the N best-ranked streams (0 = all)")
		busName     = flag.String("bus", "batch", "bus label recorded in the report")
	)
	flag.Parse()

	if *logPath == "" {
		log.Fatal("timing_report: -log is required")
	}
	if *periodsPath == "" && *catalogPath == "" {
		log.Fatal("timing_report: one of -periods or -catalog is required")
	}
	if *periodsPath != "" && *catalogPath != "" {
		log.Fatal("timing_report: -periods and -catalog are mutually exclusive")
	}

	var cat *catalog.Catalog
	if *catalogPath != "" {
		loaded, err := catalog.Load(*catalogPath)
		if err != nil {
			log.Fatalf("timing_report: %v", err)
		}
		cat = loaded
	}

	tree, err := buildIndex(*periodsPath, *logPath, cat)
	if err != nil {
		log.Fatalf("timing_report: %v", err)
	}
	if tree.IsEmpty() {
		log.Println("timing_report: no indexed streams (empty inputs)")
	}

	rep := report.Build(tree, cat, report.Meta{Bus: *busName})
	if *top > 0 {
		fmt.Print(rep.RenderTop(*top))
	} else {
		fmt.Print(rep.RenderText())
	}

	if *outDir != "" {
		accPath, freqPath, err := writeReports(*outDir, tree)
		if err != nil {
			log.Fatalf("timing_report: %v", err)
		}
		log.Printf("timing_report: wrote %s and %s", accPath, freqPath)
	}
}

// buildIndex resolves the two input modes: an explicit periods CSV, or an
// expected-period catalog standing in for one. Event-driven catalog entries
// carry no cycle time and never enter the index.
func buildIndex(periodsPath, logPath string, cat *catalog.Catalog) (*msgtree.Tree, error) {
	if cat != nil {
		periods := cat.PeriodMap()
		stamps, err := msglog.ReadTimestamps(logPath, periods)
		if err != nil {
			return nil, err
		}
		return msgtree.Build(periods, stamps)
	}
	return msglog.BuildFromFiles(periodsPath, logPath)
}

// writeReports drops accuracy.csv and frequency.csv into dir, creating it if
// needed, and returns the two paths.
func writeReports(dir string, tree *msgtree.Tree) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	accPath := filepath.Join(dir, "accuracy.csv")
	if err := msglog.WriteReport(accPath, tree.AccuracyReport()); err != nil {
		return "", "", err
	}
	freqPath := filepath.Join(dir, "frequency.csv")
	if err := msglog.WriteReport(freqPath, tree.AllFrequencies()); err != nil {
		return "", "", err
	}
	return accPath, freqPath, nil
}
