// drift_report compares a stored run against a saved baseline and prints
// which streams drifted. It opens the history store read-only, so it is
// safe to point at the directory of a live canwatch process.
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"time"

	"canwatch/history"
	"canwatch/report"
)

func main() {
	var (
		storePath = flag.String("store", "data/history", "history store directory")
		baseline  = flag.String("baseline", "", "baseline name to compare against")
		runSpec   = flag.String("run", "", "run to compare: RFC3339 time, unix nanos, or empty for the latest")
		list      = flag.Bool("list", false, "list stored runs and baselines, then exit")
	)
	flag.Parse()

	store, err := history.OpenReadOnly(*storePath)
	if err != nil {
		log.Fatalf("drift_report: open %s: %v", *storePath, err)
	}
	defer store.Close()

	if *list {
		if err := listStore(store); err != nil {
			log.Fatalf("drift_report: %v", err)
		}
		return
	}

	if *baseline == "" {
		log.Fatal("drift_report: -baseline is required (or use -list)")
	}
	base, err := store.Baseline(*baseline)
	if err != nil {
		log.Fatalf("drift_report: baseline %q: %v", *baseline, err)
	}
	if base == nil {
		log.Fatalf("drift_report: baseline %q not found", *baseline)
	}

	curr, err := pickRun(store, *runSpec)
	if err != nil {
		log.Fatalf("drift_report: %v", err)
	}

	fmt.Printf("Baseline %q vs run %s\n\n", *baseline, curr.GeneratedAt.Format(time.RFC3339))
	fmt.Print(report.RenderDrift(report.Diff(base, curr)))
}

// pickRun resolves the -run spec. Empty means the most recent stored run,
// an integer is taken as unix nanoseconds, anything else must parse as
// RFC3339.
func pickRun(store *history.Store, spec string) (*report.Report, error) {
	if spec == "" {
		recent, err := store.Recent(1)
		if err != nil {
			return nil, err
		}
		if len(recent) == 0 {
			return nil, fmt.Errorf("no runs stored yet")
		}
		return recent[0], nil
	}
	if nanos, perr := strconv.ParseInt(spec, 10, 64); perr == nil {
		rep, err := store.Run(nanos)
		if err != nil {
			return nil, err
		}
		if rep == nil {
			return nil, fmt.Errorf("no run at %d", nanos)
		}
		return rep, nil
	}
	at, err := time.Parse(time.RFC3339, spec)
	if err != nil {
		return nil, fmt.Errorf("run %q is neither unix nanos nor RFC3339", spec)
	}
	rep, err := store.Run(at.UnixNano())
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, fmt.Errorf("no run at %s", spec)
	}
	return rep, nil
}

func listStore(store *history.Store) error {
	times, err := store.RunTimes()
	if err != nil {
		return err
	}
	names, err := store.Baselines()
	if err != nil {
		return err
	}
	fmt.Printf("%d run(s):\n", len(times))
	for _, at := range times {
		fmt.Printf("  %s (%d)\n", at.Format(time.RFC3339), at.UnixNano())
	}
	fmt.Printf("%d baseline(s):\n", len(names))
	for _, name := range names {
		fmt.Printf("  %s\n", name)
	}
	return nil
}
