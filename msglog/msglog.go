// Package msglog reads the delimited capture files that feed the message
// index (a periods file seeding the ID set and a log file of observed
// timestamps) and writes metric mappings back out as two-column CSV. The
// formats are deliberately simple: first row is a header, blank and
// #-prefixed rows are ignored, anything else must parse.
package msglog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"canwatch/msgtree"
)

// ReadPeriods loads a periods file: rows of (message_id, period_ms). The
// resulting map seeds the indexed ID set; an ID absent here is never
// indexed even when it appears in the log file.
func ReadPeriods(path string) (map[uint32]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("msglog: open periods file: %w", err)
	}
	defer f.Close()

	out := make(map[uint32]int64)
	err = eachRow(f, 2, func(record []string) error {
		id, err := parseID(record[0])
		if err != nil {
			return err
		}
		period, err := strconv.ParseInt(strings.TrimSpace(record[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("parse period for id %d: %w", id, err)
		}
		out[id] = period
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("msglog: read periods %s: %w", path, err)
	}
	return out, nil
}

// ReadTimestamps loads a log file: rows of (timestamp_ms, message_id).
// Timestamps are appended in file order to their ID's sequence, but only
// for IDs present in periods; rows for unknown IDs are discarded silently.
// Every ID in periods gets an entry, possibly empty, so the result always
// satisfies the builder's matching-key-set contract.
func ReadTimestamps(path string, periods map[uint32]int64) (map[uint32][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("msglog: open log file: %w", err)
	}
	defer f.Close()

	out := make(map[uint32][]float64, len(periods))
	for id := range periods {
		out[id] = []float64{}
	}
	err = eachRow(f, 2, func(record []string) error {
		ts, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", record[0], err)
		}
		id, err := parseID(record[1])
		if err != nil {
			return err
		}
		if _, known := out[id]; known {
			out[id] = append(out[id], ts)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("msglog: read log %s: %w", path, err)
	}
	return out, nil
}

// BuildFromFiles reads both inputs and builds the index. Empty paths stand
// for absent mappings: both empty yields the valid empty tree, exactly one
// empty is rejected with msgtree.ErrPartialInput before any file is read.
func BuildFromFiles(periodsPath, logPath string) (*msgtree.Tree, error) {
	if periodsPath == "" && logPath == "" {
		return msgtree.Build(nil, nil)
	}
	if periodsPath == "" || logPath == "" {
		return nil, msgtree.ErrPartialInput
	}
	periods, err := ReadPeriods(periodsPath)
	if err != nil {
		return nil, err
	}
	stamps, err := ReadTimestamps(logPath, periods)
	if err != nil {
		return nil, err
	}
	return msgtree.Build(periods, stamps)
}

// Value covers the mapping value types the metric layer produces.
type Value interface {
	int | int64 | float64
}

// WriteReport serializes a metric mapping as two-column CSV, one
// (id, value) row per entry, no header, IDs ascending so repeated runs
// produce identical files.
func WriteReport[V Value](path string, m map[uint32]V) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("msglog: create report %s: %w", path, err)
	}

	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	w := csv.NewWriter(f)
	for _, id := range ids {
		if err := w.Write([]string{strconv.FormatUint(uint64(id), 10), formatValue(m[id])}); err != nil {
			f.Close()
			return fmt.Errorf("msglog: write report row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("msglog: flush report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("msglog: close report: %w", err)
	}
	return nil
}

func formatValue[V Value](v V) string {
	switch x := any(v).(type) {
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

// parseID parses a message ID field into the CAN identifier range.
func parseID(field string) (uint32, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse message id %q: %w", field, err)
	}
	return uint32(id), nil
}

// eachRow drives a csv.Reader over r, skipping blank and comment rows,
// dropping the first surviving row as the header, and enforcing a minimum
// field count before handing each data record to fn.
func eachRow(r io.Reader, minFields int, fn func(record []string) error) error {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	headerSeen := false
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("parse csv: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		first := strings.TrimSpace(record[0])
		if first == "" || strings.HasPrefix(first, "#") {
			continue
		}
		if !headerSeen {
			headerSeen = true
			continue
		}
		if len(record) < minFields {
			return fmt.Errorf("invalid row %q", strings.Join(record, ","))
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}
