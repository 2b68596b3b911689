// Package archive persists frames to SQLite asynchronously and answers the
// history queries behind timing analysis and the console.
package archive

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"canwatch/config"
	"canwatch/frame"

	_ "modernc.org/sqlite"
)

// Writer persists frames to SQLite asynchronously with retention cleanup.
// It is designed to be removable: the hot path never blocks on the writer,
// and backpressure results in dropped archive writes (visible via counters).
type Writer struct {
	cfg      config.ArchiveConfig
	db       *sql.DB
	queue    chan *frame.Frame
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	inserted atomic.Uint64
	dropped  atomic.Uint64
}

// NewWriter runs the preflight check, initializes the SQLite database, and
// returns a writer; call Start to begin processing.
func NewWriter(cfg config.ArchiveConfig) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	res, err := Preflight(cfg.DBPath, 2*time.Second, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: preflight: %w", err)
	}
	if res.Quarantined {
		log.Printf("archive: quarantined unhealthy db to %s; starting fresh", res.QuarantinePath)
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	pragmas := fmt.Sprintf("pragma journal_mode=WAL; pragma synchronous=%s; pragma busy_timeout=%d",
		synchronousPragma(cfg.Synchronous), cfg.BusyTimeoutMS)
	if _, err := db.Exec(pragmas); err != nil {
		return nil, fmt.Errorf("archive: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchIntervalMS <= 0 {
		cfg.BatchIntervalMS = 1000
	}
	return &Writer{
		cfg:   cfg,
		db:    db,
		queue: make(chan *frame.Frame, cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

func synchronousPragma(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "full":
		return "FULL"
	case "normal":
		return "NORMAL"
	default:
		return "OFF"
	}
}

// Start launches the insert and cleanup loops.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.insertLoop()
	go w.cleanupLoop()
}

// Stop drains the queue, flushes the final batch, and closes the database.
func (w *Writer) Stop() {
	close(w.stop)
	if w.started.Load() {
		<-w.done
	}
	_ = w.db.Close()
}

// Enqueue attempts to queue a frame for archival without blocking; drops on
// full queue.
func (w *Writer) Enqueue(f *frame.Frame) {
	if w == nil || f == nil {
		return
	}
	select {
	case w.queue <- f:
	default:
		w.dropped.Add(1)
	}
}

// Inserted returns the number of frames committed so far.
func (w *Writer) Inserted() uint64 {
	if w == nil {
		return 0
	}
	return w.inserted.Load()
}

// Dropped returns the number of frames rejected by a full queue.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) insertLoop() {
	defer close(w.done)
	batch := make([]*frame.Frame, 0, w.cfg.BatchSize)
	timer := time.NewTimer(time.Duration(w.cfg.BatchIntervalMS) * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			// Pull whatever is queued into the final batch before the
			// database goes away.
		drain:
			for {
				select {
				case f := <-w.queue:
					batch = append(batch, f)
				default:
					break drain
				}
			}
			w.flush(batch)
			return
		case f := <-w.queue:
			batch = append(batch, f)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(time.Duration(w.cfg.BatchIntervalMS) * time.Millisecond)
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(time.Duration(w.cfg.BatchIntervalMS) * time.Millisecond)
		}
	}
}

func (w *Writer) flush(batch []*frame.Frame) {
	if len(batch) == 0 {
		return
	}
	tx, err := w.db.Begin()
	if err != nil {
		log.Printf("archive: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`insert into frames(ts, ts_ms, can_id, extended, remote, bus, dlc, data, source, source_node) values(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		log.Printf("archive: prepare: %v", err)
		_ = tx.Rollback()
		return
	}
	var ok uint64
	for _, f := range batch {
		if f == nil {
			continue
		}
		if _, err := stmt.Exec(
			f.Time.UTC().Unix(),
			f.Timestamp,
			int64(f.CANID),
			boolToInt(f.Extended),
			boolToInt(f.Remote),
			f.Bus,
			int(f.DLC),
			f.Payload(),
			string(f.SourceType),
			f.SourceNode,
		); err != nil {
			log.Printf("archive: insert failed: %v", err)
			continue
		}
		ok++
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Printf("archive: commit: %v", err)
		return
	}
	w.inserted.Add(ok)
}

func (w *Writer) cleanupLoop() {
	interval := time.Duration(w.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.cleanupOnce()
		}
	}
}

// cleanupOnce deletes frames older than the retention window in bounded
// batches, yielding between batches so readers and the insert loop are not
// starved of the write lock.
func (w *Writer) cleanupOnce() {
	retention := time.Duration(w.cfg.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention).Unix()
	batch := w.cfg.CleanupBatchSize
	if batch <= 0 {
		batch = 2000
	}
	yield := time.Duration(w.cfg.CleanupBatchYieldMS) * time.Millisecond

	for {
		res, err := w.db.Exec(`delete from frames where id in (select id from frames where ts < ? limit ?)`, cutoff, batch)
		if err != nil {
			log.Printf("archive: cleanup: %v", err)
			return
		}
		n, err := res.RowsAffected()
		if err != nil || n < int64(batch) {
			return
		}
		if yield > 0 {
			time.Sleep(yield)
		}
	}
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists frames (
		id integer primary key autoincrement,
		ts integer,
		ts_ms real,
		can_id integer,
		extended integer,
		remote integer,
		bus text,
		dlc integer,
		data blob,
		source text,
		source_node text
	);
	create index if not exists idx_frames_ts on frames(ts);
	create index if not exists idx_frames_can_ts on frames(can_id, ts);
	create index if not exists idx_frames_tsms on frames(ts_ms);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("archive: schema: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DropDB is a helper to reset the archive during testing.
func DropDB(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("archive: empty path")
	}
	return os.Remove(path)
}

// Recent returns the most recent N frames from the archive, newest-first by
// arrival order. It is intentionally simple and read-only so callers (e.g.,
// SHOW/RECENT) can retrieve history without depending on the in-memory ring
// buffer.
func (w *Writer) Recent(limit int) ([]*frame.Frame, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("archive: writer is nil")
	}
	if limit <= 0 {
		return []*frame.Frame{}, nil
	}
	rows, err := w.db.Query(`select ts, ts_ms, can_id, extended, remote, bus, dlc, data, source, source_node from frames order by id desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()
	return scanFrames(rows, limit)
}

// RecentByCANID returns up to N recent frames for one CAN ID, newest-first.
func (w *Writer) RecentByCANID(canID uint32, limit int) ([]*frame.Frame, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("archive: writer is nil")
	}
	if limit <= 0 {
		return []*frame.Frame{}, nil
	}
	rows, err := w.db.Query(`select ts, ts_ms, can_id, extended, remote, bus, dlc, data, source, source_node from frames where can_id = ? order by id desc limit ?`, int64(canID), limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent by id: %w", err)
	}
	defer rows.Close()
	return scanFrames(rows, limit)
}

func scanFrames(rows *sql.Rows, capHint int) ([]*frame.Frame, error) {
	results := make([]*frame.Frame, 0, capHint)
	for rows.Next() {
		var (
			ts         int64
			tsMS       float64
			canID      int64
			extended   int
			remote     int
			bus        string
			dlc        int
			data       []byte
			source     string
			sourceNode string
		)
		if err := rows.Scan(&ts, &tsMS, &canID, &extended, &remote, &bus, &dlc, &data, &source, &sourceNode); err != nil {
			return nil, fmt.Errorf("archive: scan frame: %w", err)
		}
		f := &frame.Frame{
			CANID:      uint32(canID),
			Extended:   extended > 0,
			Remote:     remote > 0,
			Bus:        bus,
			Time:       time.Unix(ts, 0).UTC(),
			Timestamp:  tsMS,
			SourceType: frame.SourceType(source),
			SourceNode: sourceNode,
		}
		f.SetData(data)
		f.DLC = uint8(clampDLC(dlc))
		results = append(results, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate frames: %w", err)
	}
	return results, nil
}

// CycleData returns the bus timestamps observed per CAN ID since the cutoff,
// ordered oldest-first within each ID. This is the feed for index builds.
func (w *Writer) CycleData(since time.Time) (map[uint32][]float64, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("archive: writer is nil")
	}
	rows, err := w.db.Query(`select can_id, ts_ms from frames where ts >= ? order by ts_ms asc, id asc`, since.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("archive: query cycle data: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32][]float64)
	for rows.Next() {
		var (
			canID int64
			tsMS  float64
		)
		if err := rows.Scan(&canID, &tsMS); err != nil {
			return nil, fmt.Errorf("archive: scan cycle data: %w", err)
		}
		id := uint32(canID)
		out[id] = append(out[id], tsMS)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate cycle data: %w", err)
	}
	return out, nil
}

// ObservedIDs returns the distinct CAN IDs archived since the cutoff, sorted
// ascending.
func (w *Writer) ObservedIDs(since time.Time) ([]uint32, error) {
	if w == nil || w.db == nil {
		return nil, fmt.Errorf("archive: writer is nil")
	}
	rows, err := w.db.Query(`select distinct can_id from frames where ts >= ? order by can_id asc`, since.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("archive: query observed ids: %w", err)
	}
	defer rows.Close()

	out := make([]uint32, 0, 64)
	for rows.Next() {
		var canID int64
		if err := rows.Scan(&canID); err != nil {
			return nil, fmt.Errorf("archive: scan observed id: %w", err)
		}
		out = append(out, uint32(canID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate observed ids: %w", err)
	}
	return out, nil
}

func clampDLC(v int) int {
	if v < 0 {
		return 0
	}
	if v > 8 {
		return 8
	}
	return v
}
