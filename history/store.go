// Package history persists analysis runs in a Pebble key/value store,
// keeping a retention-bounded run log plus named baselines for drift
// comparison across restarts.
package history

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"

	"canwatch/config"
	"canwatch/report"
)

const pruneBatchCap = 1024

const (
	runPrefix      = "r|"
	baselinePrefix = "b|"
	metaCountKey   = "meta|runs"
)

var (
	errStoreClosed  = errors.New("history: store is closed")
	errReadOnly     = errors.New("history: store is read-only")
	errInvalidCount = errors.New("history: invalid run count metadata")
)

const (
	defaultCacheSizeBytes        = int64(8 << 20)  // Reports are small; a modest block cache suffices
	defaultBloomFilterBits       = 10              // Bits per key for bloom filters on SSTables
	defaultMemTableSizeBytes     = uint64(4 << 20) // Write buffer sized for one report per analysis tick
	defaultL0CompactionThreshold = 4               // Keep compactions reactive for low write amp
	defaultL0StopWritesThreshold = 16              // Higher stop threshold to absorb short spikes
	defaultWriteQueueDepth       = 16              // Buffered channel depth feeding the single writer
)

// Options controls Pebble tuning and writer buffering for the history
// store. All zero/negative fields are replaced with safe defaults via
// sanitizeOptions.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
	L0CompactionThreshold int
	L0StopWritesThreshold int
	WriteQueueDepth       int
}

// OptionsFromConfig maps the history config section onto store options.
// Unset sizes fall through to the package defaults.
func OptionsFromConfig(cfg config.HistoryConfig) Options {
	return Options{
		CacheSizeBytes:    int64(cfg.CacheMB) << 20,
		MemTableSizeBytes: uint64(cfg.MemTableMB) << 20,
	}
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes <= 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	if opts.L0CompactionThreshold <= 0 {
		opts.L0CompactionThreshold = defaultL0CompactionThreshold
	}
	if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
		opts.L0StopWritesThreshold = defaultL0StopWritesThreshold
		if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
			opts.L0StopWritesThreshold = opts.L0CompactionThreshold + 4
		}
	}
	if opts.WriteQueueDepth <= 0 {
		opts.WriteQueueDepth = defaultWriteQueueDepth
	}
	return opts
}

// Store manages the Pebble database that holds runs and baselines.
type Store struct {
	db     *pebble.DB
	writes chan writeRequest
	done   chan struct{}
	cache  *pebble.Cache // owned cache for the DB; unref'd on Close

	mu     sync.Mutex
	closed bool
	runs   atomic.Int64
}

type writeKind int

const (
	writeAppendRun writeKind = iota
	writeSaveBaseline
	writePrune
)

type writeRequest struct {
	kind   writeKind
	rep    *report.Report
	name   string
	cutoff time.Time
	resp   chan writeResult
}

type writeResult struct {
	removed int64
	err     error
}

// Purpose: Open or create the history Pebble database.
// Key aspects: Initializes the run count and spins a single writer goroutine.
// Upstream: main.go startup.
// Downstream: Pebble open, writer loop.
func Open(path string, opts Options) (*Store, error) {
	db, cache, err := openDB(path, opts, false)
	if err != nil {
		return nil, err
	}
	opts = sanitizeOptions(opts)

	count, err := loadRunCount(db)
	if err != nil {
		_ = db.Close()
		if cache != nil {
			cache.Unref()
		}
		return nil, err
	}

	store := &Store{
		db:     db,
		writes: make(chan writeRequest, opts.WriteQueueDepth),
		done:   make(chan struct{}),
		cache:  cache,
	}
	store.runs.Store(count)
	go store.writeLoop()
	return store, nil
}

// OpenReadOnly opens an existing store for query-only use, as the
// offline drift tool does. Write operations fail with errReadOnly and no
// writer goroutine is started.
func OpenReadOnly(path string) (*Store, error) {
	db, cache, err := openDB(path, Options{}, true)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, cache: cache}
	if count, err := readRunCountMeta(db); err == nil {
		store.runs.Store(count)
	}
	return store, nil
}

func openDB(path string, opts Options, readOnly bool) (*pebble.DB, *pebble.Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, errors.New("history: database path is empty")
	}
	opts = sanitizeOptions(opts)

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, nil, fmt.Errorf("history: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("history: stat path: %w", err)
	}

	if !readOnly {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("history: ensure directory: %w", err)
		}
	}

	pebbleOpts := &pebble.Options{
		Cache:                 nil,
		MemTableSize:          opts.MemTableSizeBytes,
		L0CompactionThreshold: opts.L0CompactionThreshold,
		L0StopWritesThreshold: opts.L0StopWritesThreshold,
		ReadOnly:              readOnly,
	}
	if opts.CacheSizeBytes > 0 {
		pebbleOpts.Cache = pebble.NewCache(opts.CacheSizeBytes)
	}
	if opts.BloomFilterBitsPerKey > 0 {
		filter := bloom.FilterPolicy(opts.BloomFilterBitsPerKey)
		level := pebble.LevelOptions{
			FilterPolicy: filter,
			FilterType:   pebble.TableFilter,
		}
		// Apply the same table filter policy to all default levels (Pebble defaults to 7).
		pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
		for i := range pebbleOpts.Levels {
			pebbleOpts.Levels[i] = level
		}
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		if pebbleOpts.Cache != nil {
			pebbleOpts.Cache.Unref()
		}
		return nil, nil, fmt.Errorf("history: open: %w", err)
	}
	return db, pebbleOpts.Cache, nil
}

// Purpose: Close the underlying database handle.
// Key aspects: Drains the writer goroutine before closing Pebble.
// Upstream: main.go shutdown or tests.
// Downstream: writer loop, db.Close.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.closeWriter() {
		<-s.done
	}
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Purpose: Record one analysis run keyed by its generation time.
// Key aspects: Serializes writes through the single goroutine; Syncs to disk.
// Upstream: Analysis scheduler after each run.
// Downstream: writer loop.
func (s *Store) Append(rep *report.Report) error {
	if s == nil || s.db == nil {
		return errors.New("history: store is not initialized")
	}
	if rep == nil {
		return errors.New("history: report is nil")
	}
	resp := make(chan writeResult, 1)
	req := writeRequest{kind: writeAppendRun, rep: rep, resp: resp}
	if err := s.enqueue(req); err != nil {
		return err
	}
	result := <-resp
	return result.err
}

// Purpose: Store a report as a named baseline, replacing any previous one.
// Key aspects: Names are trimmed and uppercased before keying.
// Upstream: SET/BASELINE console command.
// Downstream: writer loop.
func (s *Store) SaveBaseline(name string, rep *report.Report) error {
	if s == nil || s.db == nil {
		return errors.New("history: store is not initialized")
	}
	if rep == nil {
		return errors.New("history: report is nil")
	}
	name = normalizeName(name)
	if name == "" {
		return errors.New("history: baseline name is empty")
	}
	resp := make(chan writeResult, 1)
	req := writeRequest{kind: writeSaveBaseline, rep: rep, name: name, resp: resp}
	if err := s.enqueue(req); err != nil {
		return err
	}
	result := <-resp
	return result.err
}

// Purpose: Delete runs recorded before the cutoff time.
// Key aspects: Batched deletes; baselines are never pruned.
// Upstream: Analysis scheduler retention pass.
// Downstream: Pebble deletes.
func (s *Store) PruneOlderThan(cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("history: store is not initialized")
	}
	resp := make(chan writeResult, 1)
	req := writeRequest{kind: writePrune, cutoff: cutoff, resp: resp}
	if err := s.enqueue(req); err != nil {
		return 0, err
	}
	result := <-resp
	return result.removed, result.err
}

// Purpose: Return up to n runs, newest first.
// Key aspects: Walks the run keyspace backwards; n<=0 means all runs.
// Upstream: SHOW/REPORT history paging and the drift tool.
// Downstream: Pebble iterator.
func (s *Store) Recent(n int) ([]*report.Report, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history: store is not initialized")
	}
	iter, err := s.db.NewIter(iterOptionsForPrefix(runPrefix))
	if err != nil {
		return nil, fmt.Errorf("history: recent iterator: %w", err)
	}
	defer iter.Close()

	var out []*report.Report
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if n > 0 && len(out) >= n {
			break
		}
		rep, err := report.Decode(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("history: decode run: %w", err)
		}
		out = append(out, rep)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("history: iterate runs: %w", err)
	}
	return out, nil
}

// Purpose: Fetch the run recorded at exactly nanos.
// Key aspects: Returns (nil, nil) when absent.
// Upstream: drift tool -run flag.
// Downstream: Pebble get.
func (s *Store) Run(nanos int64) (*report.Report, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history: store is not initialized")
	}
	value, closer, err := s.db.Get(runKeyBytes(nanos))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: get run %d: %w", nanos, err)
	}
	defer closer.Close()
	rep, err := report.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("history: decode run %d: %w", nanos, err)
	}
	return rep, nil
}

// Purpose: List recorded run timestamps ascending.
// Key aspects: Reads keys only; values are not decoded.
// Upstream: Diagnostics and the drift tool's run listing.
// Downstream: Pebble iterator.
func (s *Store) RunTimes() ([]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history: store is not initialized")
	}
	iter, err := s.db.NewIter(iterOptionsForPrefix(runPrefix))
	if err != nil {
		return nil, fmt.Errorf("history: run times iterator: %w", err)
	}
	defer iter.Close()

	var out []time.Time
	for iter.First(); iter.Valid(); iter.Next() {
		nanos, ok := parseRunKey(iter.Key())
		if !ok {
			continue
		}
		out = append(out, time.Unix(0, nanos).UTC())
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("history: iterate run times: %w", err)
	}
	return out, nil
}

// Purpose: Fetch a named baseline.
// Key aspects: Returns (nil, nil) when absent; normalizes the name.
// Upstream: SHOW/DRIFT and the drift tool.
// Downstream: Pebble get.
func (s *Store) Baseline(name string) (*report.Report, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history: store is not initialized")
	}
	name = normalizeName(name)
	if name == "" {
		return nil, errors.New("history: baseline name is empty")
	}
	value, closer, err := s.db.Get(baselineKeyBytes(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: get baseline %s: %w", name, err)
	}
	defer closer.Close()
	rep, err := report.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("history: decode baseline %s: %w", name, err)
	}
	return rep, nil
}

// Purpose: List stored baseline names.
// Key aspects: Names come back sorted for stable console output.
// Upstream: SHOW/BASELINE console command.
// Downstream: Pebble iterator.
func (s *Store) Baselines() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history: store is not initialized")
	}
	iter, err := s.db.NewIter(iterOptionsForPrefix(baselinePrefix))
	if err != nil {
		return nil, fmt.Errorf("history: baselines iterator: %w", err)
	}
	defer iter.Close()

	var out []string
	for iter.First(); iter.Valid(); iter.Next() {
		name, ok := parseBaselineKey(iter.Key())
		if !ok {
			continue
		}
		out = append(out, name)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("history: iterate baselines: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Purpose: Return the number of stored runs.
// Key aspects: Uses the cached count maintained by the writer.
// Upstream: Metrics/diagnostics.
// Downstream: atomic count.
func (s *Store) RunCount() (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("history: store is not initialized")
	}
	return s.runs.Load(), nil
}

func (s *Store) enqueue(req writeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes == nil {
		return errReadOnly
	}
	if s.closed {
		return errStoreClosed
	}
	s.writes <- req
	return nil
}

func (s *Store) closeWriter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.writes == nil {
		return false
	}
	s.closed = true
	close(s.writes)
	return true
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for req := range s.writes {
		result := writeResult{}
		switch req.kind {
		case writeAppendRun:
			result.err = s.applyAppend(req.rep)
		case writeSaveBaseline:
			result.err = s.applySaveBaseline(req.name, req.rep)
		case writePrune:
			result.removed, result.err = s.applyPruneOlderThan(req.cutoff)
		default:
			result.err = fmt.Errorf("history: unknown write request")
		}
		if req.resp != nil {
			req.resp <- result
		}
	}
}

// applyAppend stores one run and keeps the run counter current. Re-storing
// the same generation instant overwrites rather than double-counts.
func (s *Store) applyAppend(rep *report.Report) error {
	stored := *rep
	if stored.GeneratedAt.IsZero() {
		stored.GeneratedAt = time.Now().UTC()
	}
	value, err := report.Encode(&stored)
	if err != nil {
		return err
	}
	key := runKeyBytes(stored.GeneratedAt.UnixNano())

	found := true
	if _, closer, err := s.db.Get(key); err == nil {
		closer.Close()
	} else if errors.Is(err, pebble.ErrNotFound) {
		found = false
	} else {
		return fmt.Errorf("history: check run: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, value, nil); err != nil {
		return fmt.Errorf("history: batch set run: %w", err)
	}
	count := s.runs.Load()
	if !found {
		count++
		if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
			return fmt.Errorf("history: batch set count: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("history: batch commit: %w", err)
	}
	if !found {
		s.runs.Store(count)
	}
	return nil
}

func (s *Store) applySaveBaseline(name string, rep *report.Report) error {
	value, err := report.Encode(rep)
	if err != nil {
		return err
	}
	if err := s.db.Set(baselineKeyBytes(name), value, pebble.Sync); err != nil {
		return fmt.Errorf("history: set baseline %s: %w", name, err)
	}
	return nil
}

// applyPruneOlderThan deletes runs before the cutoff in bounded batches.
// Baselines live under their own prefix and are untouched.
func (s *Store) applyPruneOlderThan(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, nil
	}
	cutoffNanos := cutoff.UTC().UnixNano()
	if cutoffNanos <= 0 {
		return 0, nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(runPrefix),
		UpperBound: runKeyBytes(cutoffNanos),
	})
	if err != nil {
		return 0, fmt.Errorf("history: prune iterator: %w", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	count := s.runs.Load()
	pending := int64(0)
	removedTotal := int64(0)

	commitBatch := func() error {
		if pending == 0 {
			return nil
		}
		count -= pending
		if count < 0 {
			count = 0
		}
		if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
			return fmt.Errorf("history: prune set count: %w", err)
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("history: prune commit: %w", err)
		}
		batch.Reset()
		removedTotal += pending
		pending = 0
		return nil
	}

	for iter.First(); iter.Valid(); iter.Next() {
		if _, ok := parseRunKey(iter.Key()); !ok {
			continue
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return removedTotal, fmt.Errorf("history: prune delete: %w", err)
		}
		pending++
		if pending >= pruneBatchCap {
			if err := commitBatch(); err != nil {
				return removedTotal, err
			}
		}
	}
	if err := iter.Error(); err != nil {
		return removedTotal, fmt.Errorf("history: prune iterate: %w", err)
	}
	if err := commitBatch(); err != nil {
		return removedTotal, err
	}
	s.runs.Store(count)
	return removedTotal, nil
}

func encodeCount(count int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return buf
}

func loadRunCount(db *pebble.DB) (int64, error) {
	count, err := readRunCountMeta(db)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) && !errors.Is(err, errInvalidCount) {
		return 0, fmt.Errorf("history: read count: %w", err)
	}
	count, err = computeRunCount(db)
	if err != nil {
		return 0, err
	}
	if err := db.Set([]byte(metaCountKey), encodeCount(count), pebble.Sync); err != nil {
		return 0, fmt.Errorf("history: write count: %w", err)
	}
	return count, nil
}

func readRunCountMeta(db *pebble.DB) (int64, error) {
	value, closer, err := db.Get([]byte(metaCountKey))
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, errInvalidCount
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

func computeRunCount(db *pebble.DB) (int64, error) {
	iter, err := db.NewIter(iterOptionsForPrefix(runPrefix))
	if err != nil {
		return 0, fmt.Errorf("history: count iterator: %w", err)
	}
	defer iter.Close()
	count := int64(0)
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("history: count iterate: %w", err)
	}
	return count, nil
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func runKeyBytes(nanos int64) []byte {
	buf := make([]byte, len(runPrefix)+8)
	copy(buf, runPrefix)
	binary.BigEndian.PutUint64(buf[len(runPrefix):], uint64(nanos))
	return buf
}

func parseRunKey(key []byte) (int64, bool) {
	prefix := []byte(runPrefix)
	if len(key) != len(prefix)+8 || !bytes.HasPrefix(key, prefix) {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[len(prefix):])), true
}

func baselineKeyBytes(name string) []byte {
	return append([]byte(baselinePrefix), name...)
}

func parseBaselineKey(key []byte) (string, bool) {
	prefix := []byte(baselinePrefix)
	if len(key) <= len(prefix) || !bytes.HasPrefix(key, prefix) {
		return "", false
	}
	return string(key[len(prefix):]), true
}

func iterOptionsForPrefix(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	upper := prefixUpperBound(lower)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}

func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
