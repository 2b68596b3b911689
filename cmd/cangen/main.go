// cangen generates synthetic periodic CAN traffic so the analyzer can be
// exercised without a vehicle on the bench. Three output modes:
//
//	default      candump lines on stdout
//	-csv-dir     a periods.csv/log.csv pair for timing_report
//	-listen      a socketcand-style line server a running canwatch can capture from
package main

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"canwatch/frame"
)

type stream struct {
	id       uint32
	periodMS int64
}

func main() {
	var (
		idsFlag  = flag.String("ids", "0x100:100,0x1A0:50,0x2F0:1000", "comma-separated id:period_ms pairs (ids hex or decimal)")
		jitter   = flag.Float64("jitter", 0.02, "fractional cycle jitter (0.02 = ±2%)")
		dropRate = flag.Float64("drop-rate", 0, "probability of skipping a cycle entirely")
		runFor   = flag.Duration("duration", 30*time.Second, "length of the generated timeline")
		busName  = flag.String("bus", "can0", "bus name stamped on generated frames")
		seed     = flag.Int64("seed", 0, "random seed (0 = time-based)")
		csvDir   = flag.String("csv-dir", "", "write a periods.csv/log.csv pair here instead of candump lines")
		listen   = flag.String("listen", "", "serve frames live on this address instead of stdout")
	)
	flag.Parse()

	streams, err := parseStreams(*idsFlag)
	if err != nil {
		log.Fatalf("cangen: %v", err)
	}
	if *runFor <= 0 {
		log.Fatalf("cangen: duration must be >0 (got %s)", *runFor)
	}

	src := *seed
	if src == 0 {
		src = time.Now().UTC().UnixNano()
	}
	rng := rand.New(rand.NewSource(src))

	if *listen != "" {
		serveFrames(*listen, streams, *busName, *jitter, *dropRate, rng)
		return
	}

	frames := generate(streams, *busName, *runFor, *jitter, *dropRate, rng)
	log.Printf("cangen: generated %d frames over %s (%d streams, seed %d)",
		len(frames), *runFor, len(streams), src)

	if *csvDir != "" {
		if err := writeCSVPair(*csvDir, streams, frames); err != nil {
			log.Fatalf("cangen: %v", err)
		}
		log.Printf("cangen: wrote %s and %s",
			filepath.Join(*csvDir, "periods.csv"), filepath.Join(*csvDir, "log.csv"))
		return
	}
	out := bufio.NewWriter(os.Stdout)
	for _, f := range frames {
		fmt.Fprintln(out, f.Candump())
	}
	if err := out.Flush(); err != nil {
		log.Fatalf("cangen: %v", err)
	}
}

// parseStreams parses the -ids spec: "0x100:100,416:50" means ID 0x100
// every 100ms and ID 416 every 50ms.
func parseStreams(spec string) ([]stream, error) {
	parts := strings.Split(spec, ",")
	out := make([]stream, 0, len(parts))
	seen := make(map[uint32]bool)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idField, periodField, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("bad stream %q (want id:period_ms)", part)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idField), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("bad id in %q: %v", part, err)
		}
		if id > frame.MaxExtendedID {
			return nil, fmt.Errorf("id %#x exceeds the 29-bit range", id)
		}
		period, err := strconv.ParseInt(strings.TrimSpace(periodField), 10, 64)
		if err != nil || period <= 0 {
			return nil, fmt.Errorf("bad period in %q", part)
		}
		if seen[uint32(id)] {
			return nil, fmt.Errorf("duplicate id %#x", id)
		}
		seen[uint32(id)] = true
		out = append(out, stream{id: uint32(id), periodMS: period})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no streams in %q", spec)
	}
	return out, nil
}

// generate lays every stream's cycles onto one virtual timeline and returns
// the merged frames in timestamp order. Dropped cycles still advance the
// clock, so the gap the analyzer sees doubles.
func generate(streams []stream, bus string, dur time.Duration, jitterFrac, dropRate float64, rng *rand.Rand) []*frame.Frame {
	start := time.Now().UTC()
	durMS := float64(dur.Milliseconds())
	var frames []*frame.Frame
	for _, st := range streams {
		period := float64(st.periodMS)
		var seq uint64
		for t := 0.0; ; {
			hop := period
			if jitterFrac > 0 {
				hop += period * jitterFrac * (2*rng.Float64() - 1)
			}
			if hop < 1 {
				hop = 1
			}
			t += hop
			if t >= durMS {
				break
			}
			seq++
			if dropRate > 0 && rng.Float64() < dropRate {
				continue
			}
			frames = append(frames, makeFrame(st.id, bus, start, t, seq))
		}
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Timestamp < frames[j].Timestamp })
	return frames
}

func makeFrame(id uint32, bus string, start time.Time, offsetMS float64, seq uint64) *frame.Frame {
	instant := start.Add(time.Duration(offsetMS * float64(time.Millisecond)))
	f := &frame.Frame{
		CANID:      id,
		Extended:   id > frame.MaxStandardID,
		Bus:        bus,
		Time:       instant,
		Timestamp:  frame.MillisOf(instant),
		SourceType: frame.SourceGenerated,
	}
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], seq)
	f.SetData(payload[:])
	return f
}

// writeCSVPair writes the two-file input set timing_report consumes.
func writeCSVPair(dir string, streams []stream, frames []*frame.Frame) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	pf, err := os.Create(filepath.Join(dir, "periods.csv"))
	if err != nil {
		return err
	}
	pw := csv.NewWriter(pf)
	if err := pw.Write([]string{"message_id", "period_ms"}); err != nil {
		pf.Close()
		return err
	}
	for _, st := range streams {
		if err := pw.Write([]string{
			strconv.FormatUint(uint64(st.id), 10),
			strconv.FormatInt(st.periodMS, 10),
		}); err != nil {
			pf.Close()
			return err
		}
	}
	pw.Flush()
	if err := pw.Error(); err != nil {
		pf.Close()
		return err
	}
	if err := pf.Close(); err != nil {
		return err
	}

	lf, err := os.Create(filepath.Join(dir, "log.csv"))
	if err != nil {
		return err
	}
	lw := csv.NewWriter(lf)
	if err := lw.Write([]string{"timestamp_ms", "message_id"}); err != nil {
		lf.Close()
		return err
	}
	for _, f := range frames {
		if err := lw.Write([]string{
			strconv.FormatFloat(f.Timestamp, 'f', 3, 64),
			strconv.FormatUint(uint64(f.CANID), 10),
		}); err != nil {
			lf.Close()
			return err
		}
	}
	lw.Flush()
	if err := lw.Error(); err != nil {
		lf.Close()
		return err
	}
	return lf.Close()
}

// serveFrames runs the live mode: every accepted connection gets its own
// paced candump stream, the same wire shape a socketcand bridge produces.
func serveFrames(addr string, streams []stream, bus string, jitterFrac, dropRate float64, rng *rand.Rand) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("cangen: listen %s: %v", addr, err)
	}
	log.Printf("cangen: serving %d streams on %s (Ctrl+C to stop)", len(streams), ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("cangen: accept: %v", err)
		}
		// Each connection gets an independent generator state.
		go streamConn(conn, streams, bus, jitterFrac, dropRate, rand.New(rand.NewSource(rng.Int63())))
	}
}

func streamConn(conn net.Conn, streams []stream, bus string, jitterFrac, dropRate float64, rng *rand.Rand) {
	log.Printf("cangen: %s connected", conn.RemoteAddr())
	defer func() {
		conn.Close()
		log.Printf("cangen: %s disconnected", conn.RemoteAddr())
	}()

	w := bufio.NewWriter(conn)
	next := make([]time.Time, len(streams))
	seqs := make([]uint64, len(streams))
	now := time.Now()
	for i, st := range streams {
		next[i] = now.Add(time.Duration(st.periodMS) * time.Millisecond)
	}

	for {
		min := 0
		for i := range next {
			if next[i].Before(next[min]) {
				min = i
			}
		}
		time.Sleep(time.Until(next[min]))

		st := streams[min]
		seqs[min]++
		hop := float64(st.periodMS)
		if jitterFrac > 0 {
			hop += hop * jitterFrac * (2*rng.Float64() - 1)
		}
		if hop < 1 {
			hop = 1
		}
		next[min] = next[min].Add(time.Duration(hop * float64(time.Millisecond)))

		if dropRate > 0 && rng.Float64() < dropRate {
			continue
		}
		f := makeFrame(st.id, bus, time.Now().UTC(), 0, seqs[min])
		if _, err := w.WriteString(f.Candump() + "\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}
