// Package frame defines the canonical CAN frame structure and helpers used
// across the capture pipeline: construction, candump-format parsing and
// rendering, validation, and hashing for dedup.
package frame

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// SourceType identifies where a frame came from
type SourceType string

const (
	SourceGateway   SourceType = "GATEWAY"   // socketcand-style TCP gateway
	SourceMQTT      SourceType = "MQTT"      // telemetry bridge via MQTT
	SourceReplay    SourceType = "REPLAY"    // candump log replay
	SourceGenerated SourceType = "GENERATED" // synthetic traffic from cangen
)

// MaxStandardID is the highest 11-bit CAN identifier.
const MaxStandardID = 0x7FF

// MaxExtendedID is the highest 29-bit CAN identifier.
const MaxExtendedID = 0x1FFFFFFF

// Frame represents one captured CAN frame in canonical form
type Frame struct {
	ID         uint64     // Unique frame ID (monotonic counter, assigned at ingest)
	CANID      uint32     // CAN identifier (11-bit standard or 29-bit extended)
	Extended   bool       // 29-bit identifier flag
	Remote     bool       // Remote transmission request, no payload
	Bus        string     // Bus name as reported by the source (e.g., "can0")
	Time       time.Time  // Capture wall-clock time
	Timestamp  float64    // Bus timestamp in milliseconds; what the index stores
	DLC        uint8      // Data length code; Data[:DLC] is meaningful
	Data       [8]byte    // Payload bytes
	SourceType SourceType // Where this frame came from
	SourceNode string     // Originating gateway/bridge identity
}

// New creates a frame observed now on the given bus.
func New(canID uint32, bus string, data []byte) *Frame {
	now := time.Now().UTC()
	f := &Frame{
		CANID:      canID,
		Extended:   canID > MaxStandardID,
		Bus:        bus,
		Time:       now,
		Timestamp:  MillisOf(now),
		SourceType: SourceGateway,
	}
	f.SetData(data)
	return f
}

// SetData copies up to eight payload bytes and sets the DLC accordingly.
func (f *Frame) SetData(data []byte) {
	n := copy(f.Data[:], data)
	f.DLC = uint8(n)
	for i := n; i < len(f.Data); i++ {
		f.Data[i] = 0
	}
}

// Payload returns the meaningful slice of the payload array.
func (f *Frame) Payload() []byte {
	if f.DLC > 8 {
		return f.Data[:]
	}
	return f.Data[:f.DLC]
}

// MillisOf converts a wall-clock instant to the millisecond timeline the
// index operates on.
func MillisOf(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1000.0
}

// Hash32 returns a 32-bit hash for deduplication using a fixed-layout,
// zero-allocation buffer. The hash covers:
//   - Bus timestamp truncated to the whole millisecond
//   - CAN identifier
//   - DLC and the full payload array
//   - Bus name, fixed-width 12 bytes
//
// Little-endian encoding keeps the byte order deterministic across
// platforms. Two capture paths relaying the same physical frame agree on
// all of these, while consecutive cycles of the same ID differ by at least
// the timestamp.
func (f *Frame) Hash32() uint32 {
	var buf [33]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(f.Timestamp))
	binary.LittleEndian.PutUint32(buf[8:12], f.CANID)
	buf[12] = f.DLC
	copy(buf[13:21], f.Data[:])
	writeFixedBusName(buf[21:33], f.Bus)
	return uint32(xxh3.Hash(buf[:]))
}

// writeFixedBusName writes the bus name into a fixed 12-byte window,
// zero-padded, truncating names that are longer.
func writeFixedBusName(dst []byte, bus string) {
	const maxLen = 12
	n := 0
	for i := 0; i < len(bus) && n < maxLen; i++ {
		dst[n] = bus[i]
		n++
	}
	for n < maxLen {
		dst[n] = 0
		n++
	}
}

// IsValid performs basic validation on the frame
func (f *Frame) IsValid() bool {
	if f.Bus == "" {
		return false
	}
	if f.DLC > 8 {
		return false
	}
	if f.Extended {
		return f.CANID <= MaxExtendedID
	}
	return f.CANID <= MaxStandardID
}

// idText renders the identifier in candump width: three hex digits for
// standard frames, eight for extended.
func (f *Frame) idText() string {
	if f.Extended {
		return fmt.Sprintf("%08X", f.CANID)
	}
	return fmt.Sprintf("%03X", f.CANID)
}

// Candump renders the frame as one candump log line:
// "(1699555555.123456) can0 123#DEADBEEF". Remote frames render as "id#R<dlc>".
func (f *Frame) Candump() string {
	var b strings.Builder
	b.Grow(48)
	fmt.Fprintf(&b, "(%.6f) %s %s#", f.Timestamp/1000.0, f.Bus, f.idText())
	if f.Remote {
		b.WriteByte('R')
		if f.DLC > 0 {
			b.WriteString(strconv.Itoa(int(f.DLC)))
		}
		return b.String()
	}
	b.WriteString(strings.ToUpper(hex.EncodeToString(f.Payload())))
	return b.String()
}

// String returns a human-readable representation
func (f *Frame) String() string {
	return fmt.Sprintf("[%s] %s %s [%d] % X (%s)",
		f.Time.Format("15:04:05.000"),
		f.Bus,
		f.idText(),
		f.DLC,
		f.Payload(),
		f.SourceType)
}

// ParseCandump parses one candump log line into a frame. The expected shape
// is "(<seconds.micros>) <bus> <hexid>#<hexdata>"; the identifier is
// extended when written with more than three digits or when it exceeds the
// 11-bit range. The parsed Timestamp is the line's bus timestamp converted
// to milliseconds; Time is the same instant as wall clock.
func ParseCandump(line string) (*Frame, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 3 {
		return nil, fmt.Errorf("frame: malformed candump line %q", line)
	}

	tsText := strings.TrimSuffix(strings.TrimPrefix(fields[0], "("), ")")
	seconds, err := strconv.ParseFloat(tsText, 64)
	if err != nil {
		return nil, fmt.Errorf("frame: parse timestamp %q: %w", fields[0], err)
	}

	idText, dataText, ok := strings.Cut(fields[2], "#")
	if !ok {
		return nil, fmt.Errorf("frame: missing '#' separator in %q", fields[2])
	}
	canID, err := strconv.ParseUint(idText, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("frame: parse identifier %q: %w", idText, err)
	}
	if canID > MaxExtendedID {
		return nil, fmt.Errorf("frame: identifier %X outside the 29-bit range", canID)
	}

	f := &Frame{
		CANID:      uint32(canID),
		Extended:   len(idText) > 3 || canID > MaxStandardID,
		Bus:        fields[1],
		Time:       time.UnixMicro(int64(seconds * 1e6)).UTC(),
		Timestamp:  seconds * 1000.0,
		SourceType: SourceGateway,
	}

	if strings.HasPrefix(dataText, "R") {
		f.Remote = true
		if rest := dataText[1:]; rest != "" {
			dlc, err := strconv.Atoi(rest)
			if err != nil || dlc < 0 || dlc > 8 {
				return nil, fmt.Errorf("frame: bad remote length %q", dataText)
			}
			f.DLC = uint8(dlc)
		}
		return f, nil
	}

	payload, err := hex.DecodeString(dataText)
	if err != nil {
		return nil, fmt.Errorf("frame: parse payload %q: %w", dataText, err)
	}
	if len(payload) > 8 {
		return nil, fmt.Errorf("frame: payload %q exceeds 8 bytes", dataText)
	}
	f.SetData(payload)
	return f, nil
}
