// Package socketcand implements the TCP gateway client that streams
// candump-format frame lines from socketcand-style CAN bridges into the
// capture pipeline.
package socketcand

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ztelnet "github.com/ziutek/telnet"

	"canwatch/config"
	"canwatch/frame"
	"canwatch/internal/ratelimit"
	"canwatch/stats"
)

const (
	dialTimeout     = 30 * time.Second
	readIdleTimeout = 5 * time.Minute
	errLogInterval  = 10 * time.Second
)

// Client maintains one gateway connection. Frames parsed from the line
// stream go to the shared capture channel; the connection is supervised
// and re-dialed with backoff after any read failure.
type Client struct {
	cfg       config.GatewayConfig
	conn      net.Conn
	reader    *bufio.Reader
	connected atomic.Bool
	shutdown  chan struct{}
	out       chan<- *frame.Frame
	reconnect chan struct{}
	stopOnce  sync.Once
	tracker   *stats.Tracker

	errLog      ratelimit.Counter
	received    atomic.Uint64
	forwarded   atomic.Uint64
	parseErrors atomic.Uint64
	dropped     atomic.Uint64
}

// New creates a gateway client that writes parsed frames to out. The
// tracker is optional; when present, parse errors and per-source counts
// feed the shared pipeline stats.
func New(cfg config.GatewayConfig, tracker *stats.Tracker, out chan<- *frame.Frame) *Client {
	return &Client{
		cfg:       cfg,
		shutdown:  make(chan struct{}),
		out:       out,
		reconnect: make(chan struct{}, 1),
		tracker:   tracker,
		errLog:    ratelimit.NewCounter(errLogInterval),
	}
}

// Start establishes the initial gateway connection and begins supervision.
// The first dial runs synchronously so failures are reported to the caller;
// any subsequent disconnects are handled via the background reconnect loop.
func (c *Client) Start(ctx context.Context) error {
	if err := c.establishConnection(); err != nil {
		return err
	}
	go c.supervise(ctx)
	return nil
}

// establishConnection dials the bridge and spins up the read goroutine. It
// is used for the initial connection and each subsequent reconnect.
func (c *Client) establishConnection() error {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	log.Printf("%s: connecting to %s...", c.displayName(), addr)

	conn, err := c.dial(addr)
	if err != nil {
		return fmt.Errorf("socketcand: connect %s: %w", c.displayName(), err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected.Store(true)

	log.Printf("%s: connection established", c.displayName())

	go c.readLoop()
	return nil
}

// dial picks the transport. Bridges that speak telnet negotiation get the
// wrapping conn so IAC sequences never reach the candump parser.
func (c *Client) dial(addr string) (net.Conn, error) {
	if c.cfg.Telnet {
		return ztelnet.DialTimeout("tcp", addr, dialTimeout)
	}
	return net.DialTimeout("tcp", addr, dialTimeout)
}

// supervise waits for disconnect notifications and orchestrates the
// exponential backoff / reconnect attempts while honoring shutdown signals.
func (c *Client) supervise(ctx context.Context) {
	const (
		initialDelay = 5 * time.Second
		maxDelay     = 60 * time.Second
	)

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return
		case <-c.shutdown:
			return
		case <-c.reconnect:
			if c.isShutdown() {
				return
			}
			delay := initialDelay

			for {
				if c.isShutdown() {
					return
				}
				log.Printf("%s: attempting reconnect...", c.displayName())
				if err := c.establishConnection(); err != nil {
					wait := jitter(delay)
					log.Printf("%s: reconnect failed: %v (retry in %s)", c.displayName(), err, wait.Round(time.Second))
					timer := time.NewTimer(wait)
					select {
					case <-timer.C:
					case <-ctx.Done():
						timer.Stop()
						c.Stop()
						return
					case <-c.shutdown:
						timer.Stop()
						return
					}
					delay *= 2
					if delay > maxDelay {
						delay = maxDelay
					}
					continue
				}
				break
			}
		}
	}
}

// jitter spreads reconnect attempts so gateways sharing a bounced bridge
// do not all re-dial in lockstep.
func jitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}

// readLoop reads candump lines until the connection fails.
func (c *Client) readLoop() {
	defer func() {
		c.connected.Store(false)
		if c.conn != nil {
			c.conn.Close()
		}
	}()

	for {
		select {
		case <-c.shutdown:
			log.Printf("%s: client shutting down", c.displayName())
			return
		default:
			c.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))

			line, err := c.reader.ReadString('\n')
			if err != nil {
				if c.isShutdown() {
					return
				}
				log.Printf("%s: read error: %v", c.displayName(), err)
				c.requestReconnect(err)
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			c.received.Add(1)
			c.handleLine(line)
		}
	}
}

// handleLine parses one candump line and forwards the frame. Parse
// failures are counted and rate-limit logged, never fatal: one garbled
// line must not drop the stream.
func (c *Client) handleLine(line string) {
	f, err := frame.ParseCandump(line)
	if err != nil {
		c.parseErrors.Add(1)
		if c.tracker != nil {
			c.tracker.IncrementParseErrors()
		}
		if total, ok := c.errLog.Inc(); ok {
			log.Printf("%s: parse error (%d total): %v", c.displayName(), total, err)
		}
		return
	}
	f.SourceNode = c.displayName()
	if c.tracker != nil {
		c.tracker.IncrementSourceBus(string(f.SourceType), f.Bus)
	}

	select {
	case c.out <- f:
		c.forwarded.Add(1)
	default:
		c.dropped.Add(1)
		log.Printf("%s: frame channel full, dropping frame", c.displayName())
	}
}

// GetStats returns received line, forwarded frame, parse error, and
// dropped frame counts.
func (c *Client) GetStats() (received, forwarded, parseErrors, dropped uint64) {
	return c.received.Load(), c.forwarded.Load(), c.parseErrors.Load(), c.dropped.Load()
}

// IsConnected returns whether the client currently holds a connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Stop closes the gateway connection and ends supervision.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		log.Printf("Stopping %s client...", c.displayName())
		close(c.shutdown)
	})
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) isShutdown() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

func (c *Client) requestReconnect(reason error) {
	if c.isShutdown() {
		return
	}
	if reason != nil {
		log.Printf("%s: scheduling reconnect after error: %v", c.displayName(), reason)
	}
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

func (c *Client) displayName() string {
	if c.cfg.Name != "" {
		return c.cfg.Name
	}
	return fmt.Sprintf("gateway %s:%d", c.cfg.Host, c.cfg.Port)
}
