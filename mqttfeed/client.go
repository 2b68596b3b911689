// Package mqttfeed implements the MQTT telemetry feed.
//
// Remote capture boxes publish one JSON document per CAN frame and this
// client turns them back into canonical frames for the pipeline.
//
// Message Format:
//
//	{"t":<ms>,"bus":"can0","id":<canid>,"dlc":n,"data":"hex"}
//
// Features:
//   - MQTT auto-reconnect with 1-minute max interval
//   - Subscription re-established from the OnConnect handler
//   - Payload decode on a small worker pool sized by config
//   - Non-blocking handoff into the pipeline (drop + count on saturation)
package mqttfeed

import (
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"canwatch/config"
	"canwatch/frame"
	"canwatch/internal/ratelimit"
	"canwatch/stats"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// maxPayloadBytes bounds a single MQTT payload. A frame document is
	// well under 200 bytes; anything bigger is a misbehaving publisher.
	maxPayloadBytes = 512
	processingDepth = 1024
	errLogInterval  = 10 * time.Second
)

// Message is the wire form of one frame as published by the capture boxes.
type Message struct {
	Timestamp float64 `json:"t"`    // bus timestamp in milliseconds
	Bus       string  `json:"bus"`  // bus name, e.g. "can0"
	ID        uint32  `json:"id"`   // CAN identifier
	DLC       uint8   `json:"dlc"`  // data length code
	Data      string  `json:"data"` // payload as hex text
}

// Client subscribes to the configured frame topic and feeds decoded frames
// into the capture pipeline. Decoding runs on a worker pool so a burst of
// publishes never stalls the paho callback goroutine.
type Client struct {
	cfg        config.MQTTConfig
	client     mqtt.Client
	out        chan<- *frame.Frame
	processing chan []byte
	shutdown   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	tracker    *stats.Tracker

	errLog       ratelimit.Counter
	received     atomic.Uint64
	forwarded    atomic.Uint64
	decodeErrors atomic.Uint64
	dropped      atomic.Uint64
}

// New creates an MQTT feed client that writes decoded frames to out. The
// tracker is optional; when present, decode failures and per-source counts
// feed the shared pipeline stats.
func New(cfg config.MQTTConfig, tracker *stats.Tracker, out chan<- *frame.Frame) *Client {
	return &Client{
		cfg:        cfg,
		out:        out,
		processing: make(chan []byte, processingDepth),
		shutdown:   make(chan struct{}),
		tracker:    tracker,
		errLog:     ratelimit.NewCounter(errLogInterval),
	}
}

// Start launches the decode workers and connects to the broker. The
// subscription itself happens in the OnConnect handler so it survives
// paho's automatic reconnects.
func (c *Client) Start() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.cfg.Broker, c.cfg.Port)
	opts.AddBroker(brokerURL)

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("canwatch-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)

	workers := c.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.decodeLoop()
	}

	log.Printf("MQTT: connecting to broker at %s...", brokerURL)

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		c.stopOnce.Do(func() { close(c.shutdown) })
		c.wg.Wait()
		return fmt.Errorf("mqttfeed: connect %s: %w", brokerURL, token.Error())
	}

	log.Println("MQTT: connected")
	return nil
}

// onConnect re-subscribes after every (re)connection.
func (c *Client) onConnect(client mqtt.Client) {
	log.Printf("MQTT: connected, subscribing to topic: %s", c.cfg.Topic)

	token := client.Subscribe(c.cfg.Topic, 0, c.messageHandler)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT: failed to subscribe: %v", token.Error())
		return
	}

	log.Println("MQTT: subscribed, receiving frames...")
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT: connection lost: %v", err)
	log.Println("MQTT: will attempt to reconnect...")
}

// messageHandler hands the raw payload to the decode workers. It must not
// block: paho delivers messages from its own goroutine and a stalled
// handler backs up the whole connection.
func (c *Client) messageHandler(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if len(payload) > maxPayloadBytes {
		c.decodeErrors.Add(1)
		if total, ok := c.errLog.Inc(); ok {
			log.Printf("MQTT: dropping oversize payload of %d bytes (%d errors total)", len(payload), total)
		}
		return
	}
	c.received.Add(1)

	select {
	case c.processing <- payload:
	default:
		c.dropped.Add(1)
		if total, ok := c.errLog.Inc(); ok {
			log.Printf("MQTT: processing queue full, dropping payload (%d drops+errors total)", total)
		}
	}
}

func (c *Client) decodeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.shutdown:
			return
		case payload := <-c.processing:
			c.decode(payload)
		}
	}
}

// decode parses one published document and forwards the frame.
func (c *Client) decode(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.recordDecodeError(fmt.Errorf("parse %q: %w", payload, err))
		return
	}

	f, err := c.toFrame(&msg)
	if err != nil {
		c.recordDecodeError(err)
		return
	}
	if c.tracker != nil {
		c.tracker.IncrementSourceBus(string(f.SourceType), f.Bus)
	}

	select {
	case c.out <- f:
		c.forwarded.Add(1)
	default:
		c.dropped.Add(1)
		log.Println("MQTT: frame channel full, dropping frame")
	}
}

// toFrame validates the wire document and builds the canonical frame.
func (c *Client) toFrame(msg *Message) (*frame.Frame, error) {
	if msg.Bus == "" {
		return nil, fmt.Errorf("message without bus name")
	}
	if msg.ID > frame.MaxExtendedID {
		return nil, fmt.Errorf("identifier %X outside the 29-bit range", msg.ID)
	}
	if msg.DLC > 8 {
		return nil, fmt.Errorf("bad dlc %d", msg.DLC)
	}
	data, err := hex.DecodeString(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("parse payload %q: %w", msg.Data, err)
	}
	if len(data) > 8 {
		return nil, fmt.Errorf("payload %q exceeds 8 bytes", msg.Data)
	}

	f := &frame.Frame{
		CANID:      msg.ID,
		Extended:   msg.ID > frame.MaxStandardID,
		Bus:        msg.Bus,
		Time:       time.UnixMicro(int64(msg.Timestamp * 1000)).UTC(),
		Timestamp:  msg.Timestamp,
		SourceType: frame.SourceMQTT,
		SourceNode: c.cfg.Broker,
	}
	f.SetData(data)
	return f, nil
}

func (c *Client) recordDecodeError(err error) {
	c.decodeErrors.Add(1)
	if c.tracker != nil {
		c.tracker.IncrementParseErrors()
	}
	if total, ok := c.errLog.Inc(); ok {
		log.Printf("MQTT: decode error (%d total): %v", total, err)
	}
}

// GetStats returns received payload, forwarded frame, decode error, and
// dropped counts.
func (c *Client) GetStats() (received, forwarded, decodeErrors, dropped uint64) {
	return c.received.Load(), c.forwarded.Load(), c.decodeErrors.Load(), c.dropped.Load()
}

// IsConnected returns whether the client is connected to the broker.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Stop unsubscribes, disconnects, and waits for the decode workers.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		log.Println("Stopping MQTT client...")

		if c.client != nil && c.client.IsConnected() {
			c.client.Unsubscribe(c.cfg.Topic)
			c.client.Disconnect(250)
		}

		close(c.shutdown)
	})
	c.wg.Wait()
}
