// Package telnet implements the operator console for canwatch. Operators
// connect with any telnet client, log in with an operator name, and query the
// live timing analysis through the commands package. The server also pushes
// analysis-cycle notices to every connected console through a sharded worker
// pool so a single slow session can never stall the analyzer.
package telnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	ztelnet "github.com/ziutek/telnet"

	"canwatch/commands"
	"canwatch/config"
	"canwatch/stats"
)

// Telnet protocol IAC (Interpret As Command) constants.
//
// Clients send these sequences to negotiate terminal options. The server
// answers with a minimal negotiation (suppress go-ahead, no server echo) and
// otherwise consumes sequences so they never leak into command input.
const (
	IAC  = 255 // Interpret As Command - starts telnet command sequence
	DONT = 254 // Request client to disable an option
	DO   = 253 // Request client to enable an option
	WONT = 252 // Client refuses to enable an option
	WILL = 251 // Client agrees to enable an option
	SB   = 250 // Subnegotiation begins
	SE   = 240 // Subnegotiation ends
)

const (
	defaultMaxConnections   = 50
	defaultBroadcastQueue   = 100
	defaultWorkerQueueSize  = 64
	defaultClientBufferSize = 32
	defaultSendDeadline     = 2 * time.Second
	defaultLoginLineLimit   = 32
	defaultCommandLineLimit = 128
	maxOperatorNameLen      = 24
)

const (
	loginPrompt       = "login: "
	loginEmptyMsg     = "Please enter an operator name.\n"
	loginInvalidMsg   = "Operator names use letters, digits, '-' and '_' (1-24 chars).\n"
	duplicateLoginMsg = "Logged in from another session. Closing this one.\n"
	serverFullMsg     = "Server full. Try again later.\r\n"
	idleTimeoutMsg    = "Idle timeout, closing connection.\n"
	farewellMsg       = "Bye.\n"
)

// Server is the multi-session operator console.
type Server struct {
	port             int
	welcomeMessage   string
	maxConnections   int
	idleTimeout      time.Duration
	loginLineLimit   int
	commandLineLimit int
	useZiutek        bool
	skipHandshake    bool // Tests disable the IAC handshake to keep pipes clean

	listener     net.Listener
	clients      map[string]*Client // Keyed by operator name
	clientsMutex sync.RWMutex
	shutdown     chan struct{}

	broadcast        chan string
	broadcastWorkers int
	workerQueueSize  int
	workerQueues     []chan *broadcastJob
	clientShards     [][]*Client
	shardsDirty      atomic.Bool
	clientBufferSize int
	metrics          broadcastMetrics

	processor *commands.Processor
	tracker   *stats.Tracker
}

// Client represents one logged-in console session.
type Client struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	name        string // Operator name, uppercase
	connected   time.Time
	server      *Server
	address     string
	noticeChan  chan string // Buffered channel for analysis notices
	dropCount   uint64
	skipNextEOL bool // Consume a single LF/NUL after CR (RFC 854 compliance)

	// pendingDeliveries tracks broadcast jobs still referencing this client so
	// unregister can wait before closing noticeChan.
	pendingDeliveries sync.WaitGroup
}

// broadcastJob carries one notice line to a shard of clients.
type broadcastJob struct {
	line    string
	clients []*Client
}

type broadcastMetrics struct {
	queueDrops     uint64
	clientDrops    uint64
	senderFailures uint64
}

func (m *broadcastMetrics) snapshot() (queueDrops, clientDrops, senderFailures uint64) {
	queueDrops = atomic.LoadUint64(&m.queueDrops)
	clientDrops = atomic.LoadUint64(&m.clientDrops)
	senderFailures = atomic.LoadUint64(&m.senderFailures)
	return
}

func (s *Server) recordSenderFailure() uint64 {
	if s == nil {
		return 0
	}
	return atomic.AddUint64(&s.metrics.senderFailures, 1)
}

// InputValidationError represents a non-fatal ingress violation (length or
// character guardrails). Returning this error lets the caller keep the
// session open and prompt the operator again.
type InputValidationError struct {
	reason  string
	context string
	kind    inputErrorKind
	maxLen  int
	allowed string
}

func (e *InputValidationError) Error() string {
	return e.reason
}

type inputErrorKind string

const (
	inputErrorTooLong     inputErrorKind = "too_long"
	inputErrorInvalidChar inputErrorKind = "invalid_char"
)

func newInputTooLongError(context string, maxLen int) error {
	return &InputValidationError{
		reason:  fmt.Sprintf("%s input exceeds %d-byte limit", context, maxLen),
		context: context,
		kind:    inputErrorTooLong,
		maxLen:  maxLen,
		allowed: allowedCharacterList,
	}
}

func newInputInvalidCharError(context string, maxLen int, b byte) error {
	return &InputValidationError{
		reason:  fmt.Sprintf("%s input contains forbidden byte 0x%02X", context, b),
		context: context,
		kind:    inputErrorInvalidChar,
		maxLen:  maxLen,
		allowed: allowedCharacterList,
	}
}

// NewServer creates a console server bound to the given configuration. The
// processor handles command dispatch once an operator is logged in; tracker
// may be nil when statistics are disabled.
func NewServer(cfg config.ConsoleConfig, processor *commands.Processor, tracker *stats.Tracker) *Server {
	cfg = normalizeConsoleConfig(cfg)
	return &Server{
		port:             cfg.Port,
		welcomeMessage:   cfg.WelcomeMessage,
		maxConnections:   cfg.MaxConnections,
		idleTimeout:      time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		loginLineLimit:   defaultLoginLineLimit,
		commandLineLimit: defaultCommandLineLimit,
		useZiutek:        strings.EqualFold(cfg.Transport, "ziutek"),
		clients:          make(map[string]*Client),
		shutdown:         make(chan struct{}),
		broadcast:        make(chan string, defaultBroadcastQueue),
		broadcastWorkers: cfg.BroadcastWorkers,
		workerQueueSize:  defaultWorkerQueueSize,
		clientBufferSize: defaultClientBufferSize,
		processor:        processor,
		tracker:          tracker,
	}
}

// normalizeConsoleConfig fills in the limits the YAML layer leaves at zero so
// the server never runs with an unbounded or empty setting.
func normalizeConsoleConfig(cfg config.ConsoleConfig) config.ConsoleConfig {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.BroadcastWorkers <= 0 {
		cfg.BroadcastWorkers = defaultBroadcastWorkers()
	}
	if cfg.IdleTimeoutSeconds < 0 {
		cfg.IdleTimeoutSeconds = 0
	}
	return cfg
}

func defaultBroadcastWorkers() int {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	if workers < 2 {
		workers = 2
	}
	return workers
}

// Start begins listening for console connections
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	listener, err := listenWithReuse(addr)
	if err != nil {
		return fmt.Errorf("failed to start console server: %w", err)
	}

	s.listener = listener
	log.Printf("Console server listening on port %d (%d broadcast workers)", s.port, s.broadcastWorkers)

	// Prepare worker pool before any notices arrive
	s.startWorkerPool()

	// Start broadcast handler
	go s.handleBroadcasts()

	// Accept connections in a goroutine
	go s.acceptConnections()

	return nil
}

// listenWithReuse enables SO_REUSEADDR so we can rebind quickly after a crash/exit.
// It falls back to a standard Listen when the control call fails.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		// Fallback to default listener to avoid failing on platforms that reject the control call.
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptConnections handles incoming connections
func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Error accepting connection: %v", err)
				continue
			}
		}

		if s.maxConnections > 0 && s.GetClientCount() >= s.maxConnections {
			log.Printf("Rejecting connection from %s: server full (%d clients)", conn.RemoteAddr(), s.maxConnections)
			_, _ = conn.Write([]byte(serverFullMsg))
			conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(2 * time.Minute)
		}

		// Handle this client in a new goroutine
		go s.handleClient(conn)
	}
}

// handleClient manages a single console session from handshake to logout.
func (s *Server) handleClient(conn net.Conn) {
	defer conn.Close()

	address := conn.RemoteAddr().String()
	log.Printf("New console connection from %s", address)

	noticeQueueSize := s.clientBufferSize
	if noticeQueueSize <= 0 {
		noticeQueueSize = defaultClientBufferSize
	}

	// Select the telnet transport backend.
	readerConn := conn
	writerConn := conn
	if s.useZiutek {
		tconn, err := ztelnet.NewConn(conn)
		if err != nil {
			log.Printf("telnet: failed to wrap connection from %s: %v", address, err)
			return
		}
		readerConn = tconn
		writerConn = tconn
	}
	client := &Client{
		conn:       conn,
		reader:     bufio.NewReader(readerConn),
		writer:     bufio.NewWriter(writerConn),
		connected:  time.Now(),
		server:     s,
		address:    address,
		noticeChan: make(chan string, noticeQueueSize),
	}

	s.negotiateTelnet(client)

	if strings.TrimSpace(s.welcomeMessage) != "" {
		_ = client.Send(s.welcomeMessage + "\n")
	}
	_ = client.Send(loginPrompt)

	var name string
	for {
		// Read the operator name with tight guard rails so a single telnet
		// client cannot consume unbounded memory or smuggle control characters
		// during login.
		client.setIdleDeadline(s.idleTimeout)
		line, err := client.ReadLine(s.loginLineLimit, "login")
		if err != nil {
			var inputErr *InputValidationError
			if errors.As(err, &inputErr) {
				_ = client.Send(formatInputValidationMessage(inputErr))
				_ = client.Send(loginPrompt)
				continue
			}
			log.Printf("Error reading operator name from %s: %v", address, err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			_ = client.Send(loginEmptyMsg)
			_ = client.Send(loginPrompt)
			continue
		}
		if !isValidOperatorName(line) {
			_ = client.Send(loginInvalidMsg)
			_ = client.Send(loginPrompt)
			continue
		}
		name = line
		break
	}

	client.name = name
	log.Printf("Console %s logged in as %s", address, client.name)
	if s.tracker != nil {
		s.tracker.IncrementConsoleLogins()
	}

	// Register client
	s.registerClient(client)
	defer s.unregisterClient(client)

	greeting := fmt.Sprintf("Hello %s. %d console(s) connected. Type HELP for commands.\n", client.name, s.GetClientCount())
	_ = client.Send(greeting)

	// Start notice sender goroutine
	go client.noticeSender()

	// Read commands from client
	for {
		client.setIdleDeadline(s.idleTimeout)
		line, err := client.ReadLine(s.commandLineLimit, "command")
		if err != nil {
			var inputErr *InputValidationError
			if errors.As(err, &inputErr) {
				_ = client.Send(formatInputValidationMessage(inputErr))
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Best effort: the write deadline inside Send still applies.
				_ = client.Send(idleTimeoutMsg)
				log.Printf("Console %s idle for %s, disconnecting", client.name, s.idleTimeout)
				return
			}
			log.Printf("Console %s disconnected: %v", client.name, err)
			return
		}

		// Treat blank lines as client keepalives: echo CRLF so idle consoles see traffic.
		if strings.TrimSpace(line) == "" {
			_ = client.Send("\r\n")
			continue
		}

		response := s.processor.ProcessCommand(line)
		if response == "BYE" {
			_ = client.Send(farewellMsg)
			log.Printf("Console %s logged out after %s", client.name, time.Since(client.connected).Round(time.Second))
			return
		}
		if response != "" {
			if err := client.Send(response); err != nil {
				log.Printf("Console %s write failed: %v", client.name, err)
				return
			}
		}
	}
}

// negotiateTelnet sends the minimal option set: full-duplex (suppress
// go-ahead) with the client keeping local echo. The ziutek backend performs
// its own negotiation, so this only covers the native transport.
func (s *Server) negotiateTelnet(client *Client) {
	if s.skipHandshake || s.useZiutek || client == nil || client.conn == nil {
		return
	}
	conn := client.conn
	sendTelnetOption(conn, WILL, 3)
	sendTelnetOption(conn, DO, 3)
	sendTelnetOption(conn, WONT, 1)
}

func sendTelnetOption(conn net.Conn, command, option byte) {
	if conn == nil {
		return
	}
	if err := conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline)); err != nil {
		return
	}
	_, _ = conn.Write([]byte{IAC, command, option})
	_ = conn.SetWriteDeadline(time.Time{})
}

// isValidOperatorName accepts 1-24 characters of letters, digits, '-' or '_'.
func isValidOperatorName(name string) bool {
	if len(name) == 0 || len(name) > maxOperatorNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		b := name[i]
		switch {
		case b >= 'A' && b <= 'Z':
		case b >= '0' && b <= '9':
		case b == '-' || b == '_':
		default:
			return false
		}
	}
	return true
}

// registerClient adds a client to the active table, evicting any prior
// session that used the same operator name.
func (s *Server) registerClient(client *Client) {
	var evicted *Client
	s.clientsMutex.Lock()
	if existing, ok := s.clients[client.name]; ok {
		evicted = existing
		delete(s.clients, client.name)
	}
	s.clients[client.name] = client
	total := len(s.clients)
	s.shardsDirty.Store(true)
	s.clientsMutex.Unlock()

	if evicted != nil {
		_ = evicted.Send(duplicateLoginMsg)
		evicted.conn.Close()
		log.Printf("Evicted existing session for %s due to duplicate login", client.name)
	}
	log.Printf("Registered console client: %s (total: %d)", client.name, total)
}

// unregisterClient removes a client from the active clients list
func (s *Server) unregisterClient(client *Client) {
	s.clientsMutex.Lock()
	current, ok := s.clients[client.name]
	if ok && current == client {
		delete(s.clients, client.name)
	}
	total := len(s.clients)
	s.shardsDirty.Store(true)
	s.clientsMutex.Unlock()

	// Ensure all outstanding broadcast deliveries referencing this client
	// complete before we close the channel.
	client.pendingDeliveries.Wait()
	close(client.noticeChan)
	log.Printf("Unregistered console client: %s (total: %d)", client.name, total)
}

// GetClientCount returns the number of logged-in consoles
func (s *Server) GetClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

// WorkerCount returns the number of broadcast workers currently configured.
func (s *Server) WorkerCount() int {
	return s.broadcastWorkers
}

// BroadcastMetricSnapshot reports drop and failure counters for diagnostics.
func (s *Server) BroadcastMetricSnapshot() (queueDrops, clientDrops, senderFailures uint64) {
	return s.metrics.snapshot()
}

// Stop shuts down the console server
func (s *Server) Stop() {
	log.Println("Stopping console server...")
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}

	// Disconnect all clients
	s.clientsMutex.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.clientsMutex.Unlock()
}

// BroadcastNotice queues one line for delivery to every connected console.
// It never blocks: when the queue is full the notice is counted and dropped.
func (s *Server) BroadcastNotice(line string) {
	if s == nil {
		return
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	select {
	case s.broadcast <- line + "\n":
	default:
		drops := atomic.AddUint64(&s.metrics.queueDrops, 1)
		if shouldLogQueueDrop(drops) {
			log.Printf("Broadcast channel full (%d/%d buffered), dropping notice (total queue drops=%d)", len(s.broadcast), cap(s.broadcast), drops)
		}
	}
}

// handleBroadcasts fans queued notices out to the worker shards
func (s *Server) handleBroadcasts() {
	for {
		select {
		case <-s.shutdown:
			return
		case line := <-s.broadcast:
			s.dispatchNoticeToWorkers(line, s.cachedClientShards())
		}
	}
}

func (s *Server) startWorkerPool() {
	if s.broadcastWorkers <= 0 {
		s.broadcastWorkers = defaultBroadcastWorkers()
	}
	if len(s.workerQueues) != 0 {
		return
	}
	queueSize := s.workerQueueSize
	if queueSize <= 0 {
		queueSize = defaultWorkerQueueSize
	}
	s.workerQueues = make([]chan *broadcastJob, s.broadcastWorkers)
	for i := 0; i < s.broadcastWorkers; i++ {
		s.workerQueues[i] = make(chan *broadcastJob, queueSize)
		go s.broadcastWorker(i, s.workerQueues[i])
	}
}

func (s *Server) dispatchNoticeToWorkers(line string, shards [][]*Client) {
	for i, clients := range shards {
		if len(clients) == 0 {
			continue
		}
		for _, client := range clients {
			client.pendingDeliveries.Add(1)
		}
		job := &broadcastJob{line: line, clients: clients}
		select {
		case s.workerQueues[i] <- job:
		default:
			drops := atomic.AddUint64(&s.metrics.queueDrops, 1)
			if shouldLogQueueDrop(drops) {
				log.Printf("Worker %d queue full (%d pending jobs), dropping %d-client shard (total queue drops=%d)", i, len(s.workerQueues[i]), len(clients), drops)
			}
			for _, client := range clients {
				client.pendingDeliveries.Done()
			}
		}
	}
}

// cachedClientShards returns the shard snapshot, rebuilding only when marked dirty.
func (s *Server) cachedClientShards() [][]*Client {
	if !s.shardsDirty.Load() && len(s.clientShards) > 0 {
		return s.clientShards
	}

	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()

	workers := s.broadcastWorkers
	if workers <= 0 {
		workers = 1
	}
	shards := make([][]*Client, workers)
	idx := 0
	for _, client := range s.clients {
		shard := idx % workers
		shards[shard] = append(shards[shard], client)
		idx++
	}
	s.clientShards = shards
	s.shardsDirty.Store(false)
	return shards
}

func (s *Server) broadcastWorker(id int, jobs <-chan *broadcastJob) {
	log.Printf("Broadcast worker %d started", id)
	for {
		select {
		case <-s.shutdown:
			return
		case job := <-jobs:
			if job == nil {
				continue
			}
			s.deliverJob(job)
		}
	}
}

func (s *Server) deliverJob(job *broadcastJob) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("telnet: panic delivering broadcast job: %v", r)
		}
	}()
	for _, client := range job.clients {
		if client == nil {
			continue
		}
		client.pendingDeliveries.Done()
		select {
		case client.noticeChan <- job.line:
		default:
			drops := atomic.AddUint64(&s.metrics.clientDrops, 1)
			clientDrops := atomic.AddUint64(&client.dropCount, 1)
			if shouldLogQueueDrop(drops) {
				log.Printf("Console %s notice channel full, dropping notice (client drops=%d total=%d)", client.name, clientDrops, drops)
			}
		}
	}
}

func shouldLogQueueDrop(total uint64) bool {
	return total == 1 || total%100 == 0
}

// noticeSender drains the client's notice channel onto the wire. A write
// failure closes the connection so the session read loop exits and the
// client unregisters.
func (c *Client) noticeSender() {
	for line := range c.noticeChan {
		if err := c.Send(line); err != nil {
			failures := uint64(0)
			if c.server != nil {
				failures = c.server.recordSenderFailure()
			}
			log.Printf("Console %s disconnecting: sender write failure: %v (total sender failures=%d)", c.name, err, failures)
			if c.conn != nil {
				_ = c.conn.Close()
			}
			return
		}
	}
}

// Send writes a message to the client with proper line endings
func (c *Client) Send(message string) error {
	// Protect broadcast goroutines from stalling on slow or wedged clients by
	// bounding how long a write can block. Each call refreshes the deadline and
	// then clears it, so idle clients are not disconnected by an old timeout.
	if c.conn != nil {
		if err := c.conn.SetWriteDeadline(time.Now().Add(defaultSendDeadline)); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	// Normalize any existing CRLF to LF, then replace LF with CRLF so callers
	// don't need to worry about line endings (and we avoid doubling CRs).
	message = strings.ReplaceAll(message, "\r\n", "\n")
	message = strings.ReplaceAll(message, "\n", "\r\n")
	_, err := c.writer.WriteString(message)
	if err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Client) setIdleDeadline(idle time.Duration) {
	if c.conn == nil {
		return
	}
	if idle <= 0 {
		_ = c.conn.SetReadDeadline(time.Time{})
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
}

// allowedCharacterList names the input safe list for validation messages.
const allowedCharacterList = "letters, digits, space, '/', '-', '_', '.'"

// ReadLine reads a single logical line from the telnet client while enforcing
// three invariants:
//  1. Telnet IAC negotiations are consumed without leaking into user input,
//     including subnegotiation payloads (IAC SB ... IAC SE).
//  2. User-supplied characters are bounded to maxLen bytes to prevent
//     unbounded growth (32 bytes for login, 128 for commands).
//  3. Only the safe character set (letters, digits, space, '/', '-', '_',
//     '.') is accepted. Any other character is rejected, logged, and returned
//     as an error so the caller can re-prompt without mutating state.
//
// The CRLF terminator is always allowed: '\r' ends the line and a following
// '\n' (or NUL) is consumed per RFC 854. BS/DEL remove one byte so raw
// clients can correct typos. Input is normalized to uppercase; maxLen is
// measured in bytes because telnet input is ASCII-oriented.
func (c *Client) ReadLine(maxLen int, context string) (string, error) {
	if maxLen <= 0 {
		maxLen = defaultCommandLineLimit
	}
	if context == "" {
		context = "command"
	}

	var line []byte

	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return "", err
		}

		// Consume the LF/NUL byte that may follow a CR terminator (RFC 854).
		if c.skipNextEOL {
			c.skipNextEOL = false
			if b == '\n' || b == 0x00 {
				continue
			}
		}

		// Always consume telnet IAC sequences so negotiation bytes never reach
		// the input validator. This keeps behavior consistent across transports.
		if b == IAC {
			if err := c.consumeIACSequence(); err != nil {
				return "", err
			}
			continue
		}

		// End of line once LF is observed.
		if b == '\n' {
			break
		}
		if b == '\r' {
			c.skipNextEOL = true
			break
		}

		if b == 0x08 || b == 0x7f { // BS or DEL
			if len(line) > 0 {
				line = line[:len(line)-1]
			}
			continue
		}

		if len(line) >= maxLen {
			c.logRejectedInput(context, fmt.Sprintf("exceeded %d-byte limit", maxLen))
			return "", newInputTooLongError(context, maxLen)
		}
		if !isAllowedInputByte(b) {
			c.logRejectedInput(context, fmt.Sprintf("forbidden byte 0x%02X", b))
			return "", newInputInvalidCharError(context, maxLen, b)
		}

		normalized := b
		if normalized >= 'a' && normalized <= 'z' {
			normalized -= 'a' - 'A'
		}
		line = append(line, normalized)
	}

	return string(line), nil
}

// consumeIACSequence drains a single telnet IAC sequence. Data bytes embedded
// in negotiations are discarded so they cannot trip input validation.
func (c *Client) consumeIACSequence() error {
	cmd, err := c.reader.ReadByte()
	if err != nil {
		return err
	}
	switch cmd {
	case IAC:
		// Escaped 0xFF byte; ignore because console input is ASCII-only here.
		return nil
	case DO, DONT, WILL, WONT:
		_, err = c.reader.ReadByte()
		return err
	case SB:
		return c.consumeSubnegotiation()
	default:
		// Single-byte command; ignore.
		return nil
	}
}

// consumeSubnegotiation drains bytes until IAC SE, honoring IAC escapes.
func (c *Client) consumeSubnegotiation() error {
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return err
		}
		if b != IAC {
			continue
		}
		next, err := c.reader.ReadByte()
		if err != nil {
			return err
		}
		if next == IAC {
			continue
		}
		if next == SE {
			return nil
		}
		// Ignore unexpected bytes and continue scanning for IAC SE.
	}
}

// isAllowedInputByte reports whether the byte is part of the ingress safe
// list. CRLF, IAC, and editing controls are handled separately by ReadLine.
func isAllowedInputByte(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == ' ':
		return true
	case b == '/':
		return true
	case b == '-':
		return true
	case b == '_':
		return true
	case b == '.':
		return true
	default:
		return false
	}
}

func formatInputValidationMessage(err *InputValidationError) string {
	label := friendlyContextLabel(err.context)
	switch err.kind {
	case inputErrorTooLong:
		return fmt.Sprintf("%s too long (max %d bytes).\n", label, err.maxLen)
	case inputErrorInvalidChar:
		return fmt.Sprintf("%s may only contain %s.\n", label, err.allowed)
	default:
		return fmt.Sprintf("%s rejected.\n", label)
	}
}

func friendlyContextLabel(context string) string {
	context = strings.TrimSpace(context)
	if context == "" {
		return "Input"
	}
	if len(context) == 1 {
		return strings.ToUpper(context)
	}
	return strings.ToUpper(context[:1]) + context[1:]
}

// logRejectedInput emits a consistent log entry whenever ingress validation
// rejects a line, so operators can spot probing or broken clients.
func (c *Client) logRejectedInput(context, reason string) {
	name := c.name
	if name == "" {
		name = c.address
	}
	log.Printf("Rejected %s input from %s: %s", context, name, reason)
}
