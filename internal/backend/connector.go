// Copyright (c) 2025 Databracket. All rights reserved.
// Use of this source code is governed by the license that can be found
// in the LICENSE file.

// Package backend implements the outbound SSH control-channel
// connector: one pinned-host-key SSH session riding the bastio-agent
// subsystem, with framing/parsing of every message that crosses it and
// fan-in/fan-out to registered endpoints. The connector runs an atomic
// state machine (disconnected/connecting/connected/closing) with
// exponential reconnect backoff and a full-duplex read/write loop.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Databracket/bastio-agent/internal/netstring"
	"github.com/Databracket/bastio-agent/internal/protocol"
	"github.com/Databracket/bastio-agent/internal/taskpool"
)

// Connector states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateClosing      = "closing"
)

// Subsystem is the SSH subsystem name invoked on the control channel.
const Subsystem = "bastio-agent"

// ClientVersionPrefix is prepended to the agent's version to build the
// SSH client identification string.
const ClientVersionPrefix = "SSH-2.0-bastio-"

// BackendError collapses every connect-path failure (dial, handshake,
// subsystem invocation) into a single reportable kind.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Endpoint is a registered (ingress, egress) queue pair: ingress
// carries backend-to-consumer messages, egress carries
// consumer-to-backend messages the connector is responsible for
// delivering or holding in its TX queue across reconnects.
type Endpoint struct {
	Ingress chan protocol.Message
	Egress  chan protocol.Message
}

// NewEndpoint creates an Endpoint with reasonably buffered channels.
func NewEndpoint() *Endpoint {
	return &Endpoint{
		Ingress: make(chan protocol.Message, 64),
		Egress:  make(chan protocol.Message, 64),
	}
}

// Config configures one Connector.
type Config struct {
	Host string
	Port int

	Username     string
	Signer       ssh.Signer
	HostKey      ssh.PublicKey
	AgentVersion string

	// ReceiveTimeout is the cadence of the write-interleave tick that
	// stands in for a short per-iteration read deadline (~10ms) — see
	// serve's doc comment for why this differs from a literal socket
	// deadline.
	ReceiveTimeout time.Duration
	// ReconnectDelay and MaxReconnectDelay drive exponential backoff on
	// connect failure, with the delay reset to ReconnectDelay on a
	// successful connect.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// EgressRateBytesPerSec throttles the write side via
	// golang.org/x/time/rate; 0 disables it.
	EgressRateBytesPerSec int64
}

func (c *Config) setDefaults() {
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = 10 * time.Millisecond
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 1 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.AgentVersion == "" {
		c.AgentVersion = "dev"
	}
}

// Connector maintains exactly one authenticated SSH session and the
// subsystem channel riding it.
type Connector struct {
	cfg Config
	log *slog.Logger

	state atomic.Value // string

	connMu  sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	stream  *sessionStream

	endpointsMu sync.RWMutex
	endpoints   []*Endpoint

	txMu sync.Mutex
	tx   []protocol.Message // head-push-on-retry deque

	backoffMu sync.Mutex
	backoff   time.Duration

	task *taskpool.Task
}

// New builds a Connector. cfg is copied and defaulted.
func New(cfg Config, log *slog.Logger) *Connector {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	c := &Connector{cfg: cfg, log: log.With("component", "backend"), backoff: cfg.ReconnectDelay}
	c.state.Store(StateDisconnected)
	return c
}

func (c *Connector) currentBackoff() time.Duration {
	c.backoffMu.Lock()
	defer c.backoffMu.Unlock()
	return c.backoff
}

func (c *Connector) growBackoff() {
	c.backoffMu.Lock()
	defer c.backoffMu.Unlock()
	c.backoff *= 2
	if c.backoff > c.cfg.MaxReconnectDelay {
		c.backoff = c.cfg.MaxReconnectDelay
	}
}

func (c *Connector) resetBackoff() {
	c.backoffMu.Lock()
	defer c.backoffMu.Unlock()
	c.backoff = c.cfg.ReconnectDelay
}

// State returns the current connector state.
func (c *Connector) State() string { return c.state.Load().(string) }

// Register adds ep to the fan-out set. Newly registered endpoints do
// not receive historical ingress messages; any egress already queued
// on ep is drained into the TX queue immediately
// so it is never lost across a subsequent reconnect.
func (c *Connector) Register(ep *Endpoint) {
	c.endpointsMu.Lock()
	c.endpoints = append(c.endpoints, ep)
	c.endpointsMu.Unlock()
	c.drainEndpointEgressIntoTX()
}

// Task builds the infinite taskpool.Task hosting the connector's
// connect/read/write loop.
func (c *Connector) Task() *taskpool.Task {
	c.task = taskpool.NewTask(c.Run, taskpool.Infinite(), taskpool.WithFailure(func(f *taskpool.Failure) {
		c.log.Error("connector loop failure", "error", f.Error())
	}))
	return c.task
}

// Stop transitions the connector through closing and cancels its
// infinite task.
func (c *Connector) Stop() {
	c.state.Store(StateClosing)
	c.closeSession()
	if c.task != nil {
		c.task.Stop()
	}
}

func (c *Connector) closeSession() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.stream = nil
}

// Run is one iteration of connect-then-serve, meant to be submitted to
// a taskpool.Pool as an infinite task. On a connect failure it sleeps
// for the current backoff before returning; when a served connection
// ends it returns without sleeping. Either way it returns (nil, nil),
// so the pool re-enqueues it for the next attempt.
func (c *Connector) Run(ctx context.Context) (any, error) {
	if ctx.Err() != nil || c.State() == StateClosing {
		return nil, nil
	}

	c.drainEndpointEgressIntoTX()

	c.state.Store(StateConnecting)
	if err := c.connect(); err != nil {
		c.log.Warn("connector connect failed", "error", err)
		c.state.Store(StateDisconnected)
		c.backoffSleep(ctx)
		return nil, nil
	}

	c.resetBackoff()
	c.state.Store(StateConnected)
	c.log.Info("connector connected", "host", c.cfg.Host, "port", c.cfg.Port)

	c.serve(ctx)

	c.closeSession()
	if c.State() != StateClosing {
		c.state.Store(StateDisconnected)
		c.log.Info("connector disconnected, will reconnect")
	}
	return nil, nil
}

// connect dials, authenticates with the pinned host key, and invokes
// the subsystem channel.
func (c *Connector) connect() error {
	clientCfg := &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.cfg.Signer)},
		HostKeyCallback: ssh.FixedHostKey(c.cfg.HostKey),
		ClientVersion:   ClientVersionPrefix + c.cfg.AgentVersion,
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return &BackendError{Op: "dial", Err: err}
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return &BackendError{Op: "open session", Err: err}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return &BackendError{Op: "stdin pipe", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return &BackendError{Op: "stdout pipe", Err: err}
	}

	if err := session.RequestSubsystem(Subsystem); err != nil {
		session.Close()
		client.Close()
		return &BackendError{Op: "request subsystem", Err: err}
	}

	c.connMu.Lock()
	c.client = client
	c.session = session
	c.stream = newSessionStream(stdout, stdin)
	c.connMu.Unlock()

	return nil
}

// serve runs the interleaved read/write loop over the current
// subsystem stream until ctx is cancelled or the stream breaks.
//
// An ssh.Channel has no per-read deadline the way a net.Conn does, so
// the short receive-timeout loop is reproduced with a reader goroutine
// feeding a channel and a ticker-driven write step selecting over
// both, rather than alternating blocking reads against a deadline.
func (c *Connector) serve(ctx context.Context) {
	c.connMu.Lock()
	stream := c.stream
	c.connMu.Unlock()
	if stream == nil {
		return
	}

	var writer frameWriter = stream
	if c.cfg.EgressRateBytesPerSec > 0 {
		writer = &rateLimitedFrameWriter{
			inner:   stream,
			limiter: newRateLimiter(ctx, c.cfg.EgressRateBytesPerSec),
		}
	}

	reader := netstring.NewReader(stream, netstring.DefaultMaxSize)

	frameCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		for {
			frame, err := reader.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case frameCh <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(c.cfg.ReceiveTimeout)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil || c.State() == StateClosing {
			return
		}
		select {
		case <-ctx.Done():
			return
		case frame := <-frameCh:
			if !c.dispatchInbound(frame) {
				return
			}
		case err := <-errCh:
			if isCleanEOF(err) {
				c.log.Info("connector connection lost")
			} else {
				c.log.Warn("connector read loop closing channel", "error", err)
			}
			return
		case <-ticker.C:
			if !c.writeOneFromTX(writer) {
				return
			}
		}
	}
}

// dispatchInbound parses frame and fans it out to every registered
// endpoint. It returns false when the frame is malformed and the
// channel must be closed.
func (c *Connector) dispatchInbound(frame []byte) bool {
	msg, err := protocol.Parse(frame)
	if err != nil {
		c.log.Error("connector received malformed message, closing channel", "error", err)
		return false
	}
	c.endpointsMu.RLock()
	defer c.endpointsMu.RUnlock()
	for _, ep := range c.endpoints {
		select {
		case ep.Ingress <- msg:
		default:
			c.log.Warn("endpoint ingress full, dropping message", "mid", msg.MessageID())
		}
	}
	return true
}

// drainEndpointEgressIntoTX moves ownership of every queued egress
// message from each endpoint into the connector's own TX queue, so it
// survives across the endpoint's next registration or a reconnect.
func (c *Connector) drainEndpointEgressIntoTX() {
	c.endpointsMu.RLock()
	endpoints := append([]*Endpoint(nil), c.endpoints...)
	c.endpointsMu.RUnlock()

	for _, ep := range endpoints {
		for {
			select {
			case msg := <-ep.Egress:
				c.pushTailTX(msg)
			default:
				goto next
			}
		}
	next:
	}
}

func (c *Connector) pushTailTX(msg protocol.Message) {
	c.txMu.Lock()
	c.tx = append(c.tx, msg)
	c.txMu.Unlock()
}

func (c *Connector) pushHeadTX(msg protocol.Message) {
	c.txMu.Lock()
	c.tx = append([]protocol.Message{msg}, c.tx...)
	c.txMu.Unlock()
}

func (c *Connector) popTX() (protocol.Message, bool) {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if len(c.tx) == 0 {
		return nil, false
	}
	msg := c.tx[0]
	c.tx = c.tx[1:]
	return msg, true
}

type frameWriter interface {
	WriteFrame([]byte) error
}

// writeOneFromTX pops and sends at most one queued message. It returns
// false when the channel should be closed (a write failed and forces
// a reconnect); true otherwise, whether or not anything was actually
// sent.
func (c *Connector) writeOneFromTX(w frameWriter) bool {
	c.drainEndpointEgressIntoTX()

	msg, ok := c.popTX()
	if !ok {
		return true
	}

	data, err := protocol.Marshal(msg)
	if err != nil {
		c.log.Error("connector dropping unmarshalable message", "mid", msg.MessageID(), "error", err)
		return true
	}

	if err := w.WriteFrame(netstring.Compose(data)); err != nil {
		// Re-queue at the head (not the tail) so delivery order is
		// preserved strictly across a reconnect.
		c.pushHeadTX(msg)
		c.log.Warn("connector write failed, closing channel", "error", err)
		return false
	}
	return true
}

func isCleanEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func (c *Connector) backoffSleep(ctx context.Context) {
	delay := c.currentBackoff()
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
	c.growBackoff()
}
