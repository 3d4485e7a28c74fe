// Package client implements the huddle client session: the synchronous
// connect handshake, the background receive and heartbeat loops, and
// the file-transfer state machine. Inbound records are surfaced through
// the Events interface; the interactive front end stays outside this
// package.
package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"huddle/protocol"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrConnectRejected  = errors.New("connect rejected")
)

// Config carries the client's runtime settings. Zero fields fall back
// to the defaults applied by New.
type Config struct {
	Addr         string
	DialTimeout  time.Duration
	PingInterval time.Duration
	ChunkSize    int           // bytes per file_transfer_data record
	OfferTTL     time.Duration // how long an unanswered file offer stays open
}

type Client struct {
	config    Config
	events    Events
	transfers *transferManager
	log       zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	handle string
	active bool
	done   chan struct{}

	// wmu serializes writes so the send path, the heartbeat and the
	// chunk sender never interleave records on the wire.
	wmu sync.Mutex
}

func New(config Config, events Events, log zerolog.Logger) *Client {
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 60 * time.Second
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = 4096
	}
	if config.OfferTTL == 0 {
		config.OfferTTL = 5 * time.Minute
	}
	c := &Client{
		config: config,
		events: events,
		log:    log.With().Str("component", "client").Logger(),
	}
	c.transfers = newTransferManager(c, config.OfferTTL, c.log)
	return c
}

// Connect dials the server, registers the handle and blocks for exactly
// one reply record. Only after an ok-status response does it start the
// receive and heartbeat goroutines; a rejected or failed handshake
// leaves no background activity behind.
func (c *Client) Connect(handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return errors.New("handle required")
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	conn, err := net.DialTimeout("tcp", c.config.Addr, c.config.DialTimeout)
	if err != nil {
		return fmt.Errorf("connect to server: %w", err)
	}

	if err := protocol.Write(conn, protocol.NewConnect(handle)); err != nil {
		conn.Close()
		return fmt.Errorf("send connect: %w", err)
	}

	reader := protocol.NewReader(conn)
	resp, err := reader.Read()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read connect response: %w", err)
	}
	if resp.Action() != protocol.ActionConnect || resp.Str("status") != protocol.StatusOK {
		conn.Close()
		reason := resp.Str("error")
		if reason == "" {
			reason = "unknown error"
		}
		return fmt.Errorf("%w: %s", ErrConnectRejected, reason)
	}

	c.mu.Lock()
	c.conn = conn
	c.handle = handle
	c.active = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.readLoop(reader)
	go c.pingLoop(done)

	c.log.Info().Str("user", handle).Str("addr", c.config.Addr).Msg("connected")
	return nil
}

// Handle returns the handle registered by the last successful Connect.
func (c *Client) Handle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Connected reports whether the session is currently active.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SendMessage sends a direct text message to another online handle.
func (c *Client) SendMessage(to, text string) error {
	if to == "" || text == "" {
		return errors.New("recipient and message required")
	}
	return c.send(protocol.NewMessage(to, text))
}

// OfferFile asks to send the file at path to another handle. Chunks
// start flowing once the peer accepts.
func (c *Client) OfferFile(to, path string) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.transfers.Offer(to, path)
}

// AcceptFile accepts a pending file offer; received chunks are appended
// to savePath.
func (c *Client) AcceptFile(from, filename, savePath string) error {
	return c.transfers.Accept(from, filename, savePath)
}

// DeclineFile rejects a pending file offer.
func (c *Client) DeclineFile(from, filename, reason string) error {
	return c.transfers.Decline(from, filename, reason)
}

// CancelTransfer aborts an in-flight transfer in either direction.
func (c *Client) CancelTransfer(peer, filename, reason string) error {
	return c.transfers.Cancel(peer, filename, reason)
}

// TransferState reports the state of a transfer with peer, if known.
func (c *Client) TransferState(peer, filename string) (TransferState, bool) {
	return c.transfers.State(peer, filename)
}

// Disconnect announces departure to the server and ends the session.
// Safe to call when already disconnected.
func (c *Client) Disconnect() error {
	if !c.Connected() {
		return nil
	}
	c.send(protocol.NewDisconnect())
	c.teardown()
	return nil
}

func (c *Client) send(rec protocol.Record) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.Write(conn, rec)
}

// teardown ends the session exactly once: it stops the heartbeat,
// closes the transport, cancels in-flight transfers and fires the
// Disconnected event. Reachable from Disconnect, a dead read loop and a
// failed heartbeat alike.
func (c *Client) teardown() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	conn := c.conn
	close(c.done)
	c.mu.Unlock()

	conn.Close()
	c.transfers.abortAll()
	c.log.Info().Msg("disconnected")
	c.events.Disconnected()
}

// readLoop dispatches every inbound record to exactly one Events method
// until the transport dies. Malformed lines are skipped.
func (c *Client) readLoop(reader *protocol.Reader) {
	for {
		rec, err := reader.Read()
		if err != nil {
			if protocol.IsMalformed(err) {
				c.log.Debug().Err(err).Msg("skipping malformed record")
				continue
			}
			c.teardown()
			return
		}
		c.dispatch(rec)
	}
}

func (c *Client) dispatch(rec protocol.Record) {
	switch rec.Action() {
	case protocol.ActionMessage:
		c.events.Message(rec.Str("from"), rec.Str("message"))
	case protocol.ActionUserList:
		c.events.RosterUpdate(rec.Users())
	case protocol.ActionError:
		c.events.ServerError(rec.Str("error"))
	case protocol.ActionFileRequest:
		c.transfers.handleRequest(rec)
	case protocol.ActionFileAccept:
		c.transfers.handleAccept(rec)
	case protocol.ActionFileCancel:
		c.transfers.handleCancel(rec)
	case protocol.ActionFileData:
		c.transfers.handleData(rec)
	case protocol.ActionFileComplete:
		c.transfers.handleComplete(rec)
	default:
		c.log.Debug().Str("action", rec.Action()).Msg("ignoring unknown action")
	}
}

// pingLoop is the heartbeat: a ping every PingInterval keeps the server
// from evicting this session. A failed ping means the transport is gone.
func (c *Client) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.send(protocol.NewPing()); err != nil {
				c.teardown()
				return
			}
		}
	}
}
