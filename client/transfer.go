package client

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"huddle/protocol"
)

var (
	ErrUnknownTransfer = errors.New("unknown transfer")
	ErrTransferActive  = errors.New("transfer already in progress")
)

// TransferState tracks one file transfer through its lifecycle. The
// server never sees these states; both endpoints run the machine
// independently and the relay stays oblivious.
type TransferState int

const (
	TransferIdle TransferState = iota
	TransferAwaitingAccept
	TransferTransferring
	TransferDone
	TransferCancelled
)

func (s TransferState) String() string {
	switch s {
	case TransferAwaitingAccept:
		return "awaiting_accept"
	case TransferTransferring:
		return "transferring"
	case TransferDone:
		return "done"
	case TransferCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

func (s TransferState) terminal() bool {
	return s == TransferDone || s == TransferCancelled
}

// transfer is one live (or recently finished) transfer, keyed by
// (peer, filename).
type transfer struct {
	peer     string
	filename string
	outbound bool
	path     string    // chunk source path, outbound only
	sink     ChunkSink // chunk destination, inbound only
	state    TransferState
}

// offer is a pending inbound file request the user has not answered
// yet. Offers expire; resolved marks ones answered before expiry so the
// eviction hook does not cancel them a second time.
type offer struct {
	from     string
	filename string
	filetype string
	size     int64
	resolved atomic.Bool
}

// transferManager owns the client side of the file-transfer state
// machine, both directions. The sender alone numbers chunks and flags
// the last one; the receiver appends chunks in arrival order and never
// reassembles by index.
type transferManager struct {
	c   *Client
	log zerolog.Logger

	mu        sync.Mutex
	transfers map[string]*transfer

	offers *cache.Cache
}

func newTransferManager(c *Client, offerTTL time.Duration, log zerolog.Logger) *transferManager {
	m := &transferManager{
		c:         c,
		log:       log.With().Str("component", "transfers").Logger(),
		transfers: make(map[string]*transfer),
		offers:    cache.New(offerTTL, offerTTL),
	}
	m.offers.OnEvicted(func(key string, v any) {
		off, ok := v.(*offer)
		if !ok || off.resolved.Load() {
			return
		}
		// The user never answered; withdraw the offer on both sides.
		m.c.send(protocol.NewFileCancel(m.c.Handle(), off.from, off.filename, "offer expired"))
		m.c.events.FileCancelled(off.from, off.filename, "offer expired")
	})
	return m
}

func transferKey(peer, filename string) string {
	return peer + "\x00" + filename
}

// Offer registers an outbound transfer and sends the file request. The
// transfer waits in AwaitingAccept until the peer answers.
func (m *transferManager) Offer(to, path string) error {
	if to == "" {
		return errors.New("recipient required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	filename := filepath.Base(path)
	filetype := strings.TrimPrefix(filepath.Ext(filename), ".")

	key := transferKey(to, filename)
	m.mu.Lock()
	if t, ok := m.transfers[key]; ok && !t.state.terminal() {
		m.mu.Unlock()
		return ErrTransferActive
	}
	m.transfers[key] = &transfer{
		peer:     to,
		filename: filename,
		outbound: true,
		path:     path,
		state:    TransferAwaitingAccept,
	}
	m.mu.Unlock()

	if err := m.c.send(protocol.NewFileRequest(m.c.Handle(), to, filename, info.Size(), filetype)); err != nil {
		m.mu.Lock()
		delete(m.transfers, key)
		m.mu.Unlock()
		return err
	}
	return nil
}

// Accept answers a pending offer: it opens the sink at savePath, moves
// the transfer to Transferring and tells the sender to start.
func (m *transferManager) Accept(from, filename, savePath string) error {
	key := transferKey(from, filename)
	v, ok := m.offers.Get(key)
	if !ok {
		return ErrUnknownTransfer
	}
	off := v.(*offer)
	off.resolved.Store(true)
	m.offers.Delete(key)

	sink, err := newFileSink(savePath)
	if err != nil {
		m.c.send(protocol.NewFileCancel(m.c.Handle(), from, filename, "cannot open save path"))
		return err
	}

	m.mu.Lock()
	m.transfers[key] = &transfer{
		peer:     from,
		filename: filename,
		sink:     sink,
		state:    TransferTransferring,
	}
	m.mu.Unlock()

	if err := m.c.send(protocol.NewFileAccept(m.c.Handle(), from, filename)); err != nil {
		m.mu.Lock()
		sink.Close()
		delete(m.transfers, key)
		m.mu.Unlock()
		return err
	}
	return nil
}

// Decline answers a pending offer with a cancel record.
func (m *transferManager) Decline(from, filename, reason string) error {
	key := transferKey(from, filename)
	if v, ok := m.offers.Get(key); ok {
		v.(*offer).resolved.Store(true)
		m.offers.Delete(key)
	}
	return m.c.send(protocol.NewFileCancel(m.c.Handle(), from, filename, reason))
}

// Cancel aborts a transfer from any non-terminal state and notifies the
// peer. Also withdraws a still-pending inbound offer under the same key.
func (m *transferManager) Cancel(peer, filename, reason string) error {
	key := transferKey(peer, filename)
	if v, ok := m.offers.Get(key); ok {
		v.(*offer).resolved.Store(true)
		m.offers.Delete(key)
	}

	m.mu.Lock()
	if t, ok := m.transfers[key]; ok && !t.state.terminal() {
		t.state = TransferCancelled
		if t.sink != nil {
			t.sink.Close()
		}
	}
	m.mu.Unlock()

	return m.c.send(protocol.NewFileCancel(m.c.Handle(), peer, filename, reason))
}

// State reports the current state of a transfer, if known.
func (m *transferManager) State(peer, filename string) (TransferState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[transferKey(peer, filename)]
	if !ok {
		return TransferIdle, false
	}
	return t.state, true
}

// handleRequest stores an inbound offer and surfaces it to the
// application. The offer expires if not answered within the TTL.
func (m *transferManager) handleRequest(rec protocol.Record) {
	from := rec.Str("from")
	filename := rec.Str("filename")
	if from == "" || filename == "" {
		m.log.Debug().Msg("dropping file request without sender or filename")
		return
	}
	off := &offer{
		from:     from,
		filename: filename,
		filetype: rec.Str("filetype"),
		size:     rec.Int("filesize"),
	}
	m.offers.SetDefault(transferKey(from, filename), off)
	m.c.events.FileOffer(from, filename, off.size, off.filetype)
}

// handleAccept starts chunk transmission for an offered file. Accepts
// for files never offered are ignored.
func (m *transferManager) handleAccept(rec protocol.Record) {
	peer := rec.Str("from")
	filename := rec.Str("filename")
	key := transferKey(peer, filename)

	m.mu.Lock()
	t, ok := m.transfers[key]
	if !ok || !t.outbound || t.state != TransferAwaitingAccept {
		m.mu.Unlock()
		m.log.Debug().Str("peer", peer).Str("file", filename).Msg("ignoring accept for unknown offer")
		return
	}
	t.state = TransferTransferring
	m.mu.Unlock()

	m.c.events.FileAccepted(peer, filename)
	go m.sendChunks(t)
}

// sendChunks streams the file to the peer: indices start at 0 and grow
// by one per chunk, is_last_chunk flags the piece that reaches
// end-of-file, and the single-writer connection keeps arrival order
// equal to send order. Runs in its own goroutine per transfer.
func (m *transferManager) sendChunks(t *transfer) {
	src, err := newFileSource(t.path, m.c.config.ChunkSize)
	if err != nil {
		m.fail(t, err)
		return
	}
	defer src.Close()

	var index int64
	for {
		m.mu.Lock()
		cancelled := t.state == TransferCancelled
		m.mu.Unlock()
		if cancelled {
			return
		}

		data, last, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			m.c.send(protocol.NewFileCancel(m.c.Handle(), t.peer, t.filename, "read error"))
			m.fail(t, err)
			return
		}
		if err := m.c.send(protocol.NewFileData(m.c.Handle(), t.peer, t.filename, index, data, last)); err != nil {
			m.fail(t, err)
			return
		}
		index++
	}

	if err := m.c.send(protocol.NewFileComplete(m.c.Handle(), t.peer, t.filename)); err != nil {
		m.fail(t, err)
		return
	}

	m.mu.Lock()
	if t.state == TransferTransferring {
		t.state = TransferDone
	}
	m.mu.Unlock()
	m.c.events.FileCompleted(t.peer, t.filename)
}

// fail aborts a transfer on a local error and reports it. The peer is
// not notified here; callers that can still reach it send their own
// cancel record.
func (m *transferManager) fail(t *transfer, err error) {
	m.mu.Lock()
	if !t.state.terminal() {
		t.state = TransferCancelled
		if t.sink != nil {
			t.sink.Close()
		}
	}
	m.mu.Unlock()
	m.c.events.TransferError(t.peer, t.filename, err)
}

// handleData appends one received chunk. A chunk for a transfer this
// side never accepted is dropped without creating any output.
func (m *transferManager) handleData(rec protocol.Record) {
	from := rec.Str("from")
	filename := rec.Str("filename")
	key := transferKey(from, filename)

	m.mu.Lock()
	t, ok := m.transfers[key]
	if !ok || t.outbound || t.state != TransferTransferring {
		m.mu.Unlock()
		m.c.events.TransferError(from, filename, ErrUnknownTransfer)
		return
	}

	chunk, err := rec.Chunk()
	if err != nil {
		m.mu.Unlock()
		m.fail(t, err)
		return
	}
	if err := t.sink.Append(chunk); err != nil {
		m.mu.Unlock()
		m.fail(t, err)
		return
	}

	last := rec.Bool("is_last_chunk")
	if last {
		t.sink.Close()
		t.state = TransferDone
	}
	m.mu.Unlock()

	m.c.events.FileData(from, filename, rec.Int("chunk_index"), last)
	if last {
		m.c.events.FileCompleted(from, filename)
	}
}

// handleComplete finalizes an inbound transfer whose sender announced
// completion without an is_last_chunk flag (a zero-byte file has no
// chunks at all). A transfer already closed by the last chunk stays
// closed and fires no second event.
func (m *transferManager) handleComplete(rec protocol.Record) {
	from := rec.Str("from")
	filename := rec.Str("filename")

	m.mu.Lock()
	t, ok := m.transfers[transferKey(from, filename)]
	if !ok || t.outbound || t.state != TransferTransferring {
		m.mu.Unlock()
		return
	}
	t.sink.Close()
	t.state = TransferDone
	m.mu.Unlock()

	m.c.events.FileCompleted(from, filename)
}

// handleCancel collapses a transfer (or a pending offer) on a peer's
// cancel record.
func (m *transferManager) handleCancel(rec protocol.Record) {
	from := rec.Str("from")
	filename := rec.Str("filename")
	reason := rec.Str("reason")
	key := transferKey(from, filename)

	if v, ok := m.offers.Get(key); ok {
		v.(*offer).resolved.Store(true)
		m.offers.Delete(key)
	}

	m.mu.Lock()
	if t, ok := m.transfers[key]; ok && !t.state.terminal() {
		t.state = TransferCancelled
		if t.sink != nil {
			t.sink.Close()
		}
	}
	m.mu.Unlock()

	m.c.events.FileCancelled(from, filename, reason)
}

// abortAll is the implicit cancel on disconnect: every non-terminal
// transfer collapses and pending offers are dropped without notifying
// anyone over the dead connection.
func (m *transferManager) abortAll() {
	m.mu.Lock()
	var aborted []*transfer
	for _, t := range m.transfers {
		if t.state.terminal() {
			continue
		}
		t.state = TransferCancelled
		if t.sink != nil {
			t.sink.Close()
		}
		aborted = append(aborted, t)
	}
	m.mu.Unlock()

	for _, v := range m.offers.Items() {
		if off, ok := v.Object.(*offer); ok {
			off.resolved.Store(true)
		}
	}
	m.offers.Flush()

	for _, t := range aborted {
		m.c.events.FileCancelled(t.peer, t.filename, "disconnected")
	}
}
