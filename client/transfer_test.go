package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/protocol"
	"huddle/server"
)

func writeSourceFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

// twoClients connects alice and bob to a fresh server and waits until
// both see the full roster.
func twoClients(t *testing.T, config Config) (*Client, *recorder, *Client, *recorder) {
	t.Helper()
	srv := startServer(t, server.Config{})
	alice, aliceEvents := newTestClient(t, srv, config)
	bob, bobEvents := newTestClient(t, srv, config)
	connect(t, alice, "alice")
	connect(t, bob, "bob")
	waitRoster(t, aliceEvents, "alice", "bob")
	waitRoster(t, bobEvents, "alice", "bob")
	return alice, aliceEvents, bob, bobEvents
}

func TestFileTransferEndToEnd(t *testing.T) {
	alice, aliceEvents, bob, bobEvents := twoClients(t, Config{ChunkSize: 10})

	content := []byte("abcdefghijklmnopqrstuvwxy") // 25 bytes: chunks of 10, 10, 5
	srcPath := writeSourceFile(t, "notes.txt", content)
	dstPath := filepath.Join(t.TempDir(), "received.txt")

	require.NoError(t, alice.OfferFile("bob", srcPath))
	state, ok := alice.TransferState("bob", "notes.txt")
	require.True(t, ok)
	assert.Equal(t, TransferAwaitingAccept, state)

	off := await(t, bobEvents.offers, "bob's file offer")
	assert.Equal(t, offerEvent{"alice", "notes.txt", "txt", 25}, off)

	require.NoError(t, bob.AcceptFile("alice", "notes.txt", dstPath))
	accepted := await(t, aliceEvents.accepted, "alice's accept notification")
	assert.Equal(t, [2]string{"bob", "notes.txt"}, accepted)

	for want := int64(0); want < 3; want++ {
		ev := await(t, bobEvents.data, "chunk event")
		assert.Equal(t, "alice", ev.from)
		assert.Equal(t, want, ev.index, "chunks arrive in send order")
		assert.Equal(t, want == 2, ev.last)
	}

	done := await(t, bobEvents.completed, "bob's completion")
	assert.Equal(t, [2]string{"alice", "notes.txt"}, done)
	done = await(t, aliceEvents.completed, "alice's completion")
	assert.Equal(t, [2]string{"bob", "notes.txt"}, done)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	state, ok = alice.TransferState("bob", "notes.txt")
	require.True(t, ok)
	assert.Equal(t, TransferDone, state)
	state, ok = bob.TransferState("alice", "notes.txt")
	require.True(t, ok)
	assert.Equal(t, TransferDone, state)
}

func TestZeroByteFileTransfer(t *testing.T) {
	alice, _, bob, bobEvents := twoClients(t, Config{})

	srcPath := writeSourceFile(t, "empty.bin", nil)
	dstPath := filepath.Join(t.TempDir(), "empty.bin")

	require.NoError(t, alice.OfferFile("bob", srcPath))
	off := await(t, bobEvents.offers, "bob's file offer")
	assert.Equal(t, int64(0), off.size)

	require.NoError(t, bob.AcceptFile("alice", "empty.bin", dstPath))

	// No chunks at all; the completion record alone finalizes the file.
	done := await(t, bobEvents.completed, "bob's completion")
	assert.Equal(t, [2]string{"alice", "empty.bin"}, done)

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Empty(t, got)

	select {
	case ev := <-bobEvents.data:
		t.Fatalf("unexpected chunk for zero-byte file: %+v", ev)
	default:
	}
}

func TestDeclineOffer(t *testing.T) {
	alice, aliceEvents, bob, bobEvents := twoClients(t, Config{})

	srcPath := writeSourceFile(t, "notes.txt", []byte("content"))
	require.NoError(t, alice.OfferFile("bob", srcPath))
	await(t, bobEvents.offers, "bob's file offer")

	require.NoError(t, bob.DeclineFile("alice", "notes.txt", "no thanks"))
	cancelled := await(t, aliceEvents.cancelled, "alice's cancel notification")
	assert.Equal(t, cancelEvent{"bob", "notes.txt", "no thanks"}, cancelled)

	state, ok := alice.TransferState("bob", "notes.txt")
	require.True(t, ok)
	assert.Equal(t, TransferCancelled, state)

	// Declined means gone; a late accept finds nothing.
	err := bob.AcceptFile("alice", "notes.txt", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestSenderCancelsPendingOffer(t *testing.T) {
	alice, _, bob, bobEvents := twoClients(t, Config{})

	srcPath := writeSourceFile(t, "notes.txt", []byte("content"))
	require.NoError(t, alice.OfferFile("bob", srcPath))
	await(t, bobEvents.offers, "bob's file offer")

	require.NoError(t, alice.CancelTransfer("bob", "notes.txt", "changed my mind"))
	cancelled := await(t, bobEvents.cancelled, "bob's cancel notification")
	assert.Equal(t, cancelEvent{"alice", "notes.txt", "changed my mind"}, cancelled)

	// The withdrawn offer is no longer acceptable.
	err := bob.AcceptFile("alice", "notes.txt", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrUnknownTransfer)

	state, ok := alice.TransferState("bob", "notes.txt")
	require.True(t, ok)
	assert.Equal(t, TransferCancelled, state)
}

func TestDuplicateOfferRejected(t *testing.T) {
	alice, _, _, bobEvents := twoClients(t, Config{})

	srcPath := writeSourceFile(t, "notes.txt", []byte("content"))
	require.NoError(t, alice.OfferFile("bob", srcPath))
	await(t, bobEvents.offers, "bob's file offer")

	assert.ErrorIs(t, alice.OfferFile("bob", srcPath), ErrTransferActive)
}

func TestOfferFileRequiresConnection(t *testing.T) {
	srv := startServer(t, server.Config{})
	c, _ := newTestClient(t, srv, Config{})
	err := c.OfferFile("bob", writeSourceFile(t, "notes.txt", []byte("x")))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestUnansweredOfferExpires(t *testing.T) {
	alice, aliceEvents, bob, bobEvents := twoClients(t, Config{OfferTTL: 50 * time.Millisecond})

	srcPath := writeSourceFile(t, "notes.txt", []byte("content"))
	require.NoError(t, alice.OfferFile("bob", srcPath))
	await(t, bobEvents.offers, "bob's file offer")

	// Bob never answers; his side withdraws the offer and tells alice.
	cancelled := await(t, bobEvents.cancelled, "bob's expiry cancel")
	assert.Equal(t, cancelEvent{"alice", "notes.txt", "offer expired"}, cancelled)
	cancelled = await(t, aliceEvents.cancelled, "alice's expiry cancel")
	assert.Equal(t, cancelEvent{"bob", "notes.txt", "offer expired"}, cancelled)

	err := bob.AcceptFile("alice", "notes.txt", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestUnsolicitedChunkDropped(t *testing.T) {
	alice, _, bob, bobEvents := twoClients(t, Config{})

	// A chunk for a file bob never accepted must not create any state.
	require.NoError(t, alice.send(protocol.NewFileData("alice", "bob", "surprise.bin", 0, []byte("payload"), false)))

	ev := await(t, bobEvents.transferErrs, "bob's transfer error")
	assert.Equal(t, "alice", ev.peer)
	assert.Equal(t, "surprise.bin", ev.filename)
	assert.ErrorIs(t, ev.err, ErrUnknownTransfer)

	_, ok := bob.TransferState("alice", "surprise.bin")
	assert.False(t, ok)
	select {
	case d := <-bobEvents.data:
		t.Fatalf("unexpected chunk event: %+v", d)
	default:
	}
}

func TestDisconnectAbortsTransfers(t *testing.T) {
	alice, aliceEvents, _, bobEvents := twoClients(t, Config{})

	srcPath := writeSourceFile(t, "notes.txt", []byte("content"))
	require.NoError(t, alice.OfferFile("bob", srcPath))
	await(t, bobEvents.offers, "bob's file offer")

	require.NoError(t, alice.Disconnect())
	await(t, aliceEvents.disconnects, "alice's Disconnected event")

	cancelled := await(t, aliceEvents.cancelled, "implicit cancel on disconnect")
	assert.Equal(t, cancelEvent{"bob", "notes.txt", "disconnected"}, cancelled)

	state, ok := alice.TransferState("bob", "notes.txt")
	require.True(t, ok)
	assert.Equal(t, TransferCancelled, state)
}
