package client

// Events receives everything the server or a peer pushes to this client
// after the connect handshake. The receive loop invokes exactly one
// method per inbound record; file-transfer records are run through the
// transfer state machine first, which reports through the File* and
// TransferError methods. Implementations are called from the client's
// background goroutines and must be safe for concurrent use.
type Events interface {
	// Message is called for each direct message, with the sender handle
	// stamped by the server.
	Message(from, text string)

	// RosterUpdate is called whenever the set of online handles changes.
	RosterUpdate(users []string)

	// ServerError is called for error records: unknown recipient,
	// malformed record, unknown action, server shutdown.
	ServerError(text string)

	// Disconnected is called exactly once when the session ends, whatever
	// ended it.
	Disconnected()

	// FileOffer is called when a peer asks to send a file. Answer with
	// AcceptFile or DeclineFile.
	FileOffer(from, filename string, size int64, filetype string)

	// FileAccepted is called on the sending side when the peer accepted
	// an offered file; chunk transmission has started in the background.
	FileAccepted(peer, filename string)

	// FileCancelled is called when the peer (or an expired offer)
	// cancelled a transfer. Reason may be empty.
	FileCancelled(peer, filename, reason string)

	// FileData is called after each received chunk has been appended to
	// the transfer's sink.
	FileData(from, filename string, chunkIndex int64, isLast bool)

	// FileCompleted is called when a transfer finishes: on the receiving
	// side after the last chunk or the completion record, on the sending
	// side after the final chunk went out.
	FileCompleted(peer, filename string)

	// TransferError reports a transfer-local failure: a chunk for a file
	// never accepted, a decode failure, or file I/O trouble. The affected
	// transfer is aborted on this side.
	TransferError(peer, filename string, err error)
}
