package server

import (
	"fmt"

	"github.com/rs/zerolog"

	"huddle/protocol"
)

// handleRecord dispatches one record read in the ACTIVE state. The
// return value reports whether the connection should transition to
// CLOSED. Any inbound record counts as a heartbeat; ping is the
// dedicated no-reply heartbeat.
func (s *Server) handleRecord(handle string, sess *Session, rec protocol.Record, log zerolog.Logger) bool {
	s.registry.Touch(handle)

	switch rec.Action() {
	case protocol.ActionPing:
		// Heartbeat only; no reply.
	case protocol.ActionMessage:
		s.relayMessage(handle, sess, rec, log)
	case protocol.ActionFileRequest,
		protocol.ActionFileAccept,
		protocol.ActionFileCancel,
		protocol.ActionFileData,
		protocol.ActionFileComplete:
		s.relayFileRecord(handle, sess, rec, log)
	case protocol.ActionDisconnect:
		return true
	default:
		log.Debug().Str("action", rec.Action()).Msg("unknown action")
		s.replyError(sess, "unknown action")
	}
	return false
}

// relayMessage forwards a direct message to its recipient. The delivered
// record carries the authenticated sender handle; a client-supplied
// "from" field is never trusted.
func (s *Server) relayMessage(handle string, sess *Session, rec protocol.Record, log zerolog.Logger) {
	to := rec.Str("to")
	text := rec.Str("message")
	if to == "" || text == "" {
		s.replyError(sess, "wrong message format")
		return
	}

	target, ok := s.registry.Lookup(to)
	if !ok {
		s.replyError(sess, fmt.Sprintf("user %s not found", to))
		return
	}

	if err := target.Send(protocol.NewDelivery(handle, text)); err != nil {
		log.Warn().Err(err).Str("to", to).Msg("message delivery failed")
	}
}

// relayFileRecord forwards any file-transfer record to its recipient,
// stamped with the authenticated sender and otherwise untouched. The
// server is oblivious to transfer semantics: chunk ordering is the
// sender's job and arrival order is preserved by the transport, so the
// routing rule is exactly the one used for text messages.
func (s *Server) relayFileRecord(handle string, sess *Session, rec protocol.Record, log zerolog.Logger) {
	to := rec.Str("to")
	if to == "" {
		s.replyError(sess, "wrong record format")
		return
	}

	target, ok := s.registry.Lookup(to)
	if !ok {
		s.replyError(sess, fmt.Sprintf("user %s not found", to))
		return
	}

	rec["from"] = handle
	if err := target.Send(rec); err != nil {
		log.Warn().Err(err).Str("to", to).Str("action", rec.Action()).Msg("relay failed")
	}
}
