// Package protocol defines the wire records exchanged between huddle
// clients and the relay server: one JSON object per line, discriminated
// by an "action" field. The package has no knowledge of routing or
// transfer semantics; it only frames, builds and decodes records.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Client → server actions.
const (
	ActionConnect    = "connect"
	ActionPing       = "ping"
	ActionMessage    = "message"
	ActionDisconnect = "disconnect"
)

// Server → client actions. ActionConnect doubles as the handshake
// response action, carrying a "status" field.
const (
	ActionUserList = "user_list"
	ActionError    = "error"
)

// File-transfer actions, relayed verbatim by the server.
const (
	ActionFileRequest  = "file_transfer_request"
	ActionFileAccept   = "file_transfer_accept"
	ActionFileCancel   = "file_transfer_cancel"
	ActionFileData     = "file_transfer_data"
	ActionFileComplete = "file_transfer_complete"
)

// Connect response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

var (
	ErrInvalidRecord = errors.New("invalid record format")
	ErrMissingAction = errors.New("record missing action")
)

// Record is one wire record: a set of named fields with an "action"
// discriminator. Keeping it a map lets the server forward file-transfer
// records verbatim after stamping the sender, without understanding them.
type Record map[string]any

// Action returns the record's action discriminator.
func (r Record) Action() string {
	return r.Str("action")
}

// Str returns the named field as a string, or "" if absent or not a string.
func (r Record) Str(key string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}

// Int returns the named field as an int64. JSON numbers decode to
// float64, locally built records carry int64 or int.
func (r Record) Int(key string) int64 {
	switch v := r[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Bool returns the named field as a bool, or false if absent.
func (r Record) Bool(key string) bool {
	if b, ok := r[key].(bool); ok {
		return b
	}
	return false
}

// Users returns the "users" field of a user_list record.
func (r Record) Users() []string {
	switch v := r["users"].(type) {
	case []string:
		return v
	case []any:
		users := make([]string, 0, len(v))
		for _, u := range v {
			if s, ok := u.(string); ok {
				users = append(users, s)
			}
		}
		return users
	}
	return nil
}

// Chunk decodes the base64 "data" field of a file_transfer_data record.
func (r Record) Chunk() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(r.Str("data"))
	if err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	return data, nil
}

func NewConnect(username string) Record {
	return Record{"action": ActionConnect, "username": username}
}

func NewConnectOK() Record {
	return Record{"action": ActionConnect, "status": StatusOK}
}

func NewConnectError(reason string) Record {
	return Record{"action": ActionConnect, "status": StatusError, "error": reason}
}

func NewPing() Record {
	return Record{"action": ActionPing}
}

func NewMessage(to, text string) Record {
	return Record{"action": ActionMessage, "to": to, "message": text}
}

// NewDelivery is the server-side counterpart of NewMessage: the relayed
// record carries the authenticated sender instead of the recipient.
func NewDelivery(from, text string) Record {
	return Record{"action": ActionMessage, "from": from, "message": text}
}

func NewDisconnect() Record {
	return Record{"action": ActionDisconnect}
}

func NewUserList(users []string) Record {
	return Record{"action": ActionUserList, "users": users}
}

func NewError(text string) Record {
	return Record{"action": ActionError, "error": text}
}

func NewFileRequest(from, to, filename string, filesize int64, filetype string) Record {
	return Record{
		"action":   ActionFileRequest,
		"from":     from,
		"to":       to,
		"filename": filename,
		"filesize": filesize,
		"filetype": filetype,
	}
}

func NewFileAccept(from, to, filename string) Record {
	return Record{"action": ActionFileAccept, "from": from, "to": to, "filename": filename}
}

func NewFileCancel(from, to, filename, reason string) Record {
	rec := Record{"action": ActionFileCancel, "from": from, "to": to, "filename": filename}
	if reason != "" {
		rec["reason"] = reason
	}
	return rec
}

func NewFileData(from, to, filename string, chunkIndex int64, chunk []byte, isLast bool) Record {
	return Record{
		"action":        ActionFileData,
		"from":          from,
		"to":            to,
		"filename":      filename,
		"chunk_index":   chunkIndex,
		"data":          base64.StdEncoding.EncodeToString(chunk),
		"is_last_chunk": isLast,
	}
}

func NewFileComplete(from, to, filename string) Record {
	return Record{"action": ActionFileComplete, "from": from, "to": to, "filename": filename}
}

// Parse decodes a single line into a Record. The record must carry a
// non-empty action.
func Parse(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.Action() == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAction, line)
	}
	return rec, nil
}

// IsMalformed reports whether err came from decoding a bad line rather
// than from the transport. Routers treat malformed lines as recoverable
// protocol errors and transport errors as a disconnect.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrInvalidRecord) || errors.Is(err, ErrMissingAction)
}

// Marshal encodes a record as one newline-terminated JSON line.
func Marshal(rec Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append(b, '\n'), nil
}

// Write encodes rec and writes it to w as a single Write call, so that
// a caller serializing writers with a mutex never interleaves lines.
func Write(w io.Writer, rec Record) error {
	b, err := Marshal(rec)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Reader frames a byte stream into records, one per line. Empty lines
// are skipped. A malformed line yields an error wrapping
// ErrInvalidRecord or ErrMissingAction; the stream stays readable.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read returns the next record on the stream. Transport errors (EOF
// included) come back verbatim; malformed lines come back wrapping
// ErrInvalidRecord so the caller can distinguish them from a dead peer.
func (rd *Reader) Read() (Record, error) {
	for {
		line, err := rd.r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Parse(line)
	}
}
