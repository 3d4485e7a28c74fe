// Package server implements the huddle relay: a registry of online
// handles and a per-connection router that forwards records between
// them. The server keeps no message or transfer state; every payload
// lives only for the duration of one relay hop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"huddle/protocol"
)

// Config carries the server's runtime settings. Zero fields fall back to
// the defaults applied by New.
type Config struct {
	Addr          string
	WriteTimeout  time.Duration
	PingTimeout   time.Duration // heartbeat age after which a session is evicted
	SweepInterval time.Duration // how often the liveness monitor runs
}

type Server struct {
	config   Config
	registry *Registry
	log      zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

func New(config Config, log zerolog.Logger) *Server {
	if config.Addr == "" {
		config.Addr = ":7777"
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.PingTimeout == 0 {
		config.PingTimeout = 120 * time.Second
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = 30 * time.Second
	}
	return &Server{
		config:   config,
		registry: NewRegistry(),
		log:      log.With().Str("component", "server").Logger(),
	}
}

// Registry exposes the session registry for stats reporting.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the bound listen address once Run has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Run listens on the configured address and serves until ctx is
// cancelled. The accept loop and the liveness monitor run as siblings;
// the first hard failure tears both down.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Info().Str("addr", listener.Addr().String()).Msg("server started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	g.Go(func() error {
		return s.acceptLoop(ctx, listener)
	})
	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleConnection(conn)
	}
}

// handleConnection drives one connection through its lifecycle:
// AWAITING_REGISTRATION (exactly one connect record) → ACTIVE (dispatch
// loop) → CLOSED (unconditional cleanup). Cleanup runs exactly once no
// matter which transition ended the session.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	remoteAddr := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}
	log := s.log.With().Str("remote", remoteAddr).Logger()
	log.Debug().Msg("client connected")

	sess := newSession(conn, s.config.WriteTimeout)
	reader := protocol.NewReader(conn)

	handle, err := s.register(sess, reader)
	if err != nil {
		log.Info().Err(err).Msg("registration failed")
		return
	}
	log = log.With().Str("user", handle).Logger()
	log.Info().Msg("registered")

	defer s.cleanup(handle, log)
	s.broadcastRoster()

	for {
		rec, err := reader.Read()
		if err != nil {
			if protocol.IsMalformed(err) {
				// Recoverable protocol error: tell the sender, keep reading.
				s.replyError(sess, "malformed record")
				continue
			}
			log.Debug().Err(err).Msg("connection closed by peer")
			return
		}
		if done := s.handleRecord(handle, sess, rec, log); done {
			log.Info().Msg("disconnect requested")
			return
		}
	}
}

// register reads the one record allowed before registration and claims
// the requested handle. On any failure it answers with an error-status
// connect response and reports the failure; the caller closes the
// connection.
func (s *Server) register(sess *Session, reader *protocol.Reader) (string, error) {
	rec, err := reader.Read()
	if err != nil {
		if protocol.IsMalformed(err) {
			sess.Send(protocol.NewConnectError("malformed record"))
			return "", err
		}
		return "", fmt.Errorf("no data received: %w", err)
	}

	handle := strings.TrimSpace(rec.Str("username"))
	if rec.Action() != protocol.ActionConnect || handle == "" {
		sess.Send(protocol.NewConnectError("invalid connect protocol"))
		return "", errors.New("invalid connect protocol")
	}

	if err := s.registry.Register(handle, sess); err != nil {
		sess.Send(protocol.NewConnectError(err.Error()))
		return "", err
	}

	if err := sess.Send(protocol.NewConnectOK()); err != nil {
		// The peer is already gone; undo the registration quietly.
		s.registry.Remove(handle)
		return "", fmt.Errorf("send connect response: %w", err)
	}
	return handle, nil
}

// cleanup releases the handle's registry slot and announces the new
// roster. Safe to reach from every exit path: Remove reports whether the
// slot was still held, so an earlier eviction suppresses the second
// broadcast.
func (s *Server) cleanup(handle string, log zerolog.Logger) {
	if s.registry.Remove(handle) {
		log.Info().Msg("client disconnected")
		s.broadcastRoster()
	}
}

// broadcastRoster sends the current user list to every online session.
// Writes happen outside the registry's critical section.
func (s *Server) broadcastRoster() {
	rec := protocol.NewUserList(s.registry.Snapshot())
	for _, sess := range s.registry.All() {
		if err := sess.Send(rec); err != nil {
			s.log.Debug().Err(err).Str("user", sess.Handle).Msg("roster broadcast failed")
		}
	}
}

func (s *Server) replyError(sess *Session, text string) {
	if err := sess.Send(protocol.NewError(text)); err != nil {
		s.log.Debug().Err(err).Msg("error reply failed")
	}
}

// Shutdown notifies every online session that the server is going away
// and releases all registry slots. Used by the control socket and the
// signal handler.
func (s *Server) Shutdown(reason string) {
	text := "server shutting down"
	if reason != "" {
		text += ": " + reason
	}
	for _, sess := range s.registry.All() {
		sess.Send(protocol.NewError(text))
		s.registry.Remove(sess.Handle)
	}
	s.log.Info().Str("reason", reason).Msg("server shut down")
}

// Stats returns a one-line summary for the control socket.
func (s *Server) Stats() string {
	users := s.registry.Snapshot()
	return fmt.Sprintf("connections=%d,users=%s", len(users), strings.Join(users, ";"))
}
