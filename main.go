package main

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"huddle/config"
	"huddle/server"
)

var (
	addr          string
	writeTimeout  int
	pingTimeout   int
	sweepInterval int
	controlSocket string
	debug         bool
)

func main() {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "huddle",
		Short: "Presence-aware message relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	root.Flags().StringVar(&addr, "addr", cfg.Addr, "listen address")
	root.Flags().IntVar(&writeTimeout, "write-timeout", cfg.WriteTimeout, "per-record write timeout, seconds")
	root.Flags().IntVar(&pingTimeout, "ping-timeout", cfg.PingTimeout, "heartbeat age before eviction, seconds")
	root.Flags().IntVar(&sweepInterval, "sweep-interval", cfg.SweepInterval, "liveness sweep interval, seconds")
	root.Flags().StringVar(&controlSocket, "control-socket", cfg.ControlSocket, "unix socket for management commands")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "huddle").Logger().Level(level)

	srv := server.New(server.Config{
		Addr:          addr,
		WriteTimeout:  time.Duration(writeTimeout) * time.Second,
		PingTimeout:   time.Duration(pingTimeout) * time.Second,
		SweepInterval: time.Duration(sweepInterval) * time.Second,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go startControlSocket(srv, controlSocket, log, cancel)

	err := srv.Run(ctx)
	srv.Shutdown("maintenance")
	os.Remove(controlSocket)
	return err
}

// startControlSocket serves management commands on a unix socket:
// "stats" reports the connection count and roster, "shutdown" stops the
// server after notifying clients.
func startControlSocket(srv *server.Server, path string, log zerolog.Logger, shutdown context.CancelFunc) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("control socket unavailable")
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	log.Info().Str("path", path).Msg("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go handleControlCommand(srv, conn, shutdown)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn, shutdown context.CancelFunc) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.Stats() + "\n"))
	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		shutdown()
	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
