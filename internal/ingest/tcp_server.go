package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"logsentinel/internal/metrics"
)

// TCPServerConfig holds configuration for the TCP line listener.
type TCPServerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

// DefaultTCPServerConfig returns the default TCP server configuration.
func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{
		Enabled:        true,
		Address:        ":5515",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  65535,
	}
}

// Validate checks the listener settings.
func (c TCPServerConfig) Validate() error {
	if c.Address == "" {
		return errors.New("tcp: address is required")
	}
	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return errors.New("tcp: tls requires cert and key files")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("tcp: max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxLineLength <= 0 {
		return fmt.Errorf("tcp: max_line_length must be positive, got %d", c.MaxLineLength)
	}
	return nil
}

// TCPServerMetrics holds metrics for the TCP server.
type TCPServerMetrics struct {
	Connections uint64
	Rejected    uint64
	Received    uint64
	Queued      uint64
	Errors      uint64
	// Oversized counts lines longer than MaxLineLength.
	Oversized uint64
}

// TCPServer receives newline-delimited log lines over TCP or TLS.
type TCPServer struct {
	config   TCPServerConfig
	listener net.Listener
	intake   *Intake
	logger   *slog.Logger

	connCount atomic.Int32
	wg        sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once

	connections atomic.Uint64
	rejected    atomic.Uint64
	received    atomic.Uint64
	queued      atomic.Uint64
	errors      atomic.Uint64
	oversized   atomic.Uint64
}

// NewTCPServer creates a new TCP line listener.
func NewTCPServer(cfg TCPServerConfig, intake *Intake, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		config: cfg,
		intake: intake,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *TCPServer) Start(ctx context.Context) error {
	var listener net.Listener
	var err error

	if s.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		listener, err = tls.Listen("tcp", s.config.Address, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return err
		}
	} else {
		listener, err = net.Listen("tcp", s.config.Address)
		if err != nil {
			return err
		}
	}

	s.listener = listener

	s.logger.Info("TCP server started",
		"address", listener.Addr().String(),
		"tls", s.config.TLSEnabled,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Periodic deadline so ctx is observed without a close.
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Debug("TCP accept error", "error", err)
				continue
			}
		}

		if s.connCount.Load() >= int32(s.config.MaxConnections) {
			s.rejected.Add(1)
			s.logger.Warn("max connections reached, rejecting", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.connCount.Add(1)
		s.connections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.connCount.Add(-1)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("new TCP connection", "remote", remote)

	// Unblock the read on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	// Room for the line terminator; anything longer is an oversized line.
	reader := bufio.NewReaderSize(conn, s.config.MaxLineLength+2)
	discarding := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		frag, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !discarding {
				s.received.Add(1)
				s.dropOversized(remote)
			}
			discarding = true
			continue
		}

		switch {
		case discarding:
			// Tail of an oversized line.
			discarding = false
		case len(frag) > 0:
			s.handleLine(string(frag), remote)
		}

		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
			case errors.As(err, &netErr) && netErr.Timeout():
				s.logger.Debug("TCP connection idle timeout", "remote", remote)
			default:
				s.logger.Debug("TCP read error", "error", err, "remote", remote)
			}
			return
		}
	}
}

func (s *TCPServer) dropOversized(remote string) {
	s.oversized.Add(1)
	s.intake.drop(metrics.ReasonOversized)
	s.logger.Debug("line dropped", "error", "line exceeds max_line_length", "limit", s.config.MaxLineLength, "remote", remote)
}

func (s *TCPServer) handleLine(line, remote string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	s.received.Add(1)
	if len(line) > s.config.MaxLineLength {
		s.dropOversized(remote)
		return
	}

	if err := s.intake.HandleLine(TransportTCP, line); err != nil {
		s.errors.Add(1)
		s.logger.Debug("line dropped", "error", err, "remote", remote)
		return
	}
	s.queued.Add(1)
}

// Stop closes the listener and waits for open connections to finish.
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
	s.logger.Info("TCP server stopped",
		"connections", s.connections.Load(),
		"received", s.received.Load(),
		"queued", s.queued.Load(),
		"errors", s.errors.Load(),
	)
}

// Metrics returns the current server metrics.
func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: s.connections.Load(),
		Rejected:    s.rejected.Load(),
		Received:    s.received.Load(),
		Queued:      s.queued.Load(),
		Errors:      s.errors.Load(),
		Oversized:   s.oversized.Load(),
	}
}

// ActiveConnections returns the number of currently active connections.
func (s *TCPServer) ActiveConnections() int {
	return int(s.connCount.Load())
}
