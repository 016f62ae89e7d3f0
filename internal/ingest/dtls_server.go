package ingest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"
)

var (
	ErrDTLSCertRequired       = errors.New("dtls: certificate and key are required")
	ErrDTLSClientCertRequired = errors.New("dtls: mutual TLS requires a CA certificate")
)

// DTLSServerConfig holds configuration for the datagram listener.
type DTLSServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile verifies client certificates when RequireClientCert is set.
	CAFile            string `yaml:"ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`

	Workers           int           `yaml:"workers"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	// AllowInsecure falls back to plain UDP when no certificate is set.
	AllowInsecure bool `yaml:"allow_insecure"`
}

// DefaultDTLSServerConfig returns the default configuration. DTLS is off
// until certificates are configured.
func DefaultDTLSServerConfig() DTLSServerConfig {
	return DTLSServerConfig{
		Address:           ":5516",
		Workers:           8,
		MaxMessageSize:    65535,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
}

// Validate checks the listener settings.
func (c DTLSServerConfig) Validate() error {
	if !c.AllowInsecure && (c.CertFile == "" || c.KeyFile == "") {
		return ErrDTLSCertRequired
	}
	if c.RequireClientCert && c.CAFile == "" {
		return ErrDTLSClientCertRequired
	}
	if c.Workers <= 0 {
		return fmt.Errorf("dtls: workers must be positive, got %d", c.Workers)
	}
	return nil
}

func (c DTLSServerConfig) insecure() bool {
	return c.AllowInsecure && (c.CertFile == "" || c.KeyFile == "")
}

// DTLSServerMetrics holds metrics for the DTLS server.
type DTLSServerMetrics struct {
	Connections    uint64
	HandshakeErrs  uint64
	Received       uint64
	Queued         uint64
	Errors         uint64
	InsecureWarned bool
}

type datagram struct {
	data   []byte
	remote string
	secure bool
}

// DTLSServer receives log lines over DTLS, or plain UDP when explicitly
// allowed. A datagram may carry several newline-separated lines.
type DTLSServer struct {
	config DTLSServerConfig
	intake *Intake
	logger *slog.Logger

	listener net.Listener
	udpConn  *net.UDPConn
	messages chan datagram

	producers sync.WaitGroup
	workers   sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once

	connections    atomic.Uint64
	handshakeErrs  atomic.Uint64
	received       atomic.Uint64
	queued         atomic.Uint64
	errors         atomic.Uint64
	insecureWarned atomic.Bool
}

// NewDTLSServer validates cfg and creates the server.
func NewDTLSServer(cfg DTLSServerConfig, intake *Intake, logger *slog.Logger) (*DTLSServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DTLSServer{
		config: cfg,
		intake: intake,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Start binds the listener and starts the workers.
func (s *DTLSServer) Start(ctx context.Context) error {
	s.messages = make(chan datagram, s.config.Workers*100)

	var err error
	if s.config.insecure() {
		err = s.startInsecure(ctx)
	} else {
		err = s.startSecure(ctx)
	}
	if err != nil {
		return err
	}

	for i := 0; i < s.config.Workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	return nil
}

func (s *DTLSServer) dtlsConfig(ctx context.Context) (*dtls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DTLS certificate: %w", err)
	}

	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	if s.config.RequireClientCert {
		caData, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", s.config.CAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = dtls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func (s *DTLSServer) startSecure(ctx context.Context) error {
	cfg, err := s.dtlsConfig(ctx)
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, cfg)
	if err != nil {
		return fmt.Errorf("failed to start DTLS listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("DTLS server started",
		"address", listener.Addr().String(),
		"mutual_tls", s.config.RequireClientCert,
	)

	s.producers.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *DTLSServer) startInsecure(ctx context.Context) error {
	s.logger.Warn("SECURITY WARNING: starting UDP listener without encryption",
		"address", s.config.Address,
		"recommendation", "configure cert_file and key_file to enable DTLS",
	)
	s.insecureWarned.Store(true)

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener: %w", err)
	}
	s.udpConn = conn

	s.logger.Info("UDP server started (insecure)", "address", conn.LocalAddr().String())

	s.producers.Add(1)
	go s.udpReceiver(ctx)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *DTLSServer) Addr() net.Addr {
	switch {
	case s.listener != nil:
		return s.listener.Addr()
	case s.udpConn != nil:
		return s.udpConn.LocalAddr()
	}
	return nil
}

func (s *DTLSServer) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *DTLSServer) acceptLoop(ctx context.Context) {
	defer s.producers.Done()

	// The DTLS listener has no accept deadline; closing it unblocks Accept.
	stop := context.AfterFunc(ctx, func() { s.listener.Close() })
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped(ctx) || errors.Is(err, net.ErrClosed) {
				return
			}
			s.handshakeErrs.Add(1)
			s.logger.Debug("DTLS accept error", "error", err)
			continue
		}

		s.connections.Add(1)
		s.producers.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.producers.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	if addr, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		remote = addr.IP.String()
	}
	s.logger.Debug("new DTLS connection", "remote", remote)

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	buffer := make([]byte, s.config.MaxMessageSize)
	for !s.stopped(ctx) {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		n, err := conn.Read(buffer)
		if err != nil {
			s.logger.Debug("DTLS connection closed", "remote", remote, "error", err)
			return
		}
		s.enqueue(buffer[:n], remote, true)
	}
}

func (s *DTLSServer) udpReceiver(ctx context.Context) {
	defer s.producers.Done()

	buffer := make([]byte, s.config.MaxMessageSize)
	for !s.stopped(ctx) {
		s.udpConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, remote, err := s.udpConn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.stopped(ctx) || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("UDP read error", "error", err)
			continue
		}
		s.enqueue(buffer[:n], remote.IP.String(), false)
	}
}

// enqueue copies a datagram to the worker channel, dropping it when the
// workers are saturated.
func (s *DTLSServer) enqueue(data []byte, remote string, secure bool) {
	msg := datagram{data: bytes.Clone(data), remote: remote, secure: secure}
	select {
	case s.messages <- msg:
	default:
		s.errors.Add(1)
		s.logger.Debug("datagram channel full, dropping", "remote", remote)
	}
}

func (s *DTLSServer) worker() {
	defer s.workers.Done()
	for msg := range s.messages {
		s.process(msg)
	}
}

func (s *DTLSServer) process(msg datagram) {
	transport := TransportDTLS
	if !msg.secure {
		transport = TransportUDP
	}

	for _, line := range bytes.Split(msg.data, []byte{'\n'}) {
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.received.Add(1)
		if err := s.intake.HandleLine(transport, string(line)); err != nil {
			s.errors.Add(1)
			s.logger.Debug("line dropped", "error", err, "remote", msg.remote, "secure", msg.secure)
			continue
		}
		s.queued.Add(1)
	}
}

// Stop closes the listener, waits for readers to exit and drains the
// worker channel.
func (s *DTLSServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		if s.udpConn != nil {
			s.udpConn.Close()
		}
		s.producers.Wait()
		if s.messages != nil {
			close(s.messages)
		}
		s.workers.Wait()

		s.logger.Info("DTLS server stopped",
			"connections", s.connections.Load(),
			"handshake_errors", s.handshakeErrs.Load(),
			"received", s.received.Load(),
			"queued", s.queued.Load(),
			"errors", s.errors.Load(),
		)
	})
}

// Metrics returns the current server metrics.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	return DTLSServerMetrics{
		Connections:    s.connections.Load(),
		HandshakeErrs:  s.handshakeErrs.Load(),
		Received:       s.received.Load(),
		Queued:         s.queued.Load(),
		Errors:         s.errors.Load(),
		InsecureWarned: s.insecureWarned.Load(),
	}
}

// IsSecure reports whether the server is running with DTLS encryption.
func (s *DTLSServer) IsSecure() bool {
	return s.listener != nil && s.udpConn == nil
}
