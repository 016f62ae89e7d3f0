package ingest

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"logsentinel/internal/parser"
	"logsentinel/internal/queue"
	"logsentinel/internal/schema"
)

var t0 = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

// validLine returns a newline-terminated line in the log grammar.
func validLine(source string, offset time.Duration) string {
	return parser.Format(schema.Event{
		SourceID:  source,
		Timestamp: t0.Add(offset),
		Type:      schema.EventLoginFailed,
		Subject:   "admin",
	}) + "\n"
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIntake(size int) (*Intake, *queue.RingBuffer) {
	q := queue.NewRingBuffer(size)
	return NewIntake(parser.New(parser.DefaultConfig()), schema.NewValidator(), q, nil, quietLogger()), q
}

// newTestTCPServer creates a TCPServer on a kernel-assigned localhost port.
func newTestTCPServer(t *testing.T, overrides ...func(*TCPServerConfig)) (*TCPServer, *queue.RingBuffer) {
	t.Helper()

	intake, q := newTestIntake(1000)

	cfg := DefaultTCPServerConfig()
	cfg.Address = "127.0.0.1:0"
	for _, fn := range overrides {
		fn(&cfg)
	}

	return NewTCPServer(cfg, intake, quietLogger()), q
}

func startTCP(t *testing.T, srv *TCPServer) string {
	t.Helper()
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv.Addr().String()
}

// waitForCondition polls until fn returns true or the timeout elapses.
func waitForCondition(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestDefaultTCPServerConfig(t *testing.T) {
	cfg := DefaultTCPServerConfig()

	if cfg.Address != ":5515" {
		t.Errorf("Address = %q, want %q", cfg.Address, ":5515")
	}
	if cfg.TLSEnabled {
		t.Error("TLSEnabled should be false by default")
	}
	if cfg.MaxConnections != 1000 {
		t.Errorf("MaxConnections = %d, want 1000", cfg.MaxConnections)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.IdleTimeout)
	}
	if cfg.MaxLineLength != 65535 {
		t.Errorf("MaxLineLength = %d, want 65535", cfg.MaxLineLength)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestTCPServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*TCPServerConfig)
	}{
		{"no address", func(c *TCPServerConfig) { c.Address = "" }},
		{"tls without cert", func(c *TCPServerConfig) { c.TLSEnabled = true }},
		{"zero connections", func(c *TCPServerConfig) { c.MaxConnections = 0 }},
		{"zero line length", func(c *TCPServerConfig) { c.MaxLineLength = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTCPServerConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestTCPServer_StartStop(t *testing.T) {
	srv, _ := newTestTCPServer(t)

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	addr := srv.Addr().String()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() should succeed while server is running: %v", err)
	}
	conn.Close()

	srv.Stop()
	srv.Stop()

	if _, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		t.Error("Dial() should fail after Stop()")
	}
}

func TestTCPServer_TLSMissingCertificate(t *testing.T) {
	srv, _ := newTestTCPServer(t, func(c *TCPServerConfig) {
		c.TLSEnabled = true
		c.TLSCertFile = "/nonexistent/cert.pem"
		c.TLSKeyFile = "/nonexistent/key.pem"
	})
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop()
		t.Fatal("Start() should fail without a readable certificate")
	}
}

func TestTCPServer_QueuesLines(t *testing.T) {
	srv, q := newTestTCPServer(t)
	addr := startTCP(t, srv)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	var payload strings.Builder
	for i := 0; i < 3; i++ {
		payload.WriteString(validLine("192.168.1.10", time.Duration(i)*time.Second))
	}
	payload.WriteString("GARBAGE_LINE\n\n")
	// The last line has no newline and is flushed on EOF.
	payload.WriteString(strings.TrimSuffix(validLine("192.168.1.11", time.Minute), "\n"))
	if _, err := conn.Write([]byte(payload.String())); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	conn.Close()

	if !waitForCondition(2*time.Second, func() bool { return q.Len() == 4 }) {
		t.Fatalf("queue length = %d, want 4", q.Len())
	}

	events := q.Drain(0)
	if events[0].SourceID != "192.168.1.10" || events[3].SourceID != "192.168.1.11" {
		t.Errorf("events out of order: %+v", events)
	}

	m := srv.Metrics()
	if m.Received != 5 || m.Queued != 4 || m.Errors != 1 {
		t.Errorf("Metrics() = %+v, want received 5, queued 4, errors 1", m)
	}
}

func TestTCPServer_DropsOversizedLines(t *testing.T) {
	srv, q := newTestTCPServer(t, func(c *TCPServerConfig) { c.MaxLineLength = 80 })
	addr := startTCP(t, srv)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	var payload strings.Builder
	// A valid record at the end of a long line must not slip through.
	payload.WriteString(strings.Repeat("x", 4096))
	payload.WriteString(validLine("10.0.0.1", 0))
	payload.WriteString(strings.Repeat("y", 81) + "\r\n")
	payload.WriteString(validLine("10.0.0.2", time.Second))
	if _, err := conn.Write([]byte(payload.String())); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	conn.Close()

	if !waitForCondition(2*time.Second, func() bool { return srv.Metrics().Received == 3 }) {
		t.Fatalf("Metrics() = %+v, want 3 received", srv.Metrics())
	}

	events := q.Drain(0)
	if len(events) != 1 || events[0].SourceID != "10.0.0.2" {
		t.Fatalf("queued %+v, want only the 10.0.0.2 record", events)
	}
	if m := srv.Metrics(); m.Oversized != 2 || m.Queued != 1 {
		t.Errorf("Metrics() = %+v, want oversized 2, queued 1", m)
	}
	if got := srv.intake.Metrics().Dropped; got != 2 {
		t.Errorf("intake dropped = %d, want 2", got)
	}
}

func TestTCPServer_MultipleConnections(t *testing.T) {
	srv, q := newTestTCPServer(t)
	addr := startTCP(t, srv)

	const clients = 5
	for i := 0; i < clients; i++ {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			t.Fatalf("Dial() #%d error: %v", i, err)
		}
		if _, err := conn.Write([]byte(validLine("10.0.0.1", time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Write() #%d error: %v", i, err)
		}
		conn.Close()
	}

	if !waitForCondition(2*time.Second, func() bool { return q.Len() == clients }) {
		t.Fatalf("queue length = %d, want %d", q.Len(), clients)
	}
	if got := srv.Metrics().Connections; got != clients {
		t.Errorf("Connections = %d, want %d", got, clients)
	}
}

func TestTCPServer_MaxConnections(t *testing.T) {
	srv, _ := newTestTCPServer(t, func(c *TCPServerConfig) { c.MaxConnections = 1 })
	addr := startTCP(t, srv)

	first, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer first.Close()

	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 1 }) {
		t.Fatal("first connection was not accepted")
	}

	second, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer second.Close()

	// The server closes the surplus connection immediately.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("second connection should be closed by the server")
	}
	if !waitForCondition(2*time.Second, func() bool { return srv.Metrics().Rejected == 1 }) {
		t.Errorf("Rejected = %d, want 1", srv.Metrics().Rejected)
	}
}

func TestTCPServer_ActiveConnections(t *testing.T) {
	srv, _ := newTestTCPServer(t)
	addr := startTCP(t, srv)

	c1, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() c1 error: %v", err)
	}
	c2, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() c2 error: %v", err)
	}

	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 2 }) {
		t.Fatalf("ActiveConnections() = %d, want 2", srv.ActiveConnections())
	}

	c1.Close()
	c2.Close()
	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 0 }) {
		t.Errorf("ActiveConnections() = %d after closing, want 0", srv.ActiveConnections())
	}
}

func TestTCPServer_ContextCancelClosesConnections(t *testing.T) {
	srv, _ := newTestTCPServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 1 }) {
		t.Fatal("connection was not accepted")
	}

	cancel()
	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 0 }) {
		t.Errorf("ActiveConnections() = %d after cancel, want 0", srv.ActiveConnections())
	}
	srv.Stop()
}
