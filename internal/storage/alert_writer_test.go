package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"logsentinel/internal/correlation"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// mockConn and mockBatch stand in for a ClickHouse server.

type mockConn struct {
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                           { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                    { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error        { return nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) { return nil, nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row        { return nil }
func (m *mockConn) Exec(_ context.Context, _ string, _ ...any) error                 { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error  { return nil }
func (m *mockConn) Ping(_ context.Context) error                                     { return nil }
func (m *mockConn) Stats() driver.Stats                                              { return driver.Stats{} }
func (m *mockConn) Close() error                                                     { return nil }

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu       sync.Mutex
	rows     [][]any
	sendFunc func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(v ...any) error {
	m.mu.Lock()
	m.rows = append(m.rows, v)
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool { return false }
func (m *mockBatch) Rows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

func newMockClient(conn driver.Conn) *ClickHouseClient {
	return &ClickHouseClient{conn: conn, config: DefaultClickHouseConfig()}
}

func testAlerts(n int) []correlation.Alert {
	rule := correlation.ThresholdRule{
		Name:      "brute-force",
		EventType: "LOGIN_FAILURE",
		Threshold: 3,
		Window:    5 * time.Minute,
	}
	base := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	out := make([]correlation.Alert, n)
	for i := range out {
		out[i] = correlation.NewThresholdAlert(rule, "10.0.0.1", 4, base.Add(time.Duration(i)*time.Minute))
	}
	return out
}

func quietConfig() AlertWriterConfig {
	return AlertWriterConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
		InsertTimeout: time.Second,
	}
}

func TestDefaultAlertWriterConfig(t *testing.T) {
	cfg := DefaultAlertWriterConfig()

	if cfg.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.BatchSize)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
}

func TestAlertWriter_BuffersBelowBatchSize(t *testing.T) {
	var prepared atomic.Int32
	conn := &mockConn{
		prepareBatchFunc: func(context.Context, string, ...driver.PrepareBatchOption) (driver.Batch, error) {
			prepared.Add(1)
			return &mockBatch{}, nil
		},
	}
	aw := NewAlertWriter(newMockClient(conn), quietConfig())
	defer aw.Close()

	if err := aw.Write(context.Background(), testAlerts(5)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	m := aw.Metrics()
	if m.Pending != 5 {
		t.Errorf("Pending = %d, want 5", m.Pending)
	}
	if m.Written != 0 {
		t.Errorf("Written = %d, want 0", m.Written)
	}
	if prepared.Load() != 0 {
		t.Errorf("PrepareBatch called %d times before flush", prepared.Load())
	}
}

func TestAlertWriter_FlushOnBatchSize(t *testing.T) {
	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			if query != insertAlerts {
				t.Errorf("unexpected query %q", query)
			}
			return batch, nil
		},
	}
	cfg := quietConfig()
	cfg.BatchSize = 3
	aw := NewAlertWriter(newMockClient(conn), cfg)
	defer aw.Close()

	if err := aw.Write(context.Background(), testAlerts(3)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	m := aw.Metrics()
	if m.Written != 3 || m.Batches != 1 || m.Pending != 0 {
		t.Errorf("metrics = %+v, want 3 written in 1 batch", m)
	}
	if batch.Rows() != 3 {
		t.Fatalf("rows appended = %d, want 3", batch.Rows())
	}
}

func TestAlertRow(t *testing.T) {
	a := testAlerts(1)[0]
	row := alertRow(a)

	if len(row) != 10 {
		t.Fatalf("row has %d columns, want 10", len(row))
	}
	if row[0] != a.ID {
		t.Errorf("id = %v, want %v", row[0], a.ID)
	}
	if row[2] != "threshold" {
		t.Errorf("type = %v, want threshold", row[2])
	}
	if row[6] != uint32(4) {
		t.Errorf("count = %v, want 4", row[6])
	}
	if row[7] != int64(300000) {
		t.Errorf("window_ms = %v, want 300000", row[7])
	}
}

func TestAlertWriter_RetriesThenFails(t *testing.T) {
	var sends atomic.Int32
	sendErr := errors.New("server unavailable")
	conn := &mockConn{
		prepareBatchFunc: func(context.Context, string, ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error {
				sends.Add(1)
				return sendErr
			}}, nil
		},
	}
	cfg := quietConfig()
	cfg.MaxRetries = 2
	aw := NewAlertWriter(newMockClient(conn), cfg)

	if err := aw.Write(context.Background(), testAlerts(2)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	err := aw.Flush(context.Background())
	if !errors.Is(err, ErrBatchInsertFailed) {
		t.Fatalf("Flush() error = %v, want ErrBatchInsertFailed", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Retries != 2 {
		t.Errorf("error = %#v, want StorageError with 2 retries", err)
	}
	if got := sends.Load(); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}
	if m := aw.Metrics(); m.Failed != 2 {
		t.Errorf("Failed = %d, want 2", m.Failed)
	}
	aw.Close()
}

func TestAlertWriter_RecoversOnRetry(t *testing.T) {
	var sends atomic.Int32
	conn := &mockConn{
		prepareBatchFunc: func(context.Context, string, ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error {
				if sends.Add(1) == 1 {
					return errors.New("transient")
				}
				return nil
			}}, nil
		},
	}
	cfg := quietConfig()
	cfg.MaxRetries = 1
	aw := NewAlertWriter(newMockClient(conn), cfg)
	defer aw.Close()

	aw.Write(context.Background(), testAlerts(1))
	if err := aw.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if m := aw.Metrics(); m.Written != 1 || m.Failed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestAlertWriter_CloseFlushesAndRejects(t *testing.T) {
	batch := &mockBatch{}
	conn := &mockConn{
		prepareBatchFunc: func(context.Context, string, ...driver.PrepareBatchOption) (driver.Batch, error) {
			return batch, nil
		},
	}
	aw := NewAlertWriter(newMockClient(conn), quietConfig())

	aw.Write(context.Background(), testAlerts(4))
	if err := aw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if batch.Rows() != 4 {
		t.Errorf("rows on close = %d, want 4", batch.Rows())
	}
	if err := aw.Write(context.Background(), testAlerts(1)); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write() after Close = %v, want ErrWriterClosed", err)
	}
	if err := aw.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestAlertWriter_TimerFlush(t *testing.T) {
	flushed := make(chan struct{}, 1)
	conn := &mockConn{
		prepareBatchFunc: func(context.Context, string, ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error {
				select {
				case flushed <- struct{}{}:
				default:
				}
				return nil
			}}, nil
		},
	}
	cfg := quietConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	aw := NewAlertWriter(newMockClient(conn), cfg)
	defer aw.Close()

	aw.Write(context.Background(), testAlerts(1))

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not flush the buffer")
	}
}
