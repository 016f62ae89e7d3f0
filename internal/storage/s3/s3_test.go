package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"logsentinel/internal/correlation"
)

// memoryStore is an in-memory objectAPI.
type memoryStore struct {
	objects map[string][]byte
	inputs  []*s3.PutObjectInput
	putErr  error
	pageLen int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (m *memoryStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(in.Key)] = data
	m.inputs = append(m.inputs, in)
	return &s3.PutObjectOutput{ETag: aws.String("etag")}, nil
}

func (m *memoryStore) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memoryStore) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := len(keys)
	if m.pageLen > 0 && start+m.pageLen < end {
		end = start + m.pageLen
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (m *memoryStore) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func testClient(store *memoryStore) *Client {
	return newClient(store, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sampleAlerts() []correlation.Alert {
	base := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	thr := correlation.ThresholdRule{Name: "brute-force", EventType: "LOGIN_FAILURE", Threshold: 3, Window: 5 * time.Minute}
	seq := correlation.SequenceRule{Name: "scan-login", FirstType: "PORT_SCAN", SecondType: "LOGIN_SUCCESS", MaxDelay: 10 * time.Minute}
	return []correlation.Alert{
		correlation.NewThresholdAlert(thr, "192.168.1.10", 4, base.Add(3*time.Minute)),
		correlation.NewSequenceAlert(seq, "10.0.0.5", 2*time.Minute, base),
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty region", func(c *Config) { c.Region = "" }, true},
		{"empty bucket", func(c *Config) { c.Bucket = "" }, true},
		{"kms", func(c *Config) { c.ServerSideEncryption = "aws:kms" }, false},
		{"unknown sse", func(c *Config) { c.ServerSideEncryption = "rot13" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStorageClass(t *testing.T) {
	tests := []struct {
		class string
		want  types.StorageClass
	}{
		{"STANDARD", types.StorageClassStandard},
		{"glacier", types.StorageClassGlacier},
		{"INTELLIGENT_TIERING", types.StorageClassIntelligentTiering},
		{"bogus", types.StorageClassStandard},
	}
	for _, tt := range tests {
		cfg := &Config{StorageClass: tt.class}
		if got := cfg.storageClass(); got != tt.want {
			t.Errorf("storageClass(%q) = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	day := time.Date(2025, 3, 15, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
	want := "alerts/2025/03/16/6ba7b810-9dad-11d1-80b4-00c04fd430c8.ndjson.gz"
	if got := Key(day, id); got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestArchiver_WriteAndRestore(t *testing.T) {
	store := newMemoryStore()
	a := NewArchiver(testClient(store))
	alerts := sampleAlerts()

	if err := a.Write(context.Background(), alerts); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(store.inputs) != 1 {
		t.Fatalf("objects uploaded = %d, want 1", len(store.inputs))
	}
	in := store.inputs[0]
	if aws.ToString(in.ContentType) != "application/x-ndjson" {
		t.Errorf("content type = %q", aws.ToString(in.ContentType))
	}
	if in.Metadata["alert-count"] != "2" {
		t.Errorf("alert-count = %q, want 2", in.Metadata["alert-count"])
	}

	keys, err := a.ListDay(context.Background(), alerts[0].Timestamp)
	if err != nil {
		t.Fatalf("ListDay() error = %v", err)
	}
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "logsentinel/alerts/2025/03/15/") {
		t.Fatalf("keys = %v", keys)
	}

	got, err := a.Restore(context.Background(), keys[0])
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(got) != len(alerts) {
		t.Fatalf("restored %d alerts, want %d", len(got), len(alerts))
	}
	for i := range got {
		if got[i].ID != alerts[i].ID || got[i].Description != alerts[i].Description {
			t.Errorf("alert %d = %+v, want %+v", i, got[i], alerts[i])
		}
		if !got[i].Timestamp.Equal(alerts[i].Timestamp) {
			t.Errorf("alert %d timestamp = %v", i, got[i].Timestamp)
		}
	}
}

func TestArchiver_EmptyBatch(t *testing.T) {
	store := newMemoryStore()
	a := NewArchiver(testClient(store))
	if err := a.Write(context.Background(), nil); err != nil {
		t.Fatalf("Write(nil) error = %v", err)
	}
	if len(store.objects) != 0 {
		t.Errorf("uploaded %d objects for an empty batch", len(store.objects))
	}
}

func TestArchiver_UploadError(t *testing.T) {
	store := newMemoryStore()
	store.putErr = errors.New("access denied")
	c := testClient(store)
	a := NewArchiver(c)

	err := a.Write(context.Background(), sampleAlerts())
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("Write() error = %v", err)
	}
	if c.Metrics().Errors != 1 {
		t.Errorf("Errors = %d, want 1", c.Metrics().Errors)
	}
}

func TestClient_ListPaginates(t *testing.T) {
	store := newMemoryStore()
	store.pageLen = 2
	c := testClient(store)
	for i := 0; i < 5; i++ {
		if _, err := c.Put(context.Background(), "alerts/x/"+string(rune('a'+i)), []byte("{}"), "", nil); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := c.List(context.Background(), "alerts/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 5 {
		t.Errorf("List() = %v, want 5 keys", keys)
	}
	if m := c.Metrics(); m.ObjectsUploaded != 5 || m.BytesUploaded != 10 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestDecode_NotGzip(t *testing.T) {
	if _, err := decode(strings.NewReader("plain text")); err == nil {
		t.Error("decode() accepted a non-gzip body")
	}
}
