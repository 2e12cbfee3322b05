package archive

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// mockS3 is a tiny in-memory subset of S3 (PUT and HEAD, path-style).
type mockS3 struct {
	mu    sync.Mutex
	state map[string]stored
}

type stored struct {
	body        []byte
	contentType string
}

func (m *mockS3) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	objKey := strings.TrimPrefix(req.URL.Path, "/")
	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		m.state[objKey] = stored{body: body, contentType: req.Header.Get("Content-Type")}
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"ETag": {"\"etag\""}}}, nil
	case http.MethodHead:
		if _, ok := m.state[objKey]; ok {
			return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
		}
		return &http.Response{StatusCode: 404, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	return &http.Response{StatusCode: 501, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

func newMockUploader(t *testing.T, prefix string) (*Uploader, *mockS3) {
	t.Helper()
	rt := &mockS3{state: make(map[string]stored)}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	if err != nil {
		t.Fatalf("cfg: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return newWithClient(client, "test-bucket", prefix), rt
}

func TestUploadFile(t *testing.T) {
	up, rt := newMockUploader(t, "kinfolk/runs")
	local := filepath.Join(t.TempDir(), "events-abc.jsonl.zst")
	if err := os.WriteFile(local, []byte("compressed events"), 0o644); err != nil {
		t.Fatal(err)
	}

	key, err := up.UploadFile(context.Background(), local)
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if key != "kinfolk/runs/events-abc.jsonl.zst" {
		t.Fatalf("key = %q", key)
	}

	obj, ok := rt.state["test-bucket/"+key]
	if !ok {
		t.Fatalf("object not stored; have %v", rt.state)
	}
	if string(obj.body) != "compressed events" {
		t.Errorf("body = %q", obj.body)
	}
	if obj.contentType != "application/zstd" {
		t.Errorf("content type = %q", obj.contentType)
	}

	exists, err := up.Exists(context.Background(), key)
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v", exists, err)
	}
	exists, err = up.Exists(context.Background(), "kinfolk/runs/missing")
	if err != nil || exists {
		t.Fatalf("Exists(missing) = %v, %v", exists, err)
	}
}

func TestUploadMissingFile(t *testing.T) {
	up, _ := newMockUploader(t, "")
	if _, err := up.UploadFile(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestKey(t *testing.T) {
	up, _ := newMockUploader(t, "")
	if up.Key("a.zst") != "a.zst" {
		t.Errorf("empty prefix should leave the name alone")
	}
	up, _ = newMockUploader(t, "runs/")
	if up.Key("a.zst") != "runs/a.zst" {
		t.Errorf("Key = %q", up.Key("a.zst"))
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
	up, err := New(context.Background(), Config{
		Bucket:          "bkt",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if up.bucket != "bkt" {
		t.Errorf("bucket = %q", up.bucket)
	}
}
