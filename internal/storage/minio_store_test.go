package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestObjectPath(t *testing.T) {
	ts := time.Date(2025, time.March, 7, 23, 59, 0, 0, time.UTC)
	if got := ObjectPath(ts, "ai_record_x.mp4"); got != "2025/03/07/ai_record_x.mp4" {
		t.Errorf("ObjectPath = %q", got)
	}
}

func TestPublicURL(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/media/")
	got := PublicURL(base, "recordings", "/2025/03/07/a.mp4")
	if got != "https://cdn.example.com/media/recordings/2025/03/07/a.mp4" {
		t.Errorf("PublicURL = %q", got)
	}

	root, _ := url.Parse("http://minio:9000")
	if got := PublicURL(root, "alarm-images", "x.jpg"); got != "http://minio:9000/alarm-images/x.jpg" {
		t.Errorf("PublicURL root = %q", got)
	}
}

func TestNewMinioStoreRequiresCredentials(t *testing.T) {
	_, err := NewMinioStore(context.Background(), MinioConfig{Endpoint: "localhost:9000"}, nil)
	if err == nil || !strings.Contains(err.Error(), "MINIO_ACCESS_KEY") {
		t.Fatalf("err = %v", err)
	}
}

func TestMinioConfigFromEnv(t *testing.T) {
	t.Setenv("MINIO_ENDPOINT", "minio:9000")
	t.Setenv("MINIO_USE_SSL", "true")
	cfg := MinioConfigFromEnv()
	if cfg.Endpoint != "minio:9000" || !cfg.UseSSL {
		t.Errorf("cfg = %+v", cfg)
	}
}
