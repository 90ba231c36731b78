// internal/storage/minio_store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sua-org/aibox-bus/internal/logging"
)

// ErrEmptyObject: upload recusado porque não há bytes.
var ErrEmptyObject = errors.New("storage: empty object")

// Presign máximo aceito pelo S3/MinIO.
const MaxPresignExpiry = 7 * 24 * time.Hour

// Store é o blob store usado pelo gravador e pelos alarmes.
type Store interface {
	Upload(ctx context.Context, bucket, objectPath string, r io.Reader, size int64, contentType string) (string, error)
	Presign(ctx context.Context, bucket, objectPath string, expiry time.Duration) (string, error)
	Exists(ctx context.Context, bucket, objectPath string) (bool, error)
}

type MinioStore struct {
	client  *minio.Client
	baseURL *url.URL
	logger  *slog.Logger
}

type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string
}

func MinioConfigFromEnv() MinioConfig {
	return MinioConfig{
		Endpoint:      getenv("MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey:     os.Getenv("MINIO_SECRET_KEY"),
		UseSSL:        getenv("MINIO_USE_SSL", "false") == "true",
		PublicBaseURL: getenv("MINIO_PUBLIC_BASE_URL", ""),
	}
}

// NewMinioStoreFromEnv conecta no MinIO e garante que os buckets existem.
func NewMinioStoreFromEnv(ctx context.Context, logger *slog.Logger, buckets ...string) (*MinioStore, error) {
	return NewMinioStore(ctx, MinioConfigFromEnv(), logger, buckets...)
}

func NewMinioStore(ctx context.Context, cfg MinioConfig, logger *slog.Logger, buckets ...string) (*MinioStore, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("MINIO_ACCESS_KEY / MINIO_SECRET_KEY não configurados")
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("erro criando cliente MinIO: %w", err)
	}

	var base *url.URL
	if cfg.PublicBaseURL != "" {
		base, err = url.Parse(cfg.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("MINIO_PUBLIC_BASE_URL inválida: %w", err)
		}
	}

	s := &MinioStore{client: cli, baseURL: base, logger: logger}
	for _, b := range buckets {
		if err := s.EnsureBucket(ctx, b); err != nil {
			return nil, err
		}
	}
	logger.Info("conectado ao MinIO", "endpoint", cfg.Endpoint, "buckets", buckets)
	return s, nil
}

// EnsureBucket cria o bucket se não existir.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
	if err != nil {
		exists, errExists := s.client.BucketExists(ctx, bucket)
		if errExists != nil || !exists {
			return fmt.Errorf("erro criando/verificando bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// Upload envia o stream e devolve o caminho bucket/objeto.
func (s *MinioStore) Upload(ctx context.Context, bucket, objectPath string, r io.Reader, size int64, contentType string) (string, error) {
	if size == 0 {
		return "", ErrEmptyObject
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, bucket, objectPath, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("erro ao enviar objeto pro MinIO: %w", err)
	}
	return bucket + "/" + objectPath, nil
}

// Presign gera URL GET temporária (ou a URL pública, se configurada).
func (s *MinioStore) Presign(ctx context.Context, bucket, objectPath string, expiry time.Duration) (string, error) {
	if s.baseURL != nil {
		return PublicURL(s.baseURL, bucket, objectPath), nil
	}
	if expiry <= 0 || expiry > MaxPresignExpiry {
		expiry = MaxPresignExpiry
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, objectPath, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, objectPath, err)
	}
	return u.String(), nil
}

func (s *MinioStore) Exists(ctx context.Context, bucket, objectPath string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, objectPath, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat %s/%s: %w", bucket, objectPath, err)
}

// ObjectPath monta YYYY/MM/DD/<arquivo>.
func ObjectPath(t time.Time, fileName string) string {
	return fmt.Sprintf("%04d/%02d/%02d/%s", t.Year(), int(t.Month()), t.Day(), fileName)
}

// PublicURL junta base pública + bucket + objeto.
func PublicURL(base *url.URL, bucket, objectPath string) string {
	u := *base
	prefix := strings.TrimSuffix(u.Path, "/")
	u.Path = prefix + "/" + bucket + "/" + strings.TrimPrefix(objectPath, "/")
	return u.String()
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
