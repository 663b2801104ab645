package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/retry"
	"pkt.systems/rtnode/internal/svcfields"
)

// S3Config controls the S3 sink.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	Retry          retry.Config
}

// S3Sink archives blobs into an S3-compatible bucket.
type S3Sink struct {
	client *minio.Client
	cfg    S3Config
	retry  *retry.Retrier
	logger pslog.Logger
}

// NewS3Sink constructs an S3Sink. Credentials come from CustomCreds or the
// AWS/MinIO environment, the shared credentials file, then IAM.
func NewS3Sink(cfg S3Config, logger pslog.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: s3 bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("archive: create s3 client: %w", err)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	logger = svcfields.WithSubsystem(logger, "archive.s3")
	return &S3Sink{
		client: client,
		cfg:    cfg,
		logger: logger,
		retry:  retry.New(cfg.Retry, retry.WithLogger(logger), retry.WithClassifier(isRetryable)),
	}, nil
}

// defaultTransport is shared by every object store sink. Requests carry
// otel client spans.
func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return otelhttp.NewTransport(http.DefaultTransport)
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return otelhttp.NewTransport(clone)
}

func (s *S3Sink) object(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if s.cfg.Prefix == "" {
		return key, nil
	}
	return path.Join(s.cfg.Prefix, key), nil
}

// Put uploads r under key. Readers that can seek are rewound between
// attempts; anything else is tried once.
func (s *S3Sink) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	object, err := s.object(key)
	if err != nil {
		return err
	}
	seeker, canRewind := r.(io.Seeker)
	put := func(ctx context.Context) error {
		if canRewind {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		_, err := s.client.PutObject(ctx, s.cfg.Bucket, object, r, size, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		return err
	}
	if !canRewind {
		err = put(ctx)
	} else {
		err = s.retry.Do(ctx, "archive.put", put)
	}
	if err != nil {
		s.logger.Warn("archive.s3.put_failed", "object", object, "error", err)
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	s.logger.Debug("archive.s3.put", "object", object, "bytes", size)
	return nil
}

// Get opens key for reading.
func (s *S3Sink) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.object(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("archive: stat %s: %w", key, err)
	}
	return obj, nil
}

// List returns the keys under prefix, sorted.
func (s *S3Sink) List(ctx context.Context, prefix string) ([]string, error) {
	full := strings.Trim(prefix, "/")
	if s.cfg.Prefix != "" {
		full = path.Join(s.cfg.Prefix, full)
	}
	if full != "" {
		full += "/"
	}
	var keys []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("archive: list %s: %w", prefix, object.Err)
		}
		key := object.Key
		if s.cfg.Prefix != "" {
			key = strings.TrimPrefix(key, s.cfg.Prefix+"/")
		}
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func isNotFound(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isRetryable(err error) bool {
	if retry.IsTransient(err) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}
