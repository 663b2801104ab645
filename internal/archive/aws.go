package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/retry"
	"pkt.systems/rtnode/internal/svcfields"
)

// AWSConfig controls the AWS S3 sink.
type AWSConfig struct {
	Region string
	Bucket string
	Prefix string
	// Endpoint overrides the regional endpoint; it implies path-style
	// addressing.
	Endpoint string
	Insecure bool
	Retry    retry.Config
}

// AWSSink archives blobs into an AWS S3 bucket using the AWS SDK, so the
// usual AWS credential chain (environment, shared config, SSO, IMDS) applies.
type AWSSink struct {
	client *s3.Client
	cfg    AWSConfig
	retry  *retry.Retrier
	logger pslog.Logger
}

// AWSConfigFromURL reads aws://bucket/prefix?region=r&endpoint=host&insecure=1.
// The region falls back to AWS_REGION and AWS_DEFAULT_REGION.
func AWSConfigFromURL(u *url.URL) (AWSConfig, error) {
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return AWSConfig{}, fmt.Errorf("archive: aws url needs a bucket (aws://bucket[/prefix])")
	}
	query := u.Query()
	cfg := AWSConfig{
		Bucket:   bucket,
		Prefix:   strings.Trim(u.Path, "/"),
		Region:   strings.TrimSpace(query.Get("region")),
		Endpoint: strings.TrimSpace(query.Get("endpoint")),
	}
	if cfg.Region == "" {
		cfg.Region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if cfg.Region == "" {
		return AWSConfig{}, fmt.Errorf("archive: aws url needs a region (?region= or AWS_REGION)")
	}
	if v := query.Get("insecure"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return AWSConfig{}, fmt.Errorf("archive: insecure=%q: %w", v, err)
		}
		cfg.Insecure = insecure
	}
	return cfg, nil
}

// NewAWSSink constructs an AWSSink.
func NewAWSSink(ctx context.Context, cfg AWSConfig, logger pslog.Logger) (*AWSSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: aws bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive: aws region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport()}),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint == "" {
			return
		}
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if cfg.Insecure {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Default
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	logger = svcfields.WithSubsystem(logger, "archive.aws")
	return &AWSSink{
		client: client,
		cfg:    cfg,
		logger: logger,
		retry:  retry.New(cfg.Retry, retry.WithLogger(logger), retry.WithClassifier(isAWSRetryable)),
	}, nil
}

func (s *AWSSink) object(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if s.cfg.Prefix == "" {
		return key, nil
	}
	return path.Join(s.cfg.Prefix, key), nil
}

// Put uploads r under key. Seekable readers are retried.
func (s *AWSSink) Put(ctx context.Context, key string, r io.Reader, size int64) error {
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
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.cfg.Bucket),
			Key:           aws.String(object),
			Body:          r,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String("application/octet-stream"),
		})
		return err
	}
	if canRewind {
		err = s.retry.Do(ctx, "archive.put", put)
	} else {
		err = put(ctx)
	}
	if err != nil {
		s.logger.Warn("archive.aws.put_failed", "object", object, "error", err)
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	s.logger.Debug("archive.aws.put", "object", object, "bytes", size)
	return nil
}

// Get opens key for reading.
func (s *AWSSink) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	object, err := s.object(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	return resp.Body, nil
}

// List returns the keys under prefix in the order S3 lists them (sorted).
func (s *AWSSink) List(ctx context.Context, prefix string) ([]string, error) {
	full := strings.Trim(prefix, "/")
	if s.cfg.Prefix != "" {
		full = path.Join(s.cfg.Prefix, full)
	}
	if full != "" {
		full += "/"
	}
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(full),
	})
	var keys []string
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.cfg.Prefix != "" {
				key = strings.TrimPrefix(key, s.cfg.Prefix+"/")
			}
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func awsStatus(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	status, ok := awsStatus(err)
	return ok && status == http.StatusNotFound
}

func isAWSRetryable(err error) bool {
	if retry.IsTransient(err) {
		return true
	}
	status, ok := awsStatus(err)
	if !ok {
		return false
	}
	return status >= http.StatusInternalServerError ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout
}
