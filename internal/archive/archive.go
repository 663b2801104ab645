// Package archive stores revision blobs reclaimed by the persistence
// engine. Sinks are addressed by URL:
//
//	s3://host[:port]/bucket/prefix     S3-compatible object store (MinIO client)
//	aws://bucket/prefix?region=r       AWS S3 (AWS SDK credential chain)
//	azure://account/container/prefix   Azure Blob Storage
//	file:///dir                        local directory
package archive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/fault"
)

// ErrNotFound marks a key the sink does not hold.
var ErrNotFound = fault.New(fault.NotFound, "archive_not_found", "")

// Sink receives archived blobs.
type Sink interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Open builds the sink described by rawURL. ctx bounds any setup calls the
// sink makes, such as creating an Azure container.
func Open(ctx context.Context, rawURL string, logger pslog.Logger) (Sink, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("archive: parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "s3":
		cfg, err := S3ConfigFromURL(u)
		if err != nil {
			return nil, err
		}
		return NewS3Sink(cfg, logger)
	case "aws":
		cfg, err := AWSConfigFromURL(u)
		if err != nil {
			return nil, err
		}
		return NewAWSSink(ctx, cfg, logger)
	case "azure":
		cfg, err := AzureConfigFromURL(u)
		if err != nil {
			return nil, err
		}
		return NewAzureSink(ctx, cfg, logger)
	case "file", "":
		dir := u.Path
		if u.Scheme == "" {
			dir = rawURL
		}
		if dir == "" {
			return nil, fmt.Errorf("archive: %q has no directory", rawURL)
		}
		return NewDirSink(dir, logger)
	}
	return nil, fmt.Errorf("archive: unsupported scheme %q", u.Scheme)
}

// S3ConfigFromURL reads s3://host[:port]/bucket/prefix?insecure=1&region=r.
// Path-style addressing is always used so custom endpoints work without DNS.
func S3ConfigFromURL(u *url.URL) (S3Config, error) {
	if u.Host == "" {
		return S3Config{}, fmt.Errorf("archive: s3 url needs an endpoint host")
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return S3Config{}, fmt.Errorf("archive: s3 url needs a bucket")
	}
	cfg := S3Config{
		Endpoint:       u.Host,
		Bucket:         parts[0],
		ForcePathStyle: true,
		Region:         u.Query().Get("region"),
	}
	if len(parts) == 2 {
		cfg.Prefix = parts[1]
	}
	if v := u.Query().Get("insecure"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return S3Config{}, fmt.Errorf("archive: insecure=%q: %w", v, err)
		}
		cfg.Insecure = insecure
	}
	return cfg, nil
}

func cleanKey(key string) (string, error) {
	key = strings.Trim(key, "/")
	if key == "" {
		return "", fmt.Errorf("archive: empty key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("archive: invalid key %q", key)
		}
	}
	return key, nil
}
