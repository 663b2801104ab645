package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"pkt.systems/pslog"

	"pkt.systems/rtnode/internal/svcfields"
)

// AzureConfig controls the Azure Blob Storage sink. Either AccountKey or
// SASToken authenticates the client.
type AzureConfig struct {
	Account    string
	AccountKey string
	SASToken   string
	Endpoint   string
	Container  string
	Prefix     string
}

// AzureSink archives blobs into an Azure Blob Storage container.
type AzureSink struct {
	client    *azblob.Client
	container string
	prefix    string
	logger    pslog.Logger
}

// AzureConfigFromURL reads azure://account/container/prefix?endpoint=u&sas=t.
// The account key comes from AZURE_STORAGE_KEY or AZURE_STORAGE_ACCOUNT_KEY.
func AzureConfigFromURL(u *url.URL) (AzureConfig, error) {
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return AzureConfig{}, fmt.Errorf("archive: azure url needs an account (azure://account/container[/prefix])")
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return AzureConfig{}, fmt.Errorf("archive: azure url needs a container")
	}
	query := u.Query()
	cfg := AzureConfig{
		Account:    account,
		Container:  parts[0],
		Endpoint:   strings.TrimSpace(query.Get("endpoint")),
		SASToken:   strings.TrimSpace(query.Get("sas")),
		AccountKey: firstEnv("AZURE_STORAGE_KEY", "AZURE_STORAGE_ACCOUNT_KEY"),
	}
	if len(parts) == 2 {
		cfg.Prefix = parts[1]
	}
	if cfg.SASToken == "" {
		cfg.SASToken = firstEnv("AZURE_STORAGE_SAS_TOKEN")
	}
	return cfg, nil
}

// NewAzureSink constructs an AzureSink and creates the container when it is
// missing.
func NewAzureSink(ctx context.Context, cfg AzureConfig, logger pslog.Logger) (*AzureSink, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("archive: azure account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("archive: azure container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: azureTransport{rt: defaultTransport()}}}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.SASToken != "":
		withSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(withSAS, opts)
	case cfg.AccountKey != "":
		cred, cerr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if cerr != nil {
			return nil, fmt.Errorf("archive: azure credentials: %w", cerr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	default:
		return nil, fmt.Errorf("archive: azure account key or SAS token required")
	}
	if err != nil {
		return nil, fmt.Errorf("archive: create azure client: %w", err)
	}
	createCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(createCtx, cfg.Container, nil); err != nil && !isAzureStatus(err, http.StatusConflict) {
		return nil, fmt.Errorf("archive: create azure container: %w", err)
	}
	return &AzureSink{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		logger:    svcfields.WithSubsystem(logger, "archive.azure"),
	}, nil
}

type azureTransport struct {
	rt http.RoundTripper
}

var _ policy.Transporter = azureTransport{}

func (t azureTransport) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("archive: parse azure endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery += "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func (s *AzureSink) blob(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key, nil
	}
	return path.Join(s.prefix, key), nil
}

// Put uploads r under key. The SDK retries individual block uploads.
func (s *AzureSink) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	name, err := s.blob(key)
	if err != nil {
		return err
	}
	if _, err := s.client.UploadStream(ctx, s.container, name, r, nil); err != nil {
		s.logger.Warn("archive.azure.put_failed", "blob", name, "error", err)
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	s.logger.Debug("archive.azure.put", "blob", name, "bytes", size)
	return nil
}

// Get opens key for reading.
func (s *AzureSink) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := s.blob(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isAzureStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	return resp.Body, nil
}

// List returns the keys under prefix, sorted by blob name.
func (s *AzureSink) List(ctx context.Context, prefix string) ([]string, error) {
	full := strings.Trim(prefix, "/")
	if s.prefix != "" {
		full = path.Join(s.prefix, full)
	}
	if full != "" {
		full += "/"
	}
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &full})
	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := *item.Name
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			if key != "" {
				keys = append(keys, key)
			}
		}
	}
	return keys, nil
}

func isAzureStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}
