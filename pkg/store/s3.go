package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultEndpoint is the Cubbit S3 gateway.
const DefaultEndpoint = "https://s3.cubbit.eu"

// S3Store is a ChunkStore backed by an S3-compatible bucket.
type S3Store struct {
	creds     Credentials
	endpoint  *url.URL
	pathStyle bool
	signer    Signer
	client    *http.Client
	logger    *zap.Logger
	now       func() time.Time
}

// S3Option customises an S3Store.
type S3Option func(*S3Store)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) S3Option {
	return func(s *S3Store) { s.client = c }
}

// WithVirtualHostedStyle addresses objects as bucket.host/key instead of host/bucket/key.
func WithVirtualHostedStyle() S3Option {
	return func(s *S3Store) { s.pathStyle = false }
}

// WithClock fixes the signing time source.
func WithClock(now func() time.Time) S3Option {
	return func(s *S3Store) { s.now = now }
}

// NewS3Store validates the credentials and builds a store.
func NewS3Store(creds Credentials, logger *zap.Logger, opts ...S3Option) (*S3Store, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if creds.Endpoint == "" {
		creds.Endpoint = DefaultEndpoint
	}
	if creds.Region == "" {
		creds.Region = "eu-west-1"
	}
	endpoint, err := url.Parse(creds.Endpoint)
	if err != nil || endpoint.Host == "" {
		return nil, &ConfigError{Field: "endpoint"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &S3Store{
		creds:     creds,
		endpoint:  endpoint,
		pathStyle: true,
		signer:    Signer{AccessKey: creds.AccessKey, SecretKey: creds.SecretKey, Region: creds.Region},
		client:    &http.Client{Timeout: 5 * time.Minute},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *S3Store) Upload(ctx context.Context, key string, data []byte) error {
	resp, err := s.do(ctx, http.MethodPut, key, data)
	if err != nil {
		return &StorageError{Op: "upload", Key: key, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return &StorageError{Op: "upload", Key: key, Status: resp.StatusCode}
	}

	s.logger.Debug("Uploaded object", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

func (s *S3Store) Download(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.do(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, &StorageError{Op: "download", Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &StorageError{Op: "download", Key: key, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &StorageError{Op: "download", Key: key, Err: err}
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := s.do(ctx, http.MethodHead, key, nil)
	if err != nil {
		return false, &StorageError{Op: "head", Key: key, Err: err}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode/100 == 2:
		return true, nil
	default:
		return false, &StorageError{Op: "head", Key: key, Status: resp.StatusCode}
	}
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	resp, err := s.do(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	resp.Body.Close()

	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return &StorageError{Op: "delete", Key: key, Status: resp.StatusCode}
	}
	return nil
}

// Presign returns a query-authenticated GET URL for key.
func (s *S3Store) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	if ttl > 7*24*time.Hour {
		return "", &StorageError{Op: "presign", Key: key, Err: fmt.Errorf("ttl %s exceeds the 7 day SigV4 limit", ttl)}
	}

	u := objectURL(s.endpoint, s.creds.Bucket, key, s.pathStyle)
	u.RawQuery = s.signer.PresignGet(u.Host, u.Path, s.now(), ttl)
	return u.String(), nil
}

func (s *S3Store) do(ctx context.Context, method, key string, body []byte) (*http.Response, error) {
	u := objectURL(s.endpoint, s.creds.Bucket, key, s.pathStyle)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Type", "application/json")
	}

	payloadHash := unsignedPayload
	if body != nil {
		payloadHash = hashHex(body)
	}
	s.signer.SignRequest(req, payloadHash, s.now())

	return s.client.Do(req)
}
