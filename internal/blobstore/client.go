package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 60 * time.Second

var (
	// ErrBlobNotFound indicates the gateway no longer serves the blob,
	// typically because its storage period has ended.
	ErrBlobNotFound = errors.New("blobstore: blob not found")

	errMissingPublisherURL  = errors.New("blobstore: publisher url required")
	errMissingAggregatorURL = errors.New("blobstore: aggregator url required")
	errEmptyPayload         = errors.New("blobstore: payload must not be empty")
	errMissingBlobID        = errors.New("blobstore: gateway response missing blob id")
)

// BlobID is the content identifier assigned by the blob store.
type BlobID string

func (id BlobID) String() string {
	return string(id)
}

// Client is the narrow blob store capability the pipeline consumes.
type Client interface {
	Upload(ctx context.Context, payload []byte) (BlobID, error)
	URLFor(id BlobID) string
	Verify(ctx context.Context, url string) error
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPClientConfig bundles the gateway endpoints for the HTTP client.
type HTTPClientConfig struct {
	PublisherURL  string
	AggregatorURL string
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// HTTPClient talks to a publisher/aggregator blob gateway over plain HTTP.
type HTTPClient struct {
	publisherURL  string
	aggregatorURL string
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewHTTPClient constructs an HTTPClient with validated configuration.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	publisherURL := strings.TrimRight(strings.TrimSpace(cfg.PublisherURL), "/")
	if publisherURL == "" {
		return nil, errMissingPublisherURL
	}
	aggregatorURL := strings.TrimRight(strings.TrimSpace(cfg.AggregatorURL), "/")
	if aggregatorURL == "" {
		return nil, errMissingAggregatorURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		publisherURL:  publisherURL,
		aggregatorURL: aggregatorURL,
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

type uploadResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
}

// Upload stores the payload through the publisher and returns its content identifier.
func (c *HTTPClient) Upload(ctx context.Context, payload []byte) (BlobID, error) {
	if len(payload) == 0 {
		return "", errEmptyPayload
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, c.publisherURL+"/v1/blobs", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("blobstore: build upload request: %w", err)
	}
	request.Header.Set("Content-Type", "application/octet-stream")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("blobstore: upload: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("blobstore: upload rejected with status %d", response.StatusCode)
	}

	var decoded uploadResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("blobstore: decode upload response: %w", err)
	}

	blobID := ""
	switch {
	case decoded.NewlyCreated != nil:
		blobID = decoded.NewlyCreated.BlobObject.BlobID
	case decoded.AlreadyCertified != nil:
		blobID = decoded.AlreadyCertified.BlobID
	}
	if blobID == "" {
		return "", errMissingBlobID
	}

	c.logger.Debug("blob uploaded", zap.String("blob_id", blobID), zap.Int("bytes", len(payload)))
	return BlobID(blobID), nil
}

// URLFor maps a content identifier to its aggregator retrieval URL.
func (c *HTTPClient) URLFor(id BlobID) string {
	return c.aggregatorURL + "/v1/blobs/" + string(id)
}

// Verify issues a HEAD request against the URL to confirm the content is retrievable.
// A 404 response reports ErrBlobNotFound so callers can distinguish expired
// storage from transient transport failure.
func (c *HTTPClient) Verify(ctx context.Context, url string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("blobstore: build verify request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("blobstore: verify: %w", err)
	}
	defer response.Body.Close()

	return statusToError(response.StatusCode)
}

// Fetch retrieves the content behind the URL.
func (c *HTTPClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: build fetch request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("blobstore: fetch: %w", err)
	}
	defer response.Body.Close()

	if err := statusToError(response.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read body: %w", err)
	}
	return body, nil
}

func statusToError(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return ErrBlobNotFound
	default:
		return fmt.Errorf("blobstore: unexpected status %d", status)
	}
}
