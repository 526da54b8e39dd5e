package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dropforge-labs/dropforge/internal/blobstore"
	"go.uber.org/zap"
)

var (
	errMissingBlobStore = errors.New("manifest: blob store client is required")
	errNoAssets         = errors.New("manifest: at least one asset is required")

	noOpLogger = zap.NewNop()
)

// VerificationError reports an asset whose post-upload existence check failed.
// No manifest is published when any asset fails verification.
type VerificationError struct {
	Index int
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("manifest: asset %d failed upload verification: %v", e.Index+1, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a manifest document whose round-trip contents do not
// match the locally assembled asset list.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "manifest: integrity check failed: " + e.Reason
}

// PublishResult is the outcome of a successful publish.
type PublishResult struct {
	ManifestRef blobstore.BlobID
	AssetURLs   []string
}

// BuilderConfig describes the dependencies required to publish manifests.
type BuilderConfig struct {
	BlobStore blobstore.Client
	Logger    *zap.Logger
}

// Builder turns an ordered set of asset payloads into a verified,
// referenceable manifest document.
type Builder struct {
	blobStore blobstore.Client
	logger    *zap.Logger
}

// NewBuilder constructs a Builder with validated configuration.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.BlobStore == nil {
		return nil, errMissingBlobStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Builder{blobStore: cfg.BlobStore, logger: logger}, nil
}

// Publish uploads every asset in input order, verifies each is retrievable,
// uploads the assembled URL list as the manifest document, and confirms the
// document round-trips before returning its reference. Position in the input
// becomes the permanent slot-to-asset mapping, so uploads are not reordered.
func (b *Builder) Publish(ctx context.Context, assets [][]byte) (PublishResult, error) {
	if len(assets) == 0 {
		return PublishResult{}, errNoAssets
	}

	assetURLs := make([]string, 0, len(assets))
	for index, payload := range assets {
		blobID, err := b.blobStore.Upload(ctx, payload)
		if err != nil {
			return PublishResult{}, &VerificationError{Index: index, Err: err}
		}

		url := b.blobStore.URLFor(blobID)
		if err := b.blobStore.Verify(ctx, url); err != nil {
			return PublishResult{}, &VerificationError{Index: index, Err: err}
		}

		b.logger.Debug("asset uploaded",
			zap.Int("index", index),
			zap.String("blob_id", blobID.String()))
		assetURLs = append(assetURLs, url)
	}

	document, err := json.Marshal(assetURLs)
	if err != nil {
		return PublishResult{}, fmt.Errorf("manifest: encode document: %w", err)
	}

	manifestRef, err := b.blobStore.Upload(ctx, document)
	if err != nil {
		return PublishResult{}, fmt.Errorf("manifest: upload document: %w", err)
	}

	fetched, err := b.blobStore.Fetch(ctx, b.blobStore.URLFor(manifestRef))
	if err != nil {
		return PublishResult{}, &IntegrityError{Reason: fmt.Sprintf("document not retrievable: %v", err)}
	}

	roundTripped, err := Parse(fetched)
	if err != nil {
		return PublishResult{}, &IntegrityError{Reason: fmt.Sprintf("document did not parse: %v", err)}
	}
	if len(roundTripped) != len(assetURLs) {
		return PublishResult{}, &IntegrityError{
			Reason: fmt.Sprintf("expected %d entries, found %d", len(assetURLs), len(roundTripped)),
		}
	}
	for i, url := range assetURLs {
		if roundTripped[i] != url {
			return PublishResult{}, &IntegrityError{
				Reason: fmt.Sprintf("entry %d does not match the uploaded list", i),
			}
		}
	}

	b.logger.Info("manifest published",
		zap.String("manifest_ref", manifestRef.String()),
		zap.Int("assets", len(assetURLs)))

	return PublishResult{ManifestRef: manifestRef, AssetURLs: assetURLs}, nil
}

// Parse decodes a manifest document into its ordered asset URL list.
func Parse(document []byte) ([]string, error) {
	var urls []string
	if err := json.Unmarshal(document, &urls); err != nil {
		return nil, fmt.Errorf("manifest: decode document: %w", err)
	}
	return urls, nil
}
