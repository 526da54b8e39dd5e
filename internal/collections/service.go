package collections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dropforge-labs/dropforge/internal/blobstore"
	"github.com/dropforge-labs/dropforge/internal/ledger"
	"github.com/dropforge-labs/dropforge/internal/manifest"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	moveModule             = "dropforge"
	fnCreateCollection     = "create_collection"
	eventCollectionCreated = "CollectionCreated"

	maxRoyaltyBps = 10000
)

var (
	// ErrNotFound indicates the collection id does not resolve on the ledger.
	ErrNotFound = errors.New("collections: collection not found")

	errMissingLedger    = errors.New("collections: ledger client is required")
	errMissingBlobStore = errors.New("collections: blob store client is required")
	errMissingDatabase  = errors.New("collections: database handle is required")
	errMissingPackageID = errors.New("collections: package id is required")
	errMissingRegistry  = errors.New("collections: registry id is required")

	noOpLogger = zap.NewNop()
)

// DecodeError indicates the stored collection record's shape was unexpected.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "collections: unexpected record shape: " + e.Reason
}

// ManifestUnavailableError indicates the manifest document is no longer
// retrievable from the blob store, typically because its storage period has
// ended. It is surfaced as a distinct user-facing condition.
type ManifestUnavailableError struct {
	ManifestRef string
}

func (e *ManifestUnavailableError) Error() string {
	return "collections: collection data has expired on the blob store; the storage period has ended, contact the creator to refresh the collection"
}

// Snapshot is a read-only view of a collection's ledger state plus its
// resolved manifest. MintedCount is authoritative on the ledger only.
type Snapshot struct {
	ID          string
	Name        string
	Description string
	Creator     string
	SupplyCap   uint64
	MintedCount uint64
	Price       uint64
	ManifestRef string
	AssetURLs   []string
}

// Summary is a single entry of a creator's collection listing.
type Summary struct {
	CollectionID string
	Name         string
	Creator      string
	TimestampMs  int64
}

// CreateParams are the creator-supplied collection attributes.
type CreateParams struct {
	Name        string
	Description string
	SupplyCap   uint64
	RoyaltyBps  uint16
	ManifestRef string
	Price       uint64
	Creator     string
}

// ServiceConfig describes the dependencies of the registry service.
type ServiceConfig struct {
	Ledger     ledger.Client
	BlobStore  blobstore.Client
	Database   *gorm.DB
	PackageID  string
	RegistryID string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service is the client-side adapter over the ledger's collection registry.
type Service struct {
	ledger     ledger.Client
	blobStore  blobstore.Client
	db         *gorm.DB
	packageID  string
	registryID string
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs the registry service with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.BlobStore == nil {
		return nil, errMissingBlobStore
	}
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if strings.TrimSpace(cfg.PackageID) == "" {
		return nil, errMissingPackageID
	}
	if strings.TrimSpace(cfg.RegistryID) == "" {
		return nil, errMissingRegistry
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		ledger:     cfg.Ledger,
		blobStore:  cfg.BlobStore,
		db:         cfg.Database,
		packageID:  cfg.PackageID,
		registryID: cfg.RegistryID,
		clock:      clock,
		logger:     logger,
	}, nil
}

func (p CreateParams) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("collections: name is required")
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("collections: description is required")
	}
	if p.SupplyCap < 1 {
		return fmt.Errorf("collections: supply cap must be at least 1")
	}
	if p.RoyaltyBps > maxRoyaltyBps {
		return fmt.Errorf("collections: royalty must not exceed %d bps", maxRoyaltyBps)
	}
	if strings.TrimSpace(p.ManifestRef) == "" {
		return fmt.Errorf("collections: manifest reference is required")
	}
	if strings.TrimSpace(p.Creator) == "" {
		return fmt.Errorf("collections: creator address is required")
	}
	return nil
}

// Create submits a single create_collection transaction, waits for finality,
// and resolves the new collection id from the creation event stream.
func (s *Service) Create(ctx context.Context, params CreateParams) (string, error) {
	if err := params.validate(); err != nil {
		return "", err
	}

	call := ledger.Call{
		Package:  s.packageID,
		Module:   moveModule,
		Function: fnCreateCollection,
		Sender:   params.Creator,
		Args: []ledger.Arg{
			ledger.ObjectArg(s.registryID),
			ledger.BytesArg(params.Name),
			ledger.BytesArg(params.Description),
			ledger.U64Arg(params.SupplyCap),
			ledger.U16Arg(params.RoyaltyBps),
			ledger.BytesArg(params.ManifestRef),
			ledger.U64Arg(params.Price),
		},
	}

	tx, err := s.ledger.Submit(ctx, call)
	if err != nil {
		return "", err
	}
	if err := s.ledger.WaitFinality(ctx, tx); err != nil {
		return "", err
	}

	summaries, err := s.ListByCreator(ctx, params.Creator)
	if err != nil {
		return "", fmt.Errorf("collections: resolve created collection id: %w", err)
	}
	if len(summaries) == 0 {
		return "", fmt.Errorf("collections: creation confirmed but no creation event found")
	}

	created := summaries[0]
	s.logger.Info("collection created",
		zap.String("collection_id", created.CollectionID),
		zap.String("creator", params.Creator),
		zap.String("tx", string(tx)))
	return created.CollectionID, nil
}

// Read fetches the collection object, decodes its fields, resolves the
// manifest document, and caches the resulting snapshot.
func (s *Service) Read(ctx context.Context, collectionID string) (Snapshot, error) {
	if strings.TrimSpace(collectionID) == "" {
		return Snapshot{}, fmt.Errorf("collections: collection id is required")
	}

	object, err := s.ledger.GetObject(ctx, collectionID)
	if errors.Is(err, ledger.ErrObjectNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}

	snapshot, err := decodeSnapshot(object)
	if err != nil {
		return Snapshot{}, err
	}

	document, err := s.blobStore.Fetch(ctx, s.blobStore.URLFor(blobstore.BlobID(snapshot.ManifestRef)))
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return Snapshot{}, &ManifestUnavailableError{ManifestRef: snapshot.ManifestRef}
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("collections: fetch manifest: %w", err)
	}

	urls, err := manifest.Parse(document)
	if err != nil {
		return Snapshot{}, &DecodeError{Reason: fmt.Sprintf("manifest document: %v", err)}
	}
	snapshot.AssetURLs = urls

	if err := s.cacheSnapshot(ctx, snapshot); err != nil {
		s.logger.Warn("snapshot cache write failed",
			zap.String("collection_id", snapshot.ID),
			zap.Error(err))
	}

	return snapshot, nil
}

// Cached returns the last snapshot stored for the collection, if any.
func (s *Service) Cached(ctx context.Context, collectionID string) (Snapshot, bool, error) {
	var record SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	var urls []string
	if err := json.Unmarshal([]byte(record.AssetURLsJSON), &urls); err != nil {
		return Snapshot{}, false, fmt.Errorf("collections: decode cached urls: %w", err)
	}

	return Snapshot{
		ID:          record.CollectionID,
		Name:        record.Name,
		Description: record.Description,
		Creator:     record.Creator,
		SupplyCap:   record.SupplyCap,
		MintedCount: record.MintedCount,
		Price:       record.Price,
		ManifestRef: record.ManifestRef,
		AssetURLs:   urls,
	}, true, nil
}

// ListByCreator enumerates the creator's collections from creation events,
// newest first.
func (s *Service) ListByCreator(ctx context.Context, creator string) ([]Summary, error) {
	if strings.TrimSpace(creator) == "" {
		return nil, fmt.Errorf("collections: creator address is required")
	}

	eventType := s.packageID + "::" + moveModule + "::" + eventCollectionCreated
	events, err := s.ledger.QueryEvents(ctx, eventType)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(events))
	for _, event := range events {
		summary := Summary{TimestampMs: event.TimestampMs}
		if err := decodeField(event.Parsed, "collection_id", &summary.CollectionID); err != nil {
			continue
		}
		if err := decodeField(event.Parsed, "creator", &summary.Creator); err != nil {
			continue
		}
		if err := decodeField(event.Parsed, "name", &summary.Name); err != nil {
			continue
		}
		if summary.Creator != creator {
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Service) cacheSnapshot(ctx context.Context, snapshot Snapshot) error {
	urlsJSON, err := json.Marshal(snapshot.AssetURLs)
	if err != nil {
		return err
	}

	record := SnapshotRecord{
		CollectionID:  snapshot.ID,
		Name:          snapshot.Name,
		Description:   snapshot.Description,
		Creator:       snapshot.Creator,
		SupplyCap:     snapshot.SupplyCap,
		MintedCount:   snapshot.MintedCount,
		Price:         snapshot.Price,
		ManifestRef:   snapshot.ManifestRef,
		AssetURLsJSON: string(urlsJSON),
		RefreshedAt:   s.clock().UTC(),
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}

func decodeSnapshot(object ledger.Object) (Snapshot, error) {
	snapshot := Snapshot{ID: object.ID}

	if err := decodeField(object.Fields, "name", &snapshot.Name); err != nil {
		return Snapshot{}, &DecodeError{Reason: err.Error()}
	}
	if err := decodeField(object.Fields, "description", &snapshot.Description); err != nil {
		return Snapshot{}, &DecodeError{Reason: err.Error()}
	}
	if err := decodeField(object.Fields, "creator", &snapshot.Creator); err != nil {
		return Snapshot{}, &DecodeError{Reason: err.Error()}
	}
	if err := decodeUint(object.Fields, "max_supply", &snapshot.SupplyCap); err != nil {
		return Snapshot{}, &DecodeError{Reason: err.Error()}
	}
	if err := decodeUint(object.Fields, "minted_count", &snapshot.MintedCount); err != nil {
		return Snapshot{}, &DecodeError{Reason: err.Error()}
	}
	if err := decodeUint(object.Fields, "mint_price", &snapshot.Price); err != nil {
		return Snapshot{}, &DecodeError{Reason: err.Error()}
	}
	if err := decodeField(object.Fields, "base_uri", &snapshot.ManifestRef); err != nil {
		return Snapshot{}, &DecodeError{Reason: err.Error()}
	}

	if snapshot.MintedCount > snapshot.SupplyCap {
		return Snapshot{}, &DecodeError{
			Reason: fmt.Sprintf("minted count %d exceeds supply cap %d", snapshot.MintedCount, snapshot.SupplyCap),
		}
	}

	return snapshot, nil
}

func decodeField(fields map[string]json.RawMessage, key string, target *string) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("missing field %q", key)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("field %q: %v", key, err)
	}
	return nil
}

// decodeUint accepts both JSON numbers and the string encoding ledger nodes
// use for u64 values.
func decodeUint(fields map[string]json.RawMessage, key string, target *uint64) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("missing field %q", key)
	}

	var asNumber uint64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		*target = asNumber
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return fmt.Errorf("field %q: expected unsigned integer", key)
	}
	parsed, err := strconv.ParseUint(asString, 10, 64)
	if err != nil {
		return fmt.Errorf("field %q: %v", key, err)
	}
	*target = parsed
	return nil
}
