package redemption

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dropforge-labs/dropforge/internal/collections"
	"github.com/dropforge-labs/dropforge/internal/ledger"
	"github.com/dropforge-labs/dropforge/internal/slots"
	"go.uber.org/zap"
)

const (
	moveModule = "dropforge"
	fnMintNFT  = "mint_nft"
)

var (
	// ErrAlreadyInFlight indicates another redemption for the same slot is
	// still pending on this client.
	ErrAlreadyInFlight = errors.New("redemption: attempt already in flight for this slot")

	errMissingLedger    = errors.New("redemption: ledger client is required")
	errMissingRegistry  = errors.New("redemption: registry is required")
	errMissingPackageID = errors.New("redemption: package id is required")

	noOpLogger = zap.NewNop()
)

// PreconditionError reports a redemption attempt rejected before submission.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "redemption: precondition failed: " + e.Reason
}

// FailedError reports a redemption the ledger declined or that never reached
// it. The minted counter is unchanged; the caller may retry manually.
type FailedError struct {
	Reason string
	Err    error
}

func (e *FailedError) Error() string {
	return "redemption: failed: " + e.Reason
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Outcome is the result of a confirmed redemption. Snapshot is the freshly
// re-read collection state, so availability checks made after a redemption
// reflect it.
type Outcome struct {
	TxID     ledger.TxID
	Label    string
	Snapshot collections.Snapshot
}

// SnapshotReader re-reads a collection's live state after a confirmed
// redemption.
type SnapshotReader interface {
	Read(ctx context.Context, collectionID string) (collections.Snapshot, error)
}

// CoordinatorConfig describes the dependencies of the redemption coordinator.
type CoordinatorConfig struct {
	Ledger     ledger.Client
	Registry   SnapshotReader
	PackageID  string
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Coordinator performs slot redemptions with exact payment and refreshes the
// collection snapshot before reporting success.
type Coordinator struct {
	ledger     ledger.Client
	registry   SnapshotReader
	packageID  string
	idProvider IDProvider
	logger     *zap.Logger

	// in-flight markers keyed by collection id and slot index. Guards a
	// single client against duplicate submissions, nothing more; there is
	// no cross-client reservation on the ledger.
	inFlight sync.Map
}

// NewCoordinator constructs a Coordinator with validated configuration.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if strings.TrimSpace(cfg.PackageID) == "" {
		return nil, errMissingPackageID
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Coordinator{
		ledger:     cfg.Ledger,
		registry:   cfg.Registry,
		packageID:  cfg.PackageID,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Redeem submits a redemption for the slot at index with exact payment and,
// once the ledger confirms it, re-reads the collection so the returned
// snapshot reflects the advanced minted counter.
//
// A refresh failure after confirmation still returns an error, but the
// redemption itself is final at that point; the caller should re-read.
func (c *Coordinator) Redeem(ctx context.Context, snapshot collections.Snapshot, index int, payer string) (Outcome, error) {
	if strings.TrimSpace(payer) == "" {
		return Outcome{}, &PreconditionError{Reason: "payer identity is required"}
	}
	if snapshot.ID == "" || len(snapshot.AssetURLs) == 0 {
		return Outcome{}, &PreconditionError{Reason: "collection is not loaded"}
	}

	resolution, err := slots.Resolve(snapshot, index)
	if err != nil {
		return Outcome{}, err
	}
	if !resolution.Available {
		return Outcome{}, &PreconditionError{Reason: fmt.Sprintf("slot %d is no longer available", index+1)}
	}

	marker := fmt.Sprintf("%s/%d", snapshot.ID, index)
	if _, loaded := c.inFlight.LoadOrStore(marker, struct{}{}); loaded {
		return Outcome{}, ErrAlreadyInFlight
	}
	defer c.inFlight.Delete(marker)

	attemptID, err := c.idProvider.NewID()
	if err != nil {
		return Outcome{}, fmt.Errorf("redemption: attempt id: %w", err)
	}

	label := slots.Label(snapshot, index)
	call := ledger.Call{
		Package:  c.packageID,
		Module:   moveModule,
		Function: fnMintNFT,
		Sender:   payer,
		Args: []ledger.Arg{
			ledger.ObjectArg(snapshot.ID),
			ledger.BytesArg(label),
			ledger.BytesArg(snapshot.Description),
			ledger.BytesArg(resolution.AssetURL),
			ledger.PaymentArg(snapshot.Price),
			ledger.AddressArg(payer),
		},
	}

	c.logger.Info("redemption submitting",
		zap.String("attempt_id", attemptID),
		zap.String("collection_id", snapshot.ID),
		zap.Int("index", index),
		zap.String("label", label))

	tx, err := c.ledger.Submit(ctx, call)
	if err != nil {
		c.logger.Warn("redemption rejected",
			zap.String("attempt_id", attemptID),
			zap.Error(err))
		return Outcome{}, &FailedError{Reason: reasonOf(err), Err: err}
	}

	if err := c.ledger.WaitFinality(ctx, tx); err != nil {
		c.logger.Warn("redemption not finalized",
			zap.String("attempt_id", attemptID),
			zap.String("tx", string(tx)),
			zap.Error(err))
		return Outcome{}, &FailedError{Reason: reasonOf(err), Err: err}
	}

	c.logger.Info("redemption confirmed, refreshing snapshot",
		zap.String("attempt_id", attemptID),
		zap.String("tx", string(tx)))

	refreshed, err := c.registry.Read(ctx, snapshot.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("redemption confirmed but snapshot refresh failed: %w", err)
	}

	return Outcome{TxID: tx, Label: label, Snapshot: refreshed}, nil
}

func reasonOf(err error) string {
	var rejected *ledger.RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason
	}
	return err.Error()
}
