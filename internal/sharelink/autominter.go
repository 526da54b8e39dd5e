package sharelink

import (
	"context"
	"fmt"
	"sync"

	"github.com/dropforge-labs/dropforge/internal/collections"
	"github.com/dropforge-labs/dropforge/internal/redemption"
	"go.uber.org/zap"
)

// Status classifies the outcome of one auto-mint evaluation.
type Status int

const (
	// StatusNoIntent means no actionable share-link intent remains.
	StatusNoIntent Status = iota
	// StatusPending means the intent is valid but the collection snapshot
	// has not loaded yet; evaluation should run again later.
	StatusPending
	// StatusAwaitingPayer means the intent is ready but no payer identity is
	// present; the caller should surface a connect call-to-action.
	StatusAwaitingPayer
	// StatusAlreadyRedeemed means the targeted slot was consumed before the
	// link was opened.
	StatusAlreadyRedeemed
	// StatusRedeemed means the auto-mint fired and the ledger confirmed it.
	StatusRedeemed
)

// Result reports one evaluation of the auto-mint trigger conditions.
type Result struct {
	Status  Status
	Index   int
	Message string
	Outcome redemption.Outcome
}

// Redeemer is the redemption capability the auto-minter drives.
type Redeemer interface {
	Redeem(ctx context.Context, snapshot collections.Snapshot, index int, payer string) (redemption.Outcome, error)
}

// AutoMinter drives at most one automatic redemption per page load from a
// decoded share-link intent. Trigger conditions may re-evaluate any number of
// times (snapshot refreshes, a payer connecting later); the mint fires once.
type AutoMinter struct {
	redeemer Redeemer
	logger   *zap.Logger

	mu     sync.Mutex
	intent Intent
	fired  bool
}

// NewAutoMinter decodes the page URL's intent and prepares the one-shot guard.
func NewAutoMinter(pageURL string, redeemer Redeemer, logger *zap.Logger) *AutoMinter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoMinter{
		redeemer: redeemer,
		logger:   logger,
		intent:   Decode(pageURL),
	}
}

// Intent exposes the decoded share-link intent.
func (a *AutoMinter) Intent() Intent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.intent
}

// Evaluate checks the trigger conditions against the current snapshot and
// payer, firing the redemption when everything lines up. Pending and
// awaiting-payer results leave the intent armed; every other outcome
// consumes it.
func (a *AutoMinter) Evaluate(ctx context.Context, snapshot collections.Snapshot, payer string) (Result, error) {
	a.mu.Lock()
	if !a.intent.Valid || a.fired {
		a.mu.Unlock()
		return Result{Status: StatusNoIntent}, nil
	}
	index := a.intent.Index

	if snapshot.ID == "" || len(snapshot.AssetURLs) == 0 {
		a.mu.Unlock()
		return Result{Status: StatusPending, Index: index}, nil
	}

	if index >= len(snapshot.AssetURLs) {
		// Out-of-bounds intent behaves like no intent at all.
		a.intent = Intent{}
		a.mu.Unlock()
		return Result{Status: StatusNoIntent}, nil
	}

	if uint64(index) < snapshot.MintedCount {
		a.fired = true
		a.mu.Unlock()
		return Result{
			Status:  StatusAlreadyRedeemed,
			Index:   index,
			Message: fmt.Sprintf("NFT #%d has already been minted.", index+1),
		}, nil
	}

	if payer == "" {
		a.mu.Unlock()
		return Result{
			Status:  StatusAwaitingPayer,
			Index:   index,
			Message: fmt.Sprintf("You've been invited to mint NFT #%d! Connect your wallet to claim it instantly.", index+1),
		}, nil
	}

	// Guard flips before submission so a failed attempt is not retried
	// automatically; manual retry stays with the user.
	a.fired = true
	a.mu.Unlock()

	a.logger.Info("auto-mint firing",
		zap.String("collection_id", snapshot.ID),
		zap.Int("index", index))

	outcome, err := a.redeemer.Redeem(ctx, snapshot, index, payer)
	if err != nil {
		return Result{Status: StatusNoIntent, Index: index}, err
	}
	return Result{
		Status:  StatusRedeemed,
		Index:   index,
		Message: fmt.Sprintf("Successfully minted %s!", outcome.Label),
		Outcome: outcome,
	}, nil
}
