package sharelink

import (
	"context"
	"errors"
	"testing"

	"github.com/dropforge-labs/dropforge/internal/collections"
	"github.com/dropforge-labs/dropforge/internal/redemption"
)

type fakeRedeemer struct {
	calls   int
	err     error
	outcome redemption.Outcome
}

func (f *fakeRedeemer) Redeem(_ context.Context, _ collections.Snapshot, _ int, _ string) (redemption.Outcome, error) {
	f.calls++
	if f.err != nil {
		return redemption.Outcome{}, f.err
	}
	return f.outcome, nil
}

func loadedSnapshot(mintedCount uint64) collections.Snapshot {
	return collections.Snapshot{
		ID:          "0xcol",
		Name:        "Orcas",
		SupplyCap:   4,
		MintedCount: mintedCount,
		AssetURLs:   []string{"u0", "u1", "u2", "u3"},
	}
}

func pageURL(index int) string {
	link, _ := Encode("https://dropforge.example/collections/0xcol", index)
	return link
}

func TestEvaluateFiresOnceWhenConditionsMet(t *testing.T) {
	redeemer := &fakeRedeemer{outcome: redemption.Outcome{Label: "Orcas #3"}}
	minter := NewAutoMinter(pageURL(2), redeemer, nil)

	result, err := minter.Evaluate(context.Background(), loadedSnapshot(0), "0xpayer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusRedeemed {
		t.Fatalf("expected StatusRedeemed, got %v", result.Status)
	}
	if result.Outcome.Label != "Orcas #3" {
		t.Fatalf("unexpected outcome %+v", result.Outcome)
	}

	// Conditions re-evaluate after a snapshot refresh; the mint must not fire again.
	result, err = minter.Evaluate(context.Background(), loadedSnapshot(3), "0xpayer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusNoIntent {
		t.Fatalf("expected StatusNoIntent after firing, got %v", result.Status)
	}
	if redeemer.calls != 1 {
		t.Fatalf("expected exactly one redemption, got %d", redeemer.calls)
	}
}

func TestEvaluateWithoutIntent(t *testing.T) {
	redeemer := &fakeRedeemer{}
	minter := NewAutoMinter("https://dropforge.example/collections/0xcol", redeemer, nil)

	result, err := minter.Evaluate(context.Background(), loadedSnapshot(0), "0xpayer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusNoIntent {
		t.Fatalf("expected StatusNoIntent, got %v", result.Status)
	}
	if redeemer.calls != 0 {
		t.Fatalf("no redemption expected")
	}
}

func TestEvaluatePendingUntilSnapshotLoads(t *testing.T) {
	redeemer := &fakeRedeemer{}
	minter := NewAutoMinter(pageURL(1), redeemer, nil)

	result, err := minter.Evaluate(context.Background(), collections.Snapshot{}, "0xpayer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusPending {
		t.Fatalf("expected StatusPending, got %v", result.Status)
	}

	// Intent stays armed and fires once the snapshot arrives.
	result, err = minter.Evaluate(context.Background(), loadedSnapshot(0), "0xpayer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusRedeemed {
		t.Fatalf("expected StatusRedeemed, got %v", result.Status)
	}
	if redeemer.calls != 1 {
		t.Fatalf("expected one redemption, got %d", redeemer.calls)
	}
}

func TestEvaluateDefersUntilPayerConnects(t *testing.T) {
	redeemer := &fakeRedeemer{}
	minter := NewAutoMinter(pageURL(1), redeemer, nil)

	result, err := minter.Evaluate(context.Background(), loadedSnapshot(0), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusAwaitingPayer {
		t.Fatalf("expected StatusAwaitingPayer, got %v", result.Status)
	}
	if result.Message == "" {
		t.Fatalf("expected connect call-to-action message")
	}
	if redeemer.calls != 0 {
		t.Fatalf("no redemption may fire without a payer")
	}

	result, err = minter.Evaluate(context.Background(), loadedSnapshot(0), "0xpayer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusRedeemed {
		t.Fatalf("expected StatusRedeemed once payer connects, got %v", result.Status)
	}
	if redeemer.calls != 1 {
		t.Fatalf("expected one redemption, got %d", redeemer.calls)
	}
}

func TestEvaluateReportsAlreadyRedeemedWithoutSubmitting(t *testing.T) {
	redeemer := &fakeRedeemer{}
	minter := NewAutoMinter(pageURL(2), redeemer, nil)

	// minted count is already past the targeted slot by the time the link opens
	result, err := minter.Evaluate(context.Background(), loadedSnapshot(3), "0xpayer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusAlreadyRedeemed {
		t.Fatalf("expected StatusAlreadyRedeemed, got %v", result.Status)
	}
	if result.Message != "NFT #3 has already been minted." {
		t.Fatalf("unexpected message %q", result.Message)
	}
	if redeemer.calls != 0 {
		t.Fatalf("no transaction may be submitted for an already redeemed slot")
	}
}

func TestEvaluateDropsOutOfBoundsIntent(t *testing.T) {
	redeemer := &fakeRedeemer{}
	minter := NewAutoMinter(pageURL(9), redeemer, nil)

	result, err := minter.Evaluate(context.Background(), loadedSnapshot(0), "0xpayer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusNoIntent {
		t.Fatalf("expected StatusNoIntent, got %v", result.Status)
	}
	if redeemer.calls != 0 {
		t.Fatalf("no redemption expected for out-of-bounds intent")
	}
}

func TestEvaluateDoesNotRetryAfterFailure(t *testing.T) {
	redeemer := &fakeRedeemer{err: errors.New("minting failed")}
	minter := NewAutoMinter(pageURL(0), redeemer, nil)

	if _, err := minter.Evaluate(context.Background(), loadedSnapshot(0), "0xpayer"); err == nil {
		t.Fatalf("expected redemption failure to surface")
	}

	result, err := minter.Evaluate(context.Background(), loadedSnapshot(0), "0xpayer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusNoIntent {
		t.Fatalf("expected one-shot guard to hold after failure, got %v", result.Status)
	}
	if redeemer.calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", redeemer.calls)
	}
}
