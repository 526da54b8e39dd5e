package slots

import (
	"fmt"

	"github.com/dropforge-labs/dropforge/internal/collections"
)

// IndexOutOfRangeError reports a slot index outside the manifest bounds.
type IndexOutOfRangeError struct {
	Index int
	Size  int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("slots: index %d out of range for manifest of %d entries", e.Index, e.Size)
}

// Resolution maps a slot index onto its asset and availability at the moment
// of the snapshot.
type Resolution struct {
	AssetURL  string
	Available bool
}

// Resolve decides availability and resolves the asset for a slot index.
//
// Availability is derived, not reserved: the ledger only tracks a minted
// counter and always redeems the next slot implicitly, so index >= MintedCount
// is a client-side convention matching manifest position to redemption order.
func Resolve(snapshot collections.Snapshot, index int) (Resolution, error) {
	if index < 0 || index >= len(snapshot.AssetURLs) {
		return Resolution{}, &IndexOutOfRangeError{Index: index, Size: len(snapshot.AssetURLs)}
	}
	return Resolution{
		AssetURL:  snapshot.AssetURLs[index],
		Available: uint64(index) >= snapshot.MintedCount,
	}, nil
}

// Label renders the 1-based display label for a slot.
func Label(snapshot collections.Snapshot, index int) string {
	return fmt.Sprintf("%s #%d", snapshot.Name, index+1)
}

// NextAvailable returns the index the sequential allocation convention will
// consume next, or false when the collection is fully redeemed.
func NextAvailable(snapshot collections.Snapshot) (int, bool) {
	if snapshot.MintedCount >= uint64(len(snapshot.AssetURLs)) {
		return 0, false
	}
	return int(snapshot.MintedCount), true
}
