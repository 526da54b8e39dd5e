package collections

import "time"

// SnapshotRecord is the locally cached, read-only copy of a collection's
// last observed ledger state. The ledger stays authoritative; rows are
// replaced wholesale on refresh, never patched field by field.
type SnapshotRecord struct {
	CollectionID  string `gorm:"column:collection_id;primaryKey;size:190;not null"`
	Name          string `gorm:"column:name;not null"`
	Description   string `gorm:"column:description;not null"`
	Creator       string `gorm:"column:creator;size:190;not null;index"`
	SupplyCap     uint64 `gorm:"column:supply_cap;not null"`
	MintedCount   uint64 `gorm:"column:minted_count;not null"`
	Price         uint64 `gorm:"column:price;not null"`
	ManifestRef   string `gorm:"column:manifest_ref;not null"`
	AssetURLsJSON string `gorm:"column:asset_urls_json;not null"`

	RefreshedAt time.Time `gorm:"column:refreshed_at;not null"`
}

func (SnapshotRecord) TableName() string {
	return "collection_snapshots"
}
