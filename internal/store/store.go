package store

import "context"

// Tx is the unit of work every mutation runs in. Nothing written through a Tx
// is visible to other readers until the enclosing WithTx call commits.
type Tx interface {
	// GetBlockForUpdate loads a block, including soft-deleted ones, and holds
	// it against concurrent writers until the transaction ends.
	GetBlockForUpdate(ctx context.Context, blockID string) (ContentBlock, error)
	InsertBlock(ctx context.Context, block ContentBlock) error
	UpdateBlock(ctx context.Context, block ContentBlock) error
	SoftDeleteBlock(ctx context.Context, blockID, deletedBy string) error

	NextVersionNumber(ctx context.Context, blockID string) (int, error)
	InsertVersion(ctx context.Context, version ContentVersion) error
	GetVersion(ctx context.Context, blockID, versionID string) (ContentVersion, error)

	GetTags(ctx context.Context, tagIDs []string) ([]Tag, error)
	InsertTag(ctx context.Context, tag Tag) error
	BlockTagIDs(ctx context.Context, blockID string) ([]string, error)
	SetBlockTags(ctx context.Context, blockID string, tagIDs []string) error
	AdjustTagUsage(ctx context.Context, tagIDs []string, delta int) error
	RecountTagUsage(ctx context.Context) (int, error)
}

// Store is implemented by the Postgres and in-memory backends.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetBlock(ctx context.Context, blockID string) (ContentBlock, error)
	ListBlocks(ctx context.Context, filter BlockFilter) (BlockPage, error)
	ListVersions(ctx context.Context, blockID string) ([]ContentVersion, error)
	GetVersion(ctx context.Context, blockID, versionID string) (ContentVersion, error)
	ListTags(ctx context.Context) ([]Tag, error)
	Ping(ctx context.Context) error
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
