// Package versions records immutable, numbered snapshots of content blocks
// and rolls blocks back to them.
package versions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"omfs/api/internal/store"
	"omfs/api/internal/trackchange"
	"omfs/api/internal/util"
)

const (
	UpdateDescription     = "Auto-saved version before update"
	CheckpointDescription = "Manual checkpoint"
	ResolveDescription    = "Auto-saved before resolving tracked changes"
)

var ErrVersionNotFound = errors.New("version not found")

// Tx is the slice of a store transaction the version store needs.
type Tx interface {
	NextVersionNumber(ctx context.Context, blockID string) (int, error)
	InsertVersion(ctx context.Context, version store.ContentVersion) error
	GetVersion(ctx context.Context, blockID, versionID string) (store.ContentVersion, error)
	UpdateBlock(ctx context.Context, block store.ContentBlock) error
}

type Lister interface {
	ListVersions(ctx context.Context, blockID string) ([]store.ContentVersion, error)
}

type Store struct {
	now   func() time.Time
	newID func() string
}

func New() *Store {
	return &Store{
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return util.NewID("ver") },
	}
}

// Snapshot captures the block's current title, body and metadata as the next
// version. It must run before the block's fields are overwritten in the same
// transaction.
func (s *Store) Snapshot(ctx context.Context, tx Tx, block store.ContentBlock, description, author string) (store.ContentVersion, error) {
	number, err := tx.NextVersionNumber(ctx, block.ID)
	if err != nil {
		return store.ContentVersion{}, err
	}

	tagNames := make([]string, 0, len(block.Tags))
	for _, tag := range block.Tags {
		tagNames = append(tagNames, tag.Name)
	}
	sort.Strings(tagNames)

	version := store.ContentVersion{
		ID:                s.newID(),
		BlockID:           block.ID,
		VersionNumber:     number,
		Title:             block.Title,
		Body:              block.Body,
		SectionType:       block.SectionType,
		Metadata:          block.Metadata.Clone(),
		TagsSnapshot:      tagNames,
		ChangeDescription: description,
		CreatedBy:         author,
		CreatedAt:         s.now(),
	}
	if err := tx.InsertVersion(ctx, version); err != nil {
		return store.ContentVersion{}, fmt.Errorf("snapshot block %s: %w", block.ID, err)
	}
	return version, nil
}

// Revert snapshots the block as it stands, then restores title, body and
// metadata from the target version. Tags are left alone. The ledger is not
// versioned: pending entries whose markers are absent from the restored body
// are dropped.
func (s *Store) Revert(ctx context.Context, tx Tx, block store.ContentBlock, versionID, author string) (store.ContentBlock, store.ContentVersion, error) {
	target, err := tx.GetVersion(ctx, block.ID, versionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ContentBlock{}, store.ContentVersion{}, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}
	if err != nil {
		return store.ContentBlock{}, store.ContentVersion{}, err
	}

	description := fmt.Sprintf("Auto-saved before reverting to version %d", target.VersionNumber)
	saved, err := s.Snapshot(ctx, tx, block, description, author)
	if err != nil {
		return store.ContentBlock{}, store.ContentVersion{}, err
	}

	ledger, _, err := trackchange.Reconcile(target.Body, block.TrackedChanges)
	if err != nil {
		return store.ContentBlock{}, store.ContentVersion{}, fmt.Errorf("reconcile tracked changes: %w", err)
	}

	block.Title = target.Title
	block.Body = target.Body
	block.Metadata = target.Metadata.Clone()
	block.TrackedChanges = ledger
	block.UpdatedBy = author
	if err := tx.UpdateBlock(ctx, block); err != nil {
		return store.ContentBlock{}, store.ContentVersion{}, err
	}
	block.Version = saved.VersionNumber + 1
	return block, saved, nil
}

// List returns the block's versions, newest first.
func (s *Store) List(ctx context.Context, l Lister, blockID string) ([]store.ContentVersion, error) {
	items, err := l.ListVersions(ctx, blockID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].VersionNumber > items[j].VersionNumber
	})
	return items, nil
}
