// Package tagsync keeps tag usage counts in step with block associations.
// Every function here runs inside the caller's transaction, next to the
// association or delete write it accounts for.
package tagsync

import (
	"context"
	"sort"
)

type Tx interface {
	BlockTagIDs(ctx context.Context, blockID string) ([]string, error)
	SetBlockTags(ctx context.Context, blockID string, tagIDs []string) error
	AdjustTagUsage(ctx context.Context, tagIDs []string, delta int) error
}

// Delta is the difference between two association sets.
type Delta struct {
	Added   []string
	Removed []string
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Diff computes added = new - old and removed = old - new. Duplicates and
// ordering in the inputs do not matter.
func Diff(oldIDs, newIDs []string) Delta {
	oldSet := toSet(oldIDs)
	newSet := toSet(newIDs)

	d := Delta{Added: make([]string, 0), Removed: make([]string, 0)}
	for id := range newSet {
		if !oldSet[id] {
			d.Added = append(d.Added, id)
		}
	}
	for id := range oldSet {
		if !newSet[id] {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	return d
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = true
		}
	}
	return set
}

// ApplyAssociationChange replaces the block's tag set and adjusts usage
// counts: +1 per added tag, -1 (floored at zero) per removed tag.
func ApplyAssociationChange(ctx context.Context, tx Tx, blockID string, oldIDs, newIDs []string) (Delta, error) {
	d := Diff(oldIDs, newIDs)
	if d.Empty() {
		return d, nil
	}
	if err := tx.SetBlockTags(ctx, blockID, newIDs); err != nil {
		return Delta{}, err
	}
	if err := tx.AdjustTagUsage(ctx, d.Added, 1); err != nil {
		return Delta{}, err
	}
	if err := tx.AdjustTagUsage(ctx, d.Removed, -1); err != nil {
		return Delta{}, err
	}
	return d, nil
}

// ApplySoftDelete releases the block's hold on each of its tags. The
// association rows stay so the block can be audited or restored.
func ApplySoftDelete(ctx context.Context, tx Tx, blockID string) ([]string, error) {
	ids, err := tx.BlockTagIDs(ctx, blockID)
	if err != nil {
		return nil, err
	}
	if err := tx.AdjustTagUsage(ctx, ids, -1); err != nil {
		return nil, err
	}
	return ids, nil
}
