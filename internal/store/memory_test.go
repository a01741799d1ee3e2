package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreListBlocksFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	err := s.WithTx(ctx, func(tx Tx) error {
		for _, b := range []ContentBlock{
			{ID: "blk_1", Title: "Cloud Infrastructure Design", Body: "<p>cloud</p>", SectionType: "technical_approach"},
			{ID: "blk_2", Title: "Database Architecture", Body: "<p>postgres</p>", SectionType: "technical_approach"},
			{ID: "blk_3", Title: "Key Personnel", Body: "<p>Cloud architect</p>", SectionType: "staffing"},
		} {
			if err := tx.InsertBlock(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	page, err := s.ListBlocks(ctx, BlockFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "blk_3", page.Items[0].ID)
	assert.Equal(t, "blk_2", page.Items[1].ID)

	page, err = s.ListBlocks(ctx, BlockFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "blk_1", page.Items[0].ID)

	page, err = s.ListBlocks(ctx, BlockFilter{Query: "CLOUD"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = s.ListBlocks(ctx, BlockFilter{Query: "cloud", SectionType: "staffing"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "blk_3", page.Items[0].ID)
}

func TestMemoryStoreRejectsUnknownTagAssociation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertBlock(ctx, ContentBlock{ID: "blk_1", Title: "t", Body: "b", SectionType: "s"}); err != nil {
			return err
		}
		return tx.SetBlockTags(ctx, "blk_1", []string{"tag_missing"})
	})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetBlock(ctx, "blk_1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore().WithTx(ctx, func(tx Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
