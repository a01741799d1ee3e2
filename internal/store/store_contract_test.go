package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omfs/api/internal/trackchange"
)

var errAbort = errors.New("abort")

// exerciseStore runs the behaviour both backends must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	rating := 4
	block := ContentBlock{
		ID:            "blk_contract",
		Title:         "Past performance",
		Body:          "<p>Delivered on time</p>",
		SectionType:   "past_performance",
		Metadata:      JSONMap{"agency": "DOT"},
		QualityRating: &rating,
		CreatedBy:     "ana",
	}

	err := s.WithTx(ctx, func(tx Tx) error {
		for _, tag := range []Tag{{ID: "tag_a", Name: "alpha"}, {ID: "tag_b", Name: "bravo"}} {
			if err := tx.InsertTag(ctx, tag); err != nil {
				return err
			}
		}
		if err := tx.InsertBlock(ctx, block); err != nil {
			return err
		}
		if err := tx.SetBlockTags(ctx, block.ID, []string{"tag_a", "tag_b", "tag_a"}); err != nil {
			return err
		}
		return tx.AdjustTagUsage(ctx, []string{"tag_a", "tag_b"}, 1)
	})
	require.NoError(t, err)

	got, err := s.GetBlock(ctx, block.ID)
	require.NoError(t, err)
	assert.Equal(t, "Past performance", got.Title)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "DOT", got.Metadata["agency"])
	require.NotNil(t, got.QualityRating)
	assert.Equal(t, 4, *got.QualityRating)
	assert.False(t, got.TrackedChanges.Initialized())
	assert.ElementsMatch(t, []string{"tag_a", "tag_b"}, got.TagIDs())

	t.Run("duplicate tag name", func(t *testing.T) {
		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.InsertTag(ctx, Tag{ID: "tag_dup", Name: "alpha"})
		})
		require.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("failed transaction leaves no trace", func(t *testing.T) {
		err := s.WithTx(ctx, func(tx Tx) error {
			current, err := tx.GetBlockForUpdate(ctx, block.ID)
			if err != nil {
				return err
			}
			if err := tx.InsertVersion(ctx, ContentVersion{
				ID: "ver_aborted", BlockID: block.ID, VersionNumber: current.Version,
				Title: current.Title, Body: current.Body, Metadata: current.Metadata,
			}); err != nil {
				return err
			}
			current.Title = "never committed"
			if err := tx.UpdateBlock(ctx, current); err != nil {
				return err
			}
			if err := tx.AdjustTagUsage(ctx, []string{"tag_a"}, -1); err != nil {
				return err
			}
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		got, err := s.GetBlock(ctx, block.ID)
		require.NoError(t, err)
		assert.Equal(t, "Past performance", got.Title)
		assert.Equal(t, 1, got.Version)

		versions, err := s.ListVersions(ctx, block.ID)
		require.NoError(t, err)
		assert.Empty(t, versions)

		tags, err := s.ListTags(ctx)
		require.NoError(t, err)
		for _, tag := range tags {
			assert.Equal(t, 1, tag.UsageCount, tag.Name)
		}
	})

	t.Run("versions and ledger persist", func(t *testing.T) {
		err := s.WithTx(ctx, func(tx Tx) error {
			for i := 0; i < 2; i++ {
				current, err := tx.GetBlockForUpdate(ctx, block.ID)
				if err != nil {
					return err
				}
				next, err := tx.NextVersionNumber(ctx, block.ID)
				if err != nil {
					return err
				}
				if err := tx.InsertVersion(ctx, ContentVersion{
					ID: fmt.Sprintf("ver_contract_%d", next), BlockID: block.ID, VersionNumber: next,
					Title: current.Title, Body: current.Body, Metadata: current.Metadata,
					TagsSnapshot: []string{"alpha"}, ChangeDescription: "edit", CreatedBy: "bo",
				}); err != nil {
					return err
				}
				current.Title = current.Title + "!"
				current.TrackChangesEnabled = true
				current.TrackedChanges = trackchange.NewLedger()
				current.UpdatedBy = "bo"
				if err := tx.UpdateBlock(ctx, current); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		versions, err := s.ListVersions(ctx, block.ID)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, 2, versions[0].VersionNumber)
		assert.Equal(t, 1, versions[1].VersionNumber)
		assert.Equal(t, "Past performance", versions[1].Title)
		assert.Equal(t, []string{"alpha"}, versions[1].TagsSnapshot)

		v, err := s.GetVersion(ctx, block.ID, versions[1].ID)
		require.NoError(t, err)
		assert.Equal(t, "edit", v.ChangeDescription)

		_, err = s.GetVersion(ctx, "blk_other", versions[1].ID)
		require.ErrorIs(t, err, ErrNotFound)

		got, err := s.GetBlock(ctx, block.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Version)
		assert.True(t, got.TrackChangesEnabled)
		assert.True(t, got.TrackedChanges.Initialized())
		assert.Equal(t, "bo", got.UpdatedBy)
	})

	t.Run("usage clamps at zero and recount repairs drift", func(t *testing.T) {
		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.AdjustTagUsage(ctx, []string{"tag_b"}, -5)
		})
		require.NoError(t, err)

		var fixed int
		err = s.WithTx(ctx, func(tx Tx) error {
			var err error
			fixed, err = tx.RecountTagUsage(ctx)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, fixed)

		tags, err := s.ListTags(ctx)
		require.NoError(t, err)
		for _, tag := range tags {
			assert.Equal(t, 1, tag.UsageCount, tag.Name)
		}
	})

	t.Run("soft delete hides the block", func(t *testing.T) {
		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.SoftDeleteBlock(ctx, block.ID, "ana")
		})
		require.NoError(t, err)

		_, err = s.GetBlock(ctx, block.ID)
		require.ErrorIs(t, err, ErrNotFound)

		page, err := s.ListBlocks(ctx, BlockFilter{})
		require.NoError(t, err)
		assert.Zero(t, page.Total)

		err = s.WithTx(ctx, func(tx Tx) error {
			deleted, err := tx.GetBlockForUpdate(ctx, block.ID)
			if err != nil {
				return err
			}
			assert.True(t, deleted.IsDeleted)
			return tx.SoftDeleteBlock(ctx, block.ID, "ana")
		})
		require.ErrorIs(t, err, ErrNotFound)

		versions, err := s.ListVersions(ctx, block.ID)
		require.NoError(t, err)
		assert.Len(t, versions, 2)
	})
}
