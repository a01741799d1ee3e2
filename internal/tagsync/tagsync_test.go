package tagsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	assoc     map[string][]string
	usage     map[string]int
	adjustErr error
}

func newFakeTx(usage map[string]int) *fakeTx {
	return &fakeTx{assoc: map[string][]string{}, usage: usage}
}

func (f *fakeTx) BlockTagIDs(_ context.Context, blockID string) ([]string, error) {
	return f.assoc[blockID], nil
}

func (f *fakeTx) SetBlockTags(_ context.Context, blockID string, tagIDs []string) error {
	f.assoc[blockID] = append([]string(nil), tagIDs...)
	return nil
}

func (f *fakeTx) AdjustTagUsage(_ context.Context, tagIDs []string, delta int) error {
	if f.adjustErr != nil {
		return f.adjustErr
	}
	for _, id := range tagIDs {
		f.usage[id] = max(f.usage[id]+delta, 0)
	}
	return nil
}

func TestDiff(t *testing.T) {
	d := Diff([]string{"a", "b", "b"}, []string{"c", "b"})
	assert.Equal(t, []string{"c"}, d.Added)
	assert.Equal(t, []string{"a"}, d.Removed)
	assert.True(t, Diff([]string{"x", "y"}, []string{"y", "x"}).Empty())
	assert.True(t, Diff(nil, nil).Empty())
}

func TestApplyAssociationChangeSwapsTags(t *testing.T) {
	tx := newFakeTx(map[string]int{"A": 3, "B": 2, "C": 0})
	tx.assoc["blk"] = []string{"A", "B"}

	d, err := ApplyAssociationChange(context.Background(), tx, "blk", []string{"A", "B"}, []string{"B", "C"})
	require.NoError(t, err)
	assert.Equal(t, Delta{Added: []string{"C"}, Removed: []string{"A"}}, d)
	assert.Equal(t, map[string]int{"A": 2, "B": 2, "C": 1}, tx.usage)
	assert.Equal(t, []string{"B", "C"}, tx.assoc["blk"])
}

func TestApplyAssociationChangeClampsAtZero(t *testing.T) {
	tx := newFakeTx(map[string]int{"A": 0})

	_, err := ApplyAssociationChange(context.Background(), tx, "blk", []string{"A"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, tx.usage["A"])
	assert.Empty(t, tx.assoc["blk"])
}

func TestApplyAssociationChangeNoopLeavesStoreAlone(t *testing.T) {
	tx := newFakeTx(map[string]int{"A": 1})
	tx.assoc["blk"] = []string{"A"}
	tx.adjustErr = errors.New("must not be called")

	d, err := ApplyAssociationChange(context.Background(), tx, "blk", []string{"A"}, []string{"A"})
	require.NoError(t, err)
	assert.True(t, d.Empty())
}

func TestApplyAssociationChangePropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	tx := newFakeTx(map[string]int{})
	tx.adjustErr = boom

	_, err := ApplyAssociationChange(context.Background(), tx, "blk", nil, []string{"A"})
	require.ErrorIs(t, err, boom)
}

func TestApplySoftDeleteDecrementsEveryTag(t *testing.T) {
	tx := newFakeTx(map[string]int{"A": 2, "B": 0})
	tx.assoc["blk"] = []string{"A", "B"}

	ids, err := ApplySoftDelete(context.Background(), tx, "blk")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids)
	assert.Equal(t, map[string]int{"A": 1, "B": 0}, tx.usage)
	assert.Equal(t, []string{"A", "B"}, tx.assoc["blk"], "associations are kept")
}
