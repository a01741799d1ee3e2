package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. A transaction works on a private
// copy of the state that replaces the shared one only on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

type memState struct {
	blocks    map[string]ContentBlock
	versions  map[string][]ContentVersion
	tags      map[string]Tag
	blockTags map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			blocks:    map[string]ContentBlock{},
			versions:  map[string][]ContentVersion{},
			tags:      map[string]Tag{},
			blockTags: map[string]map[string]bool{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		blocks:    make(map[string]ContentBlock, len(s.blocks)),
		versions:  make(map[string][]ContentVersion, len(s.versions)),
		tags:      make(map[string]Tag, len(s.tags)),
		blockTags: make(map[string]map[string]bool, len(s.blockTags)),
	}
	for id, b := range s.blocks {
		out.blocks[id] = copyBlock(b)
	}
	for id, vs := range s.versions {
		out.versions[id] = append([]ContentVersion(nil), vs...)
	}
	for id, t := range s.tags {
		out.tags[id] = t
	}
	for id, set := range s.blockTags {
		cp := make(map[string]bool, len(set))
		for tagID := range set {
			cp[tagID] = true
		}
		out.blockTags[id] = cp
	}
	return out
}

func copyBlock(b ContentBlock) ContentBlock {
	b.Metadata = b.Metadata.Clone()
	b.TrackedChanges = b.TrackedChanges.Clone()
	if b.QualityRating != nil {
		rating := *b.QualityRating
		b.QualityRating = &rating
	}
	b.Tags = nil
	return b
}

func (s *memState) hydrate(b ContentBlock) ContentBlock {
	out := copyBlock(b)
	out.Version = 1
	if vs := s.versions[b.ID]; len(vs) > 0 {
		out.Version = vs[len(vs)-1].VersionNumber + 1
	}
	out.Tags = make([]Tag, 0, len(s.blockTags[b.ID]))
	for tagID := range s.blockTags[b.ID] {
		if tag, ok := s.tags[tagID]; ok {
			out.Tags = append(out.Tags, tag)
		}
	}
	sort.Slice(out.Tags, func(i, j int) bool { return out.Tags[i].Name < out.Tags[j].Name })
	return out
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{state: work, now: s.now}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) GetBlock(_ context.Context, blockID string) (ContentBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.state.blocks[blockID]
	if !ok || b.IsDeleted {
		return ContentBlock{}, ErrNotFound
	}
	return s.state.hydrate(b), nil
}

func (s *MemoryStore) ListBlocks(_ context.Context, filter BlockFilter) (BlockPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(filter.Query)
	matched := make([]ContentBlock, 0)
	for _, b := range s.state.blocks {
		if b.IsDeleted {
			continue
		}
		if filter.SectionType != "" && b.SectionType != filter.SectionType {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(b.Title), query) && !strings.Contains(strings.ToLower(b.Body), query) {
			continue
		}
		matched = append(matched, b)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	start := min(max(filter.Offset, 0), len(matched))
	end := min(start+limit, len(matched))

	items := make([]ContentBlock, 0, end-start)
	for _, b := range matched[start:end] {
		items = append(items, s.state.hydrate(b))
	}
	return BlockPage{Items: items, Total: len(matched)}, nil
}

func (s *MemoryStore) ListVersions(_ context.Context, blockID string) ([]ContentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs := s.state.versions[blockID]
	out := make([]ContentVersion, 0, len(vs))
	for i := len(vs) - 1; i >= 0; i-- {
		out = append(out, vs[i])
	}
	return out, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, blockID, versionID string) (ContentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.version(blockID, versionID)
}

func (s *memState) version(blockID, versionID string) (ContentVersion, error) {
	for _, v := range s.versions[blockID] {
		if v.ID == versionID {
			return v, nil
		}
	}
	return ContentVersion{}, ErrNotFound
}

func (s *MemoryStore) ListTags(_ context.Context) ([]Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Tag, 0, len(s.state.tags))
	for _, t := range s.state.tags {
		items = append(items, t)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UsageCount != items[j].UsageCount {
			return items[i].UsageCount > items[j].UsageCount
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) GetBlockForUpdate(_ context.Context, blockID string) (ContentBlock, error) {
	b, ok := t.state.blocks[blockID]
	if !ok {
		return ContentBlock{}, ErrNotFound
	}
	return t.state.hydrate(b), nil
}

func (t *memTx) InsertBlock(_ context.Context, block ContentBlock) error {
	if _, ok := t.state.blocks[block.ID]; ok {
		return fmt.Errorf("insert block %s: %w", block.ID, ErrDuplicate)
	}
	now := t.now()
	block = copyBlock(block)
	block.UpdatedBy = block.CreatedBy
	block.CreatedAt, block.UpdatedAt = now, now
	t.state.blocks[block.ID] = block
	return nil
}

func (t *memTx) UpdateBlock(_ context.Context, block ContentBlock) error {
	current, ok := t.state.blocks[block.ID]
	if !ok {
		return ErrNotFound
	}
	next := copyBlock(block)
	next.IsDeleted = current.IsDeleted
	next.CreatedBy, next.CreatedAt = current.CreatedBy, current.CreatedAt
	next.UpdatedAt = t.now()
	t.state.blocks[block.ID] = next
	return nil
}

func (t *memTx) SoftDeleteBlock(_ context.Context, blockID, deletedBy string) error {
	b, ok := t.state.blocks[blockID]
	if !ok || b.IsDeleted {
		return ErrNotFound
	}
	b.IsDeleted = true
	b.UpdatedBy = deletedBy
	b.UpdatedAt = t.now()
	t.state.blocks[blockID] = b
	return nil
}

func (t *memTx) NextVersionNumber(_ context.Context, blockID string) (int, error) {
	vs := t.state.versions[blockID]
	if len(vs) == 0 {
		return 1, nil
	}
	return vs[len(vs)-1].VersionNumber + 1, nil
}

func (t *memTx) InsertVersion(_ context.Context, version ContentVersion) error {
	if _, ok := t.state.blocks[version.BlockID]; !ok {
		return fmt.Errorf("insert version: block %s: %w", version.BlockID, ErrNotFound)
	}
	vs := t.state.versions[version.BlockID]
	if len(vs) > 0 && vs[len(vs)-1].VersionNumber >= version.VersionNumber {
		return fmt.Errorf("insert version %d: %w", version.VersionNumber, ErrDuplicate)
	}
	version.Metadata = version.Metadata.Clone()
	version.TagsSnapshot = append([]string{}, version.TagsSnapshot...)
	if version.CreatedAt.IsZero() {
		version.CreatedAt = t.now()
	}
	t.state.versions[version.BlockID] = append(vs, version)
	return nil
}

func (t *memTx) GetVersion(_ context.Context, blockID, versionID string) (ContentVersion, error) {
	return t.state.version(blockID, versionID)
}

func (t *memTx) GetTags(_ context.Context, tagIDs []string) ([]Tag, error) {
	items := make([]Tag, 0, len(tagIDs))
	for _, id := range uniqueIDs(tagIDs) {
		if tag, ok := t.state.tags[id]; ok {
			items = append(items, tag)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (t *memTx) InsertTag(_ context.Context, tag Tag) error {
	for _, existing := range t.state.tags {
		if existing.Name == tag.Name {
			return fmt.Errorf("insert tag %q: %w", tag.Name, ErrDuplicate)
		}
	}
	tag.UsageCount = 0
	tag.CreatedAt = t.now()
	t.state.tags[tag.ID] = tag
	return nil
}

func (t *memTx) BlockTagIDs(_ context.Context, blockID string) ([]string, error) {
	ids := make([]string, 0, len(t.state.blockTags[blockID]))
	for id := range t.state.blockTags[blockID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) SetBlockTags(_ context.Context, blockID string, tagIDs []string) error {
	set := make(map[string]bool, len(tagIDs))
	for _, id := range uniqueIDs(tagIDs) {
		if _, ok := t.state.tags[id]; !ok {
			return fmt.Errorf("set block tags: tag %s: %w", id, ErrNotFound)
		}
		set[id] = true
	}
	t.state.blockTags[blockID] = set
	return nil
}

func (t *memTx) AdjustTagUsage(_ context.Context, tagIDs []string, delta int) error {
	for _, id := range uniqueIDs(tagIDs) {
		tag, ok := t.state.tags[id]
		if !ok {
			continue
		}
		tag.UsageCount = max(tag.UsageCount+delta, 0)
		t.state.tags[id] = tag
	}
	return nil
}

func (t *memTx) RecountTagUsage(_ context.Context) (int, error) {
	live := make(map[string]int)
	for blockID, set := range t.state.blockTags {
		if b, ok := t.state.blocks[blockID]; !ok || b.IsDeleted {
			continue
		}
		for tagID := range set {
			live[tagID]++
		}
	}
	changed := 0
	for id, tag := range t.state.tags {
		if tag.UsageCount != live[id] {
			tag.UsageCount = live[id]
			t.state.tags[id] = tag
			changed++
		}
	}
	return changed, nil
}
