package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"omfs/api/internal/archive"
	"omfs/api/internal/config"
	"omfs/api/internal/export"
	"omfs/api/internal/search"
	"omfs/api/internal/store"
	"omfs/api/internal/tagsync"
	"omfs/api/internal/trackchange"
	"omfs/api/internal/util"
	"omfs/api/internal/versions"
)

type dataStore interface {
	store.Store
}

type blockCache interface {
	GetBlock(ctx context.Context, blockID string) (store.ContentBlock, bool, error)
	PutBlock(ctx context.Context, block store.ContentBlock) error
	GetTags(ctx context.Context) ([]store.Tag, bool, error)
	PutTags(ctx context.Context, tags []store.Tag) error
	Invalidate(ctx context.Context, blockIDs ...string) error
}

type blockIndex interface {
	Search(q search.Query) search.Response
	IndexBlock(rec search.BlockRecord)
	DeleteBlock(id string)
	ReindexAll(recs []search.BlockRecord) (bool, error)
}

type versionArchive interface {
	RecordVersion(v store.ContentVersion) (archive.Commit, error)
}

type blockExporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// Options carries the optional collaborators. Nil fields are skipped.
type Options struct {
	Cache    blockCache
	Search   blockIndex
	Archive  versionArchive
	Exporter blockExporter
	Logger   zerolog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	versions *versions.Store
	cache    blockCache
	search   blockIndex
	archive  versionArchive
	exporter blockExporter
	log      zerolog.Logger
	newID    func(prefix string) string
}

func New(cfg config.Config, dataStore dataStore, opts Options) *Service {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	exporter := opts.Exporter
	if exporter == nil {
		exporter = export.NewService(nil, nil, nil)
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		versions: versions.New(),
		cache:    opts.Cache,
		search:   opts.Search,
		archive:  opts.Archive,
		exporter: exporter,
		log:      opts.Logger,
		newID:    util.NewID,
	}
}

type CreateBlockInput struct {
	Title               string         `json:"title"`
	Content             string         `json:"content"`
	SectionType         string         `json:"section_type"`
	ContextMetadata     map[string]any `json:"context_metadata"`
	QualityRating       *int           `json:"quality_rating"`
	TagIDs              []string       `json:"tag_ids"`
	TrackChangesEnabled bool           `json:"track_changes_enabled"`
}

// UpdateBlockInput is a sparse patch: nil fields are left alone.
type UpdateBlockInput struct {
	Title                  *string             `json:"title"`
	Content                *string             `json:"content"`
	SectionType            *string             `json:"section_type"`
	ContextMetadata        *map[string]any     `json:"context_metadata"`
	QualityRating          *int                `json:"quality_rating"`
	TagIDs                 *[]string           `json:"tag_ids"`
	TrackedChangesMetadata *trackchange.Ledger `json:"tracked_changes_metadata"`
	ChangeDescription      *string             `json:"change_description"`
	// ExpectedVersion is the block's version as last read by the caller.
	ExpectedVersion *int `json:"expected_version"`
}

type ListBlocksInput struct {
	Page        int
	Limit       int
	SectionType string
	Query       string
}

type BlockList struct {
	Items []store.ContentBlock
	Total int
	Page  int
	Pages int
	Limit int
}

type ResolveChangesInput struct {
	ChangeIDs []string `json:"change_ids"`
	Action    string   `json:"action"`
}

type ResolveResult struct {
	Block    store.ContentBlock
	Resolved []string
	Skipped  []string
	// Dropped lists pending ids removed because their markers sat inside a
	// marker that was removed.
	Dropped []string
	// Version is the snapshot taken before the body was rewritten, if any.
	Version *store.ContentVersion
}

type TrackedChangesState struct {
	Enabled bool
	Ledger  trackchange.Ledger
	Report  trackchange.Report
}

type CreateTagInput struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Color    string `json:"color"`
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CreateBlock(ctx context.Context, input CreateBlockInput, actor string) (store.ContentBlock, error) {
	input.Title = strings.TrimSpace(input.Title)
	input.SectionType = strings.TrimSpace(input.SectionType)
	if input.Title == "" {
		return store.ContentBlock{}, invalidArgument("title is required", map[string]any{"field": "title"})
	}
	if strings.TrimSpace(input.Content) == "" {
		return store.ContentBlock{}, invalidArgument("content is required", map[string]any{"field": "content"})
	}
	if input.SectionType == "" {
		return store.ContentBlock{}, invalidArgument("section_type is required", map[string]any{"field": "section_type"})
	}
	if err := validateQuality(input.QualityRating); err != nil {
		return store.ContentBlock{}, err
	}

	block := store.ContentBlock{
		ID:                  s.newID("blk"),
		Title:               input.Title,
		Body:                input.Content,
		SectionType:         input.SectionType,
		Metadata:            store.JSONMap(input.ContextMetadata).Clone(),
		QualityRating:       input.QualityRating,
		TrackChangesEnabled: input.TrackChangesEnabled,
		CreatedBy:           actor,
	}
	if input.TrackChangesEnabled {
		block.TrackedChanges = trackchange.NewLedger()
	}

	var created store.ContentBlock
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		tagIDs := dedupe(input.TagIDs)
		if err := requireTags(ctx, tx, tagIDs); err != nil {
			return err
		}
		if err := tx.InsertBlock(ctx, block); err != nil {
			return err
		}
		if _, err := tagsync.ApplyAssociationChange(ctx, tx, block.ID, nil, tagIDs); err != nil {
			return err
		}
		var err error
		created, err = tx.GetBlockForUpdate(ctx, block.ID)
		return err
	})
	if err != nil {
		return store.ContentBlock{}, err
	}

	s.afterCommit(ctx, created)
	return created, nil
}

// GetBlock reads through the cache when one is configured.
func (s *Service) GetBlock(ctx context.Context, blockID string) (store.ContentBlock, error) {
	if s.cache != nil {
		block, ok, err := s.cache.GetBlock(ctx, blockID)
		if err != nil {
			s.log.Warn().Err(err).Str("block_id", blockID).Msg("cache read failed")
		} else if ok {
			if fresh, ok := s.withCurrentUsage(ctx, block); ok {
				return fresh, nil
			}
		}
	}

	block, err := s.store.GetBlock(ctx, blockID)
	if err != nil {
		return store.ContentBlock{}, blockError(err)
	}
	if s.cache != nil {
		if err := s.cache.PutBlock(ctx, block); err != nil {
			s.log.Warn().Err(err).Str("block_id", blockID).Msg("cache write failed")
		}
	}
	return block, nil
}

// withCurrentUsage overlays the tag list's usage counts on a cached block,
// since writes to other blocks move those counts without evicting this entry.
// It reports false when the counts cannot be refreshed.
func (s *Service) withCurrentUsage(ctx context.Context, block store.ContentBlock) (store.ContentBlock, bool) {
	if len(block.Tags) == 0 {
		return block, true
	}
	tags, err := s.ListTags(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("block_id", block.ID).Msg("tag usage refresh failed")
		return block, false
	}
	counts := make(map[string]int, len(tags))
	for _, tag := range tags {
		counts[tag.ID] = tag.UsageCount
	}
	fresh := make([]store.Tag, len(block.Tags))
	for i, tag := range block.Tags {
		n, ok := counts[tag.ID]
		if !ok {
			return block, false
		}
		tag.UsageCount = n
		fresh[i] = tag
	}
	block.Tags = fresh
	return block, true
}

func (s *Service) ListBlocks(ctx context.Context, input ListBlocksInput) (BlockList, error) {
	page := input.Page
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return BlockList{}, invalidArgument("page must be at least 1", map[string]any{"field": "page"})
	}
	limit := input.Limit
	if limit == 0 {
		limit = s.cfg.DefaultPageSize
	}
	if limit < 1 || limit > s.cfg.MaxPageSize {
		return BlockList{}, invalidArgument(fmt.Sprintf("limit must be between 1 and %d", s.cfg.MaxPageSize), map[string]any{"field": "limit"})
	}

	result, err := s.store.ListBlocks(ctx, store.BlockFilter{
		SectionType: strings.TrimSpace(input.SectionType),
		Query:       strings.TrimSpace(input.Query),
		Limit:       limit,
		Offset:      (page - 1) * limit,
	})
	if err != nil {
		return BlockList{}, err
	}
	return BlockList{
		Items: result.Items,
		Total: result.Total,
		Page:  page,
		Pages: (result.Total + limit - 1) / limit,
		Limit: limit,
	}, nil
}

// UpdateBlock snapshots the block, applies the patch, syncs tag usage and
// persists, all in one transaction.
func (s *Service) UpdateBlock(ctx context.Context, blockID string, patch UpdateBlockInput, actor string) (store.ContentBlock, error) {
	if err := validatePatch(patch); err != nil {
		return store.ContentBlock{}, err
	}
	if patch.ExpectedVersion == nil && s.cfg.RequireVersionToken {
		return store.ContentBlock{}, invalidArgument("expected_version is required", map[string]any{"field": "expected_version"})
	}

	description := versions.UpdateDescription
	if patch.ChangeDescription != nil && strings.TrimSpace(*patch.ChangeDescription) != "" {
		description = strings.TrimSpace(*patch.ChangeDescription)
	}

	var (
		updated  store.ContentBlock
		snapshot store.ContentVersion
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		block, err := loadLive(ctx, tx, blockID)
		if err != nil {
			return err
		}
		if patch.ExpectedVersion != nil && *patch.ExpectedVersion != block.Version {
			return domainError(http.StatusConflict, "CONFLICT", "block was modified by another request", map[string]any{
				"expected_version": *patch.ExpectedVersion,
				"current_version":  block.Version,
			})
		}

		var newTagIDs []string
		if patch.TagIDs != nil {
			newTagIDs = dedupe(*patch.TagIDs)
			if err := requireTags(ctx, tx, newTagIDs); err != nil {
				return err
			}
		}

		snapshot, err = s.versions.Snapshot(ctx, tx, block, description, actor)
		if err != nil {
			return err
		}

		oldTagIDs := block.TagIDs()
		applyPatch(&block, patch)
		block.UpdatedBy = actor
		if patch.Content != nil || patch.TrackedChangesMetadata != nil {
			if err := checkLedger(block); err != nil {
				return err
			}
		}

		if err := tx.UpdateBlock(ctx, block); err != nil {
			return err
		}
		if patch.TagIDs != nil {
			if _, err := tagsync.ApplyAssociationChange(ctx, tx, block.ID, oldTagIDs, newTagIDs); err != nil {
				return err
			}
		}
		updated, err = tx.GetBlockForUpdate(ctx, block.ID)
		return err
	})
	if err != nil {
		return store.ContentBlock{}, err
	}

	s.afterCommit(ctx, updated, snapshot)
	return updated, nil
}

func validatePatch(patch UpdateBlockInput) error {
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return invalidArgument("title cannot be empty", map[string]any{"field": "title"})
	}
	if patch.Content != nil && strings.TrimSpace(*patch.Content) == "" {
		return invalidArgument("content cannot be empty", map[string]any{"field": "content"})
	}
	if patch.SectionType != nil && strings.TrimSpace(*patch.SectionType) == "" {
		return invalidArgument("section_type cannot be empty", map[string]any{"field": "section_type"})
	}
	if err := validateQuality(patch.QualityRating); err != nil {
		return err
	}
	if patch.TrackedChangesMetadata != nil {
		seen := make(map[string]bool)
		for _, change := range patch.TrackedChangesMetadata.Changes {
			if change.ID == "" {
				return invalidArgument("every tracked change needs an id", map[string]any{"field": "tracked_changes_metadata"})
			}
			if seen[change.ID] {
				return invalidArgument("duplicate tracked change id", map[string]any{"field": "tracked_changes_metadata", "id": change.ID})
			}
			seen[change.ID] = true
			if !change.Status.Valid() {
				return invalidArgument("tracked change status must be pending, accepted or rejected", map[string]any{
					"field": "tracked_changes_metadata", "id": change.ID, "status": string(change.Status),
				})
			}
			if change.Kind != "" && !change.Kind.Valid() {
				return invalidArgument("tracked change kind must be insert or delete", map[string]any{
					"field": "tracked_changes_metadata", "id": change.ID, "kind": string(change.Kind),
				})
			}
		}
	}
	return nil
}

func applyPatch(block *store.ContentBlock, patch UpdateBlockInput) {
	if patch.Title != nil {
		block.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Content != nil {
		block.Body = *patch.Content
	}
	if patch.SectionType != nil {
		block.SectionType = strings.TrimSpace(*patch.SectionType)
	}
	if patch.ContextMetadata != nil {
		block.Metadata = store.JSONMap(*patch.ContextMetadata).Clone()
	}
	if patch.QualityRating != nil {
		rating := *patch.QualityRating
		block.QualityRating = &rating
	}
	if patch.TrackedChangesMetadata != nil {
		ledger := patch.TrackedChangesMetadata.Clone()
		if ledger.Changes == nil {
			ledger = trackchange.NewLedger()
		}
		block.TrackedChanges = ledger
	}
}

// checkLedger rejects writes that would leave a pending change without a
// marker in the body.
func checkLedger(block store.ContentBlock) error {
	if len(block.TrackedChanges.Pending()) == 0 {
		return nil
	}
	report, err := trackchange.Inspect(block.Body, block.TrackedChanges)
	if err != nil {
		return invalidArgument("content is not valid markup", map[string]any{"field": "content"})
	}
	if !report.Consistent() {
		return invalidArgument("tracked changes reference markers missing from content", map[string]any{
			"field":    "tracked_changes_metadata",
			"orphaned": report.Orphaned,
		})
	}
	return nil
}

func (s *Service) DeleteBlock(ctx context.Context, blockID, actor string) error {
	var deleted store.ContentBlock
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		block, err := loadLive(ctx, tx, blockID)
		if err != nil {
			return err
		}
		if err := tx.SoftDeleteBlock(ctx, block.ID, actor); err != nil {
			return err
		}
		if _, err := tagsync.ApplySoftDelete(ctx, tx, block.ID); err != nil {
			return err
		}
		deleted = block
		deleted.IsDeleted = true
		return nil
	})
	if err != nil {
		return err
	}

	s.afterCommit(ctx, deleted)
	return nil
}

func (s *Service) ListVersions(ctx context.Context, blockID string) ([]store.ContentVersion, error) {
	if _, err := s.store.GetBlock(ctx, blockID); err != nil {
		return nil, blockError(err)
	}
	return s.versions.List(ctx, s.store, blockID)
}

func (s *Service) GetVersion(ctx context.Context, blockID, versionID string) (store.ContentVersion, error) {
	if _, err := s.store.GetBlock(ctx, blockID); err != nil {
		return store.ContentVersion{}, blockError(err)
	}
	v, err := s.store.GetVersion(ctx, blockID, versionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ContentVersion{}, notFound("version not found")
	}
	return v, err
}

// CreateCheckpoint records the block's current state without changing it.
func (s *Service) CreateCheckpoint(ctx context.Context, blockID, description, actor string) (store.ContentVersion, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		description = versions.CheckpointDescription
	}

	var (
		block   store.ContentBlock
		version store.ContentVersion
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		block, err = loadLive(ctx, tx, blockID)
		if err != nil {
			return err
		}
		version, err = s.versions.Snapshot(ctx, tx, block, description, actor)
		return err
	})
	if err != nil {
		return store.ContentVersion{}, err
	}

	block.Version = version.VersionNumber + 1
	s.afterCommit(ctx, block, version)
	return version, nil
}

func (s *Service) RevertBlock(ctx context.Context, blockID, versionID, actor string) (store.ContentBlock, error) {
	var (
		reverted store.ContentBlock
		saved    store.ContentVersion
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		block, err := loadLive(ctx, tx, blockID)
		if err != nil {
			return err
		}
		if _, saved, err = s.versions.Revert(ctx, tx, block, versionID, actor); err != nil {
			if errors.Is(err, versions.ErrVersionNotFound) {
				return notFound("version not found")
			}
			return err
		}
		reverted, err = tx.GetBlockForUpdate(ctx, blockID)
		return err
	})
	if err != nil {
		return store.ContentBlock{}, err
	}

	s.afterCommit(ctx, reverted, saved)
	return reverted, nil
}

// EnableTrackChanges switches the block to enabled, creating an empty ledger
// when none exists. Calling it on an enabled block changes nothing.
func (s *Service) EnableTrackChanges(ctx context.Context, blockID, actor string) (store.ContentBlock, error) {
	return s.setTrackChanges(ctx, blockID, actor, true)
}

// DisableTrackChanges keeps the ledger and the body markers so that the
// block can be re-enabled without losing in-flight changes.
func (s *Service) DisableTrackChanges(ctx context.Context, blockID, actor string) (store.ContentBlock, error) {
	return s.setTrackChanges(ctx, blockID, actor, false)
}

func (s *Service) setTrackChanges(ctx context.Context, blockID, actor string, enabled bool) (store.ContentBlock, error) {
	var (
		result  store.ContentBlock
		changed bool
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		block, err := loadLive(ctx, tx, blockID)
		if err != nil {
			return err
		}
		result = block
		if block.TrackChangesEnabled == enabled && (!enabled || block.TrackedChanges.Initialized()) {
			return nil
		}
		block.TrackChangesEnabled = enabled
		if enabled {
			block.TrackedChanges = trackchange.Enable(block.TrackedChanges)
		}
		block.UpdatedBy = actor
		if err := tx.UpdateBlock(ctx, block); err != nil {
			return err
		}
		changed = true
		result, err = tx.GetBlockForUpdate(ctx, blockID)
		return err
	})
	if err != nil {
		return store.ContentBlock{}, err
	}

	if changed {
		s.afterCommit(ctx, result)
	}
	return result, nil
}

// ResolveChanges accepts or rejects the given pending changes. The body and
// the pruned ledger are written together, after a snapshot of the prior body.
// Ids that are unknown or already resolved are skipped.
func (s *Service) ResolveChanges(ctx context.Context, blockID string, input ResolveChangesInput, actor string) (ResolveResult, error) {
	action, err := trackchange.ParseAction(input.Action)
	if err != nil {
		return ResolveResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "action must be accept or reject", map[string]any{"field": "action"})
	}

	var (
		result  ResolveResult
		changed bool
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		block, err := loadLive(ctx, tx, blockID)
		if err != nil {
			return err
		}

		res, err := trackchange.Resolve(block.Body, block.TrackedChanges, input.ChangeIDs, action)
		if err != nil {
			if errors.Is(err, trackchange.ErrInvalidAction) {
				return err
			}
			return invalidArgument("content is not valid markup", map[string]any{"field": "content"})
		}
		result = ResolveResult{Block: block, Resolved: res.Resolved, Skipped: res.Skipped, Dropped: res.Dropped}

		bodyChanged := res.Body != block.Body
		ledgerChanged := len(res.Ledger.Changes) != len(block.TrackedChanges.Changes)
		if !bodyChanged && !ledgerChanged {
			return nil
		}

		if bodyChanged {
			snapshot, err := s.versions.Snapshot(ctx, tx, block, versions.ResolveDescription, actor)
			if err != nil {
				return err
			}
			result.Version = &snapshot
		}

		block.Body = res.Body
		block.TrackedChanges = res.Ledger
		block.UpdatedBy = actor
		if err := tx.UpdateBlock(ctx, block); err != nil {
			return err
		}
		changed = true
		result.Block, err = tx.GetBlockForUpdate(ctx, blockID)
		return err
	})
	if err != nil {
		return ResolveResult{}, err
	}

	if changed {
		var saved []store.ContentVersion
		if result.Version != nil {
			saved = append(saved, *result.Version)
		}
		s.afterCommit(ctx, result.Block, saved...)
	}
	return result, nil
}

// TrackedChanges returns the ledger together with how it lines up with the
// markers in the body.
func (s *Service) TrackedChanges(ctx context.Context, blockID string) (TrackedChangesState, error) {
	block, err := s.GetBlock(ctx, blockID)
	if err != nil {
		return TrackedChangesState{}, err
	}
	report, err := trackchange.Inspect(block.Body, block.TrackedChanges)
	if err != nil {
		return TrackedChangesState{}, fmt.Errorf("inspect tracked changes: %w", err)
	}
	return TrackedChangesState{
		Enabled: block.TrackChangesEnabled,
		Ledger:  block.TrackedChanges,
		Report:  report,
	}, nil
}

func (s *Service) ListTags(ctx context.Context) ([]store.Tag, error) {
	if s.cache != nil {
		tags, ok, err := s.cache.GetTags(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("cache read failed")
		} else if ok {
			return tags, nil
		}
	}

	tags, err := s.store.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.PutTags(ctx, tags); err != nil {
			s.log.Warn().Err(err).Msg("cache write failed")
		}
	}
	return tags, nil
}

func (s *Service) CreateTag(ctx context.Context, input CreateTagInput) (store.Tag, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Tag{}, invalidArgument("name is required", map[string]any{"field": "name"})
	}

	tag := store.Tag{
		ID:       s.newID("tag"),
		Name:     name,
		Category: strings.TrimSpace(input.Category),
		Color:    strings.TrimSpace(input.Color),
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTag(ctx, tag); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return domainError(http.StatusConflict, "TAG_EXISTS", "tag already exists", map[string]any{"name": name})
			}
			return err
		}
		saved, err := tx.GetTags(ctx, []string{tag.ID})
		if err != nil {
			return err
		}
		if len(saved) == 1 {
			tag = saved[0]
		}
		return nil
	})
	if err != nil {
		return store.Tag{}, err
	}

	s.invalidate(ctx)
	return tag, nil
}

// RecountTagUsage recomputes every usage count from live associations and
// reports how many tags were corrected.
func (s *Service) RecountTagUsage(ctx context.Context) (int, error) {
	var fixed int
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		fixed, err = tx.RecountTagUsage(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if fixed > 0 {
		s.log.Info().Int("tags", fixed).Msg("tag usage counts repaired")
	}
	s.invalidate(ctx)
	return fixed, nil
}

func (s *Service) SearchBlocks(ctx context.Context, text, sectionType string, limit int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, invalidArgument("q is required", map[string]any{"field": "q"})
	}
	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}
	limit = min(limit, s.cfg.MaxPageSize)

	if s.search != nil {
		return s.search.Search(search.Query{Text: text, SectionType: sectionType, Limit: limit}), nil
	}

	page, err := s.store.ListBlocks(ctx, store.BlockFilter{SectionType: sectionType, Query: text, Limit: limit})
	if err != nil {
		return search.Response{}, err
	}
	results := make([]search.Result, 0, len(page.Items))
	for _, block := range page.Items {
		rec := search.RecordFromBlock(block)
		results = append(results, search.Result{
			ID:          block.ID,
			Title:       block.Title,
			Snippet:     snippet(rec.Text, 200),
			SectionType: block.SectionType,
		})
	}
	return search.Response{Results: results, Total: page.Total, Query: text, Engine: "store"}, nil
}

// ReindexSearch pushes every live block to the search index.
func (s *Service) ReindexSearch(ctx context.Context) (int, error) {
	if s.search == nil {
		return 0, errors.New("search is not configured")
	}

	var recs []search.BlockRecord
	for offset := 0; ; offset += s.cfg.MaxPageSize {
		page, err := s.store.ListBlocks(ctx, store.BlockFilter{Limit: s.cfg.MaxPageSize, Offset: offset})
		if err != nil {
			return 0, err
		}
		for _, block := range page.Items {
			recs = append(recs, search.RecordFromBlock(block))
		}
		if len(page.Items) == 0 || offset+len(page.Items) >= page.Total {
			break
		}
	}

	indexed, err := s.search.ReindexAll(recs)
	if err != nil {
		return 0, fmt.Errorf("reindex blocks: %w", err)
	}
	if !indexed {
		return 0, errors.New("search index is unavailable")
	}
	return len(recs), nil
}

func (s *Service) ExportBlock(ctx context.Context, blockID, format string, clean bool) (*export.Result, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, invalidArgument("format must be html, pdf or docx", map[string]any{"field": "format"})
	}
	block, err := s.GetBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{Block: block, Format: f, Clean: clean})
}

// afterCommit runs the side effects of a committed write. Their failures are
// logged and never reach the caller.
func (s *Service) afterCommit(ctx context.Context, block store.ContentBlock, saved ...store.ContentVersion) {
	s.invalidate(ctx, block.ID)

	if s.search != nil {
		if block.IsDeleted {
			s.search.DeleteBlock(block.ID)
		} else {
			s.search.IndexBlock(search.RecordFromBlock(block))
		}
	}

	if s.archive != nil {
		for _, v := range saved {
			if _, err := s.archive.RecordVersion(v); err != nil {
				s.log.Warn().Err(err).Str("block_id", v.BlockID).Int("version", v.VersionNumber).Msg("archive version failed")
			}
		}
	}
}

func (s *Service) invalidate(ctx context.Context, blockIDs ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, blockIDs...); err != nil {
		s.log.Warn().Err(err).Strs("block_ids", blockIDs).Msg("cache invalidation failed")
	}
}

// loadLive locks the block for the rest of the transaction. Soft-deleted
// blocks count as missing.
func loadLive(ctx context.Context, tx store.Tx, blockID string) (store.ContentBlock, error) {
	block, err := tx.GetBlockForUpdate(ctx, blockID)
	if err != nil {
		return store.ContentBlock{}, blockError(err)
	}
	if block.IsDeleted {
		return store.ContentBlock{}, notFound("content block not found")
	}
	return block, nil
}

func blockError(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return notFound("content block not found")
	}
	return err
}

func requireTags(ctx context.Context, tx store.Tx, tagIDs []string) error {
	if len(tagIDs) == 0 {
		return nil
	}
	found, err := tx.GetTags(ctx, tagIDs)
	if err != nil {
		return err
	}
	if len(found) == len(tagIDs) {
		return nil
	}
	known := make(map[string]bool, len(found))
	for _, tag := range found {
		known[tag.ID] = true
	}
	missing := make([]string, 0)
	for _, id := range tagIDs {
		if !known[id] {
			missing = append(missing, id)
		}
	}
	return invalidArgument("unknown tag ids", map[string]any{"field": "tag_ids", "missing": missing})
}

func validateQuality(rating *int) error {
	if rating != nil && (*rating < 0 || *rating > 5) {
		return invalidArgument("quality_rating must be between 0 and 5", map[string]any{"field": "quality_rating"})
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func snippet(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
