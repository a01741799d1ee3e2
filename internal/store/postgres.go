package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"omfs/api/internal/trackchange"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const blockColumns = `
	b.id, b.title, b.body, b.section_type, b.metadata, b.quality_rating,
	b.track_changes_enabled, b.tracked_changes, b.is_deleted,
	b.created_by, b.updated_by, b.created_at, b.updated_at,
	COALESCE((SELECT MAX(v.version_number) FROM content_versions v WHERE v.block_id = b.id), 0) + 1`

func scanBlock(row rowScanner) (ContentBlock, error) {
	var (
		item    ContentBlock
		quality sql.NullInt64
		ledger  []byte
	)
	err := row.Scan(
		&item.ID, &item.Title, &item.Body, &item.SectionType, &item.Metadata, &quality,
		&item.TrackChangesEnabled, &ledger, &item.IsDeleted,
		&item.CreatedBy, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt,
		&item.Version,
	)
	if err != nil {
		return ContentBlock{}, err
	}
	if quality.Valid {
		rating := int(quality.Int64)
		item.QualityRating = &rating
	}
	item.TrackedChanges, err = trackchange.DecodeLedger(ledger)
	if err != nil {
		return ContentBlock{}, err
	}
	return item, nil
}

func ledgerValue(l trackchange.Ledger) (any, error) {
	if !l.Initialized() {
		return nil, nil
	}
	encoded, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode ledger: %w", err)
	}
	return encoded, nil
}

func qualityValue(rating *int) any {
	if rating == nil {
		return nil
	}
	return *rating
}

func getBlock(ctx context.Context, q querier, blockID string, forUpdate bool) (ContentBlock, error) {
	query := `SELECT ` + blockColumns + ` FROM content_blocks b WHERE b.id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF b`
	}
	item, err := scanBlock(q.QueryRowContext(ctx, query, blockID))
	if errors.Is(err, sql.ErrNoRows) {
		return ContentBlock{}, ErrNotFound
	}
	if err != nil {
		return ContentBlock{}, fmt.Errorf("get block: %w", err)
	}
	tags, err := loadTags(ctx, q, []string{item.ID})
	if err != nil {
		return ContentBlock{}, err
	}
	item.Tags = tags[item.ID]
	return item, nil
}

func loadTags(ctx context.Context, q querier, blockIDs []string) (map[string][]Tag, error) {
	out := make(map[string][]Tag, len(blockIDs))
	if len(blockIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT bt.block_id, t.id, t.name, t.category, t.color, t.usage_count, t.created_at
		FROM content_block_tags bt
		JOIN tags t ON t.id = bt.tag_id
		WHERE bt.block_id = ANY($1)
		ORDER BY t.name ASC
	`, blockIDs)
	if err != nil {
		return nil, fmt.Errorf("load block tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var blockID string
		var tag Tag
		if err := rows.Scan(&blockID, &tag.ID, &tag.Name, &tag.Category, &tag.Color, &tag.UsageCount, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan block tag: %w", err)
		}
		out[blockID] = append(out[blockID], tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate block tags: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, blockID string) (ContentBlock, error) {
	item, err := getBlock(ctx, s.db, blockID, false)
	if err != nil {
		return ContentBlock{}, err
	}
	if item.IsDeleted {
		return ContentBlock{}, ErrNotFound
	}
	return item, nil
}

func (s *PostgresStore) ListBlocks(ctx context.Context, filter BlockFilter) (BlockPage, error) {
	where := `b.is_deleted = FALSE`
	args := []any{}
	if filter.SectionType != "" {
		args = append(args, filter.SectionType)
		where += fmt.Sprintf(` AND b.section_type = $%d`, len(args))
	}
	if filter.Query != "" {
		args = append(args, "%"+filter.Query+"%")
		where += fmt.Sprintf(` AND (b.title ILIKE $%d OR b.body ILIKE $%d)`, len(args), len(args))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_blocks b WHERE `+where, args...).Scan(&total); err != nil {
		return BlockPage{}, fmt.Errorf("count blocks: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, max(filter.Offset, 0))
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM content_blocks b
		WHERE %s
		ORDER BY b.updated_at DESC, b.id ASC
		LIMIT $%d OFFSET $%d
	`, blockColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return BlockPage{}, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	items := make([]ContentBlock, 0)
	for rows.Next() {
		item, err := scanBlock(rows)
		if err != nil {
			return BlockPage{}, fmt.Errorf("scan block: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return BlockPage{}, fmt.Errorf("iterate blocks: %w", err)
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	tags, err := loadTags(ctx, s.db, ids)
	if err != nil {
		return BlockPage{}, err
	}
	for i := range items {
		items[i].Tags = tags[items[i].ID]
	}
	return BlockPage{Items: items, Total: total}, nil
}

const versionColumns = `id, block_id, version_number, title, body, section_type, metadata,
	tags_snapshot, change_description, created_by, created_at`

func scanVersion(row rowScanner) (ContentVersion, error) {
	var item ContentVersion
	var tags []byte
	if err := row.Scan(
		&item.ID, &item.BlockID, &item.VersionNumber, &item.Title, &item.Body, &item.SectionType,
		&item.Metadata, &tags, &item.ChangeDescription, &item.CreatedBy, &item.CreatedAt,
	); err != nil {
		return ContentVersion{}, err
	}
	item.TagsSnapshot = make([]string, 0)
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.TagsSnapshot); err != nil {
			return ContentVersion{}, fmt.Errorf("decode tags snapshot: %w", err)
		}
	}
	return item, nil
}

func getVersion(ctx context.Context, q querier, blockID, versionID string) (ContentVersion, error) {
	item, err := scanVersion(q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM content_versions WHERE id = $1 AND block_id = $2`,
		versionID, blockID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return ContentVersion{}, ErrNotFound
	}
	if err != nil {
		return ContentVersion{}, fmt.Errorf("get version: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, blockID, versionID string) (ContentVersion, error) {
	return getVersion(ctx, s.db, blockID, versionID)
}

func (s *PostgresStore) ListVersions(ctx context.Context, blockID string) ([]ContentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM content_versions
		WHERE block_id = $1
		ORDER BY version_number DESC
	`, blockID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]ContentVersion, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func queryTags(ctx context.Context, q querier, query string, args ...any) ([]Tag, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0)
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.ID, &tag.Name, &tag.Category, &tag.Color, &tag.UsageCount, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		items = append(items, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListTags(ctx context.Context) ([]Tag, error) {
	return queryTags(ctx, s.db, `
		SELECT id, name, category, color, usage_count, created_at
		FROM tags
		ORDER BY usage_count DESC, name ASC
	`)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetBlockForUpdate(ctx context.Context, blockID string) (ContentBlock, error) {
	return getBlock(ctx, t.tx, blockID, true)
}

func (t *pgTx) InsertBlock(ctx context.Context, block ContentBlock) error {
	ledger, err := ledgerValue(block.TrackedChanges)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO content_blocks (
			id, title, body, section_type, metadata, quality_rating,
			track_changes_enabled, tracked_changes, created_by, updated_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, block.ID, block.Title, block.Body, block.SectionType, block.Metadata, qualityValue(block.QualityRating),
		block.TrackChangesEnabled, ledger, block.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateBlock(ctx context.Context, block ContentBlock) error {
	ledger, err := ledgerValue(block.TrackedChanges)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE content_blocks
		SET title = $2, body = $3, section_type = $4, metadata = $5, quality_rating = $6,
			track_changes_enabled = $7, tracked_changes = $8, updated_by = $9, updated_at = NOW()
		WHERE id = $1
	`, block.ID, block.Title, block.Body, block.SectionType, block.Metadata, qualityValue(block.QualityRating),
		block.TrackChangesEnabled, ledger, block.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update block: %w", err)
	}
	return requireRow(result)
}

func (t *pgTx) SoftDeleteBlock(ctx context.Context, blockID, deletedBy string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE content_blocks
		SET is_deleted = TRUE, updated_by = $2, updated_at = NOW()
		WHERE id = $1 AND is_deleted = FALSE
	`, blockID, deletedBy)
	if err != nil {
		return fmt.Errorf("soft delete block: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) NextVersionNumber(ctx context.Context, blockID string) (int, error) {
	var next int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM content_versions WHERE block_id = $1`,
		blockID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next version number: %w", err)
	}
	return next, nil
}

func (t *pgTx) InsertVersion(ctx context.Context, version ContentVersion) error {
	tags := version.TagsSnapshot
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags snapshot: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO content_versions (
			id, block_id, version_number, title, body, section_type, metadata,
			tags_snapshot, change_description, created_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, version.ID, version.BlockID, version.VersionNumber, version.Title, version.Body, version.SectionType,
		version.Metadata, encodedTags, version.ChangeDescription, version.CreatedBy)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert version %d: %w", version.VersionNumber, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (t *pgTx) GetVersion(ctx context.Context, blockID, versionID string) (ContentVersion, error) {
	return getVersion(ctx, t.tx, blockID, versionID)
}

func (t *pgTx) GetTags(ctx context.Context, tagIDs []string) ([]Tag, error) {
	ids := uniqueIDs(tagIDs)
	if len(ids) == 0 {
		return []Tag{}, nil
	}
	return queryTags(ctx, t.tx, `
		SELECT id, name, category, color, usage_count, created_at
		FROM tags
		WHERE id = ANY($1)
		ORDER BY name ASC
	`, ids)
}

func (t *pgTx) InsertTag(ctx context.Context, tag Tag) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tags (id, name, category, color)
		VALUES ($1, $2, $3, $4)
	`, tag.ID, tag.Name, tag.Category, tag.Color)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert tag %q: %w", tag.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert tag: %w", err)
	}
	return nil
}

func (t *pgTx) BlockTagIDs(ctx context.Context, blockID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT tag_id FROM content_block_tags WHERE block_id = $1 ORDER BY tag_id`, blockID)
	if err != nil {
		return nil, fmt.Errorf("list block tag ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan block tag id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate block tag ids: %w", err)
	}
	return ids, nil
}

func (t *pgTx) SetBlockTags(ctx context.Context, blockID string, tagIDs []string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM content_block_tags WHERE block_id = $1`, blockID); err != nil {
		return fmt.Errorf("clear block tags: %w", err)
	}
	ids := uniqueIDs(tagIDs)
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO content_block_tags (block_id, tag_id)
		SELECT $1, tag_id FROM unnest($2::text[]) AS tag_id
	`, blockID, ids); err != nil {
		return fmt.Errorf("insert block tags: %w", err)
	}
	return nil
}

func (t *pgTx) AdjustTagUsage(ctx context.Context, tagIDs []string, delta int) error {
	ids := uniqueIDs(tagIDs)
	if len(ids) == 0 || delta == 0 {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE tags SET usage_count = GREATEST(usage_count + $2, 0) WHERE id = ANY($1)`,
		ids, delta,
	); err != nil {
		return fmt.Errorf("adjust tag usage: %w", err)
	}
	return nil
}

func (t *pgTx) RecountTagUsage(ctx context.Context) (int, error) {
	result, err := t.tx.ExecContext(ctx, `
		WITH live AS (
			SELECT bt.tag_id, COUNT(*)::int AS n
			FROM content_block_tags bt
			JOIN content_blocks b ON b.id = bt.block_id AND b.is_deleted = FALSE
			GROUP BY bt.tag_id
		)
		UPDATE tags t
		SET usage_count = COALESCE(live.n, 0)
		FROM tags t2
		LEFT JOIN live ON live.tag_id = t2.id
		WHERE t.id = t2.id AND t.usage_count <> COALESCE(live.n, 0)
	`)
	if err != nil {
		return 0, fmt.Errorf("recount tag usage: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}
