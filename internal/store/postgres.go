package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyagen/pvrguide/internal/models"
)

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

const channelColumns = `id, external_id, name, number, logo_url, stream_url, group_id, source_id,
	country, language, active, epg_channel_id, epg_auto_mapped, epg_mapping_locked,
	last_epg_update, created_at, updated_at`

const sourceColumns = `id, name, url, epg_url, user_agent, enabled, auto_refresh, refresh_interval,
	last_updated, created_at`

const epgSourceColumns = `id, name, url, priority, auto_map, active, last_updated, last_error,
	channel_count, program_count, import_status`

const mappingColumns = `id, channel_id, epg_source_id, epg_channel_id, epg_channel_name, confidence,
	method, active, priority, created_at, updated_at`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateOrGetSource creates a source by name if not exists, returns id.
func (p *Postgres) CreateOrGetSource(ctx context.Context, src *models.Source) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO sources (name, url, epg_url, user_agent, enabled, auto_refresh, refresh_interval)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET url = EXCLUDED.url, epg_url = EXCLUDED.epg_url,
		   user_agent = EXCLUDED.user_agent
		 RETURNING id`,
		src.Name, src.URL, src.EPGURL, src.UserAgent, src.Enabled, src.AutoRefresh, src.RefreshInterval,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("CreateOrGetSource: %w", err)
	}
	return id, nil
}

func scanSource(row pgx.Row) (models.Source, error) {
	var s models.Source
	err := row.Scan(&s.ID, &s.Name, &s.URL, &s.EPGURL, &s.UserAgent, &s.Enabled, &s.AutoRefresh,
		&s.RefreshInterval, &s.LastUpdated, &s.CreatedAt)
	return s, err
}

// ListSources returns all sources ordered by id.
func (p *Postgres) ListSources(ctx context.Context) ([]models.Source, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ListSources: %w", err)
	}
	defer rows.Close()
	var out []models.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("ListSources: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSourceByID returns a single source.
func (p *Postgres) GetSourceByID(ctx context.Context, sourceID int64) (*models.Source, error) {
	s, err := scanSource(p.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, sourceID))
	if err != nil {
		return nil, fmt.Errorf("GetSourceByID: %w", notFound(err))
	}
	return &s, nil
}

// UpdateSourceLastUpdated sets last_updated for the source.
func (p *Postgres) UpdateSourceLastUpdated(ctx context.Context, sourceID int64, at time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE sources SET last_updated = $2 WHERE id = $1`, sourceID, at)
	if err != nil {
		return fmt.Errorf("UpdateSourceLastUpdated: %w", err)
	}
	return nil
}

// GetOrCreateGroup returns group id for name/sourceID.
func (p *Postgres) GetOrCreateGroup(ctx context.Context, sourceID int64, name string) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO groups (name, source_id) VALUES ($1, $2)
		 ON CONFLICT (name, source_id) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		name, sourceID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("GetOrCreateGroup: %w", err)
	}
	return id, nil
}

// ListGroups returns groups, optionally filtered by source id.
func (p *Postgres) ListGroups(ctx context.Context, sourceID *int64) ([]models.Group, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, source_id FROM groups WHERE ($1::bigint IS NULL OR source_id = $1) ORDER BY name`,
		sourceID)
	if err != nil {
		return nil, fmt.Errorf("ListGroups: %w", err)
	}
	defer rows.Close()
	var out []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.SourceID); err != nil {
			return nil, fmt.Errorf("ListGroups: scan: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanChannel(row pgx.Row) (models.Channel, error) {
	var c models.Channel
	err := row.Scan(&c.ID, &c.ExternalID, &c.Name, &c.Number, &c.LogoURL, &c.StreamURL, &c.GroupID,
		&c.SourceID, &c.Country, &c.Language, &c.Active, &c.EPGChannelID, &c.EPGAutoMapped,
		&c.EPGMappingLocked, &c.LastEPGUpdate, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (p *Postgres) queryChannels(ctx context.Context, op, query string, args ...any) ([]models.Channel, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var out []models.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ListChannelsBySource returns every channel of a source ordered by id.
func (p *Postgres) ListChannelsBySource(ctx context.Context, sourceID int64) ([]models.Channel, error) {
	return p.queryChannels(ctx, "ListChannelsBySource",
		`SELECT `+channelColumns+` FROM channels WHERE source_id = $1 ORDER BY id`, sourceID)
}

// ListActiveChannels returns every active channel ordered by id.
func (p *Postgres) ListActiveChannels(ctx context.Context) ([]models.Channel, error) {
	return p.queryChannels(ctx, "ListActiveChannels",
		`SELECT `+channelColumns+` FROM channels WHERE active ORDER BY id`)
}

// ListExternalIDs returns every channel external id with its owning source.
func (p *Postgres) ListExternalIDs(ctx context.Context) (map[string]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT external_id, source_id FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("ListExternalIDs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			id  string
			src int64
		)
		if err := rows.Scan(&id, &src); err != nil {
			return nil, fmt.Errorf("ListExternalIDs: scan: %w", err)
		}
		out[id] = src
	}
	return out, rows.Err()
}

// SaveChannels writes the batch in one transaction. Each record runs inside
// its own savepoint so a failing record does not abort the batch.
func (p *Postgres) SaveChannels(ctx context.Context, batch []ChannelWrite) ([]error, error) {
	errs := make([]error, len(batch))
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs, fmt.Errorf("SaveChannels: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, w := range batch {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return errs, fmt.Errorf("SaveChannels: savepoint: %w", err)
		}
		if w.Create {
			err = insertChannel(ctx, sp, w.Channel)
		} else {
			err = updateChannel(ctx, sp, w.Channel)
		}
		if err != nil {
			sp.Rollback(ctx)
			if isUniqueViolation(err) {
				err = fmt.Errorf("%w: %s", ErrDuplicateID, w.Channel.ExternalID)
			}
			errs[i] = err
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return errs, fmt.Errorf("SaveChannels: release savepoint: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errs, fmt.Errorf("SaveChannels: commit: %w", err)
	}
	return errs, nil
}

func insertChannel(ctx context.Context, tx pgx.Tx, c *models.Channel) error {
	return tx.QueryRow(ctx,
		`INSERT INTO channels (external_id, name, number, logo_url, stream_url, group_id, source_id,
		   country, language, active, epg_channel_id, epg_auto_mapped, epg_mapping_locked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		 RETURNING id`,
		c.ExternalID, c.Name, c.Number, c.LogoURL, c.StreamURL, c.GroupID, c.SourceID,
		c.Country, c.Language, c.Active, c.EPGChannelID, c.EPGAutoMapped, c.EPGMappingLocked, c.UpdatedAt,
	).Scan(&c.ID)
}

func updateChannel(ctx context.Context, tx pgx.Tx, c *models.Channel) error {
	tag, err := tx.Exec(ctx,
		`UPDATE channels SET name = $2, number = $3, logo_url = $4, stream_url = $5, group_id = $6,
		   country = $7, language = $8, active = $9, epg_channel_id = $10, updated_at = $11
		 WHERE id = $1`,
		c.ID, c.Name, c.Number, c.LogoURL, c.StreamURL, c.GroupID, c.Country, c.Language, c.Active,
		c.EPGChannelID, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateChannels marks channels inactive.
func (p *Postgres) DeactivateChannels(ctx context.Context, channelIDs []int64) (int64, error) {
	if len(channelIDs) == 0 {
		return 0, nil
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE channels SET active = FALSE, updated_at = NOW() WHERE id = ANY($1) AND active`, channelIDs)
	if err != nil {
		return 0, fmt.Errorf("DeactivateChannels: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpdateChannelEPG writes the EPG pointer and flags of a channel.
func (p *Postgres) UpdateChannelEPG(ctx context.Context, channelID int64, f ChannelEPGUpdate) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE channels SET epg_channel_id = $2, epg_auto_mapped = $3, epg_mapping_locked = $4,
		   last_epg_update = $5, updated_at = NOW()
		 WHERE id = $1`,
		channelID, f.EPGChannelID, f.AutoMapped, f.MappingLocked, f.LastEPGUpdate)
	if err != nil {
		return fmt.Errorf("UpdateChannelEPG: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("UpdateChannelEPG: %w", ErrNotFound)
	}
	return nil
}

// GetChannelByID returns a single channel.
func (p *Postgres) GetChannelByID(ctx context.Context, channelID int64) (*models.Channel, error) {
	c, err := scanChannel(p.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, channelID))
	if err != nil {
		return nil, fmt.Errorf("GetChannelByID: %w", notFound(err))
	}
	return &c, nil
}

// ListChannels returns channels matching the filter and the total count.
func (p *Postgres) ListChannels(ctx context.Context, f ChannelFilter) ([]models.Channel, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SourceID != nil {
		add("source_id = $%d", *f.SourceID)
	}
	if f.GroupID != nil {
		add("group_id = $%d", *f.GroupID)
	}
	if f.Active != nil {
		add("active = $%d", *f.Active)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		add("name ILIKE '%%' || $%d || '%%'", s)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM channels`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListChannels: count: %w", err)
	}
	args = append(args, f.limit(), f.offset())
	q := fmt.Sprintf(`SELECT %s FROM channels%s ORDER BY id LIMIT $%d OFFSET $%d`,
		channelColumns, cond, len(args)-1, len(args))
	channels, err := p.queryChannels(ctx, "ListChannels", q, args...)
	if err != nil {
		return nil, 0, err
	}
	return channels, total, nil
}

// CreateEPGSource creates an EPG source by name if it does not exist.
func (p *Postgres) CreateEPGSource(ctx context.Context, src *models.EPGSource) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO epg_sources (name, url, priority, auto_map, active, import_status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO UPDATE SET url = EXCLUDED.url
		 RETURNING id`,
		src.Name, src.URL, src.Priority, src.AutoMap, src.Active, importStatusOrIdle(src.ImportStatus),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("CreateEPGSource: %w", err)
	}
	return id, nil
}

func scanEPGSource(row pgx.Row) (models.EPGSource, error) {
	var s models.EPGSource
	err := row.Scan(&s.ID, &s.Name, &s.URL, &s.Priority, &s.AutoMap, &s.Active, &s.LastUpdated,
		&s.LastError, &s.ChannelCount, &s.ProgramCount, &s.ImportStatus)
	return s, err
}

// ListEPGSources returns EPG sources ordered by priority, highest first.
func (p *Postgres) ListEPGSources(ctx context.Context, activeOnly bool) ([]models.EPGSource, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+epgSourceColumns+` FROM epg_sources WHERE (NOT $1 OR active) ORDER BY priority DESC, id`,
		activeOnly)
	if err != nil {
		return nil, fmt.Errorf("ListEPGSources: %w", err)
	}
	defer rows.Close()
	var out []models.EPGSource
	for rows.Next() {
		s, err := scanEPGSource(rows)
		if err != nil {
			return nil, fmt.Errorf("ListEPGSources: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetEPGSource returns a single EPG source.
func (p *Postgres) GetEPGSource(ctx context.Context, id int64) (*models.EPGSource, error) {
	s, err := scanEPGSource(p.pool.QueryRow(ctx, `SELECT `+epgSourceColumns+` FROM epg_sources WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("GetEPGSource: %w", notFound(err))
	}
	return &s, nil
}

// UpdateEPGSourceStatus records the outcome of a guide import. Nil counters
// keep their current value.
func (p *Postgres) UpdateEPGSourceStatus(ctx context.Context, id int64, st EPGSourceStatus) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE epg_sources SET import_status = $2, last_error = $3,
		   channel_count = COALESCE($4, channel_count), program_count = COALESCE($5, program_count),
		   last_updated = COALESCE($6, last_updated)
		 WHERE id = $1`,
		id, st.ImportStatus, st.LastError, st.ChannelCount, st.ProgramCount, st.LastUpdated)
	if err != nil {
		return fmt.Errorf("UpdateEPGSourceStatus: %w", err)
	}
	return nil
}

func scanMapping(row pgx.Row) (models.ChannelEPGMapping, error) {
	var m models.ChannelEPGMapping
	err := row.Scan(&m.ID, &m.ChannelID, &m.EPGSourceID, &m.EPGChannelID, &m.EPGChannelName,
		&m.Confidence, &m.Method, &m.Active, &m.Priority, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// GetActiveMapping returns the active mapping for a channel within an EPG source.
func (p *Postgres) GetActiveMapping(ctx context.Context, channelID, epgSourceID int64) (*models.ChannelEPGMapping, error) {
	m, err := scanMapping(p.pool.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM channel_epg_mappings
		 WHERE channel_id = $1 AND epg_source_id = $2 AND active`, channelID, epgSourceID))
	if err != nil {
		return nil, fmt.Errorf("GetActiveMapping: %w", notFound(err))
	}
	return &m, nil
}

// CreateMapping inserts a mapping and returns its id.
func (p *Postgres) CreateMapping(ctx context.Context, m *models.ChannelEPGMapping) (int64, error) {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO channel_epg_mappings (channel_id, epg_source_id, epg_channel_id, epg_channel_name,
		   confidence, method, active, priority, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		m.ChannelID, m.EPGSourceID, m.EPGChannelID, m.EPGChannelName, m.Confidence, m.Method,
		m.Active, m.Priority, m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		return 0, fmt.Errorf("CreateMapping: %w", err)
	}
	return m.ID, nil
}

// UpdateMapping rewrites a mapping in place.
func (p *Postgres) UpdateMapping(ctx context.Context, m *models.ChannelEPGMapping) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE channel_epg_mappings SET epg_channel_id = $2, epg_channel_name = $3, confidence = $4,
		   method = $5, active = $6, updated_at = $7
		 WHERE id = $1`,
		m.ID, m.EPGChannelID, m.EPGChannelName, m.Confidence, m.Method, m.Active, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("UpdateMapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("UpdateMapping: %w", ErrNotFound)
	}
	return nil
}

// DeleteMapping removes the mappings of a channel within an EPG source.
func (p *Postgres) DeleteMapping(ctx context.Context, channelID, epgSourceID int64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM channel_epg_mappings WHERE channel_id = $1 AND epg_source_id = $2`, channelID, epgSourceID)
	if err != nil {
		return false, fmt.Errorf("DeleteMapping: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListMappings returns mappings matching the filter ordered by id.
func (p *Postgres) ListMappings(ctx context.Context, f MappingFilter) ([]models.ChannelEPGMapping, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+mappingColumns+` FROM channel_epg_mappings
		 WHERE ($1::bigint IS NULL OR channel_id = $1)
		   AND ($2::bigint IS NULL OR epg_source_id = $2)
		   AND (NOT $3 OR active)
		 ORDER BY id`,
		f.ChannelID, f.EPGSourceID, f.ActiveOnly)
	if err != nil {
		return nil, fmt.Errorf("ListMappings: %w", err)
	}
	defer rows.Close()
	var out []models.ChannelEPGMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMappings: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplacePrograms replaces every programme of an EPG source using COPY.
func (p *Postgres) ReplacePrograms(ctx context.Context, epgSourceID int64, programs []models.EPGProgram) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("ReplacePrograms: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM epg_programs WHERE epg_source_id = $1`, epgSourceID); err != nil {
		return 0, fmt.Errorf("ReplacePrograms: delete: %w", err)
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"epg_programs"},
		[]string{"channel_id", "epg_source_id", "original_channel_id", "title", "description", "start_time", "end_time"},
		pgx.CopyFromSlice(len(programs), func(i int) ([]any, error) {
			pr := programs[i]
			return []any{pr.ChannelID, epgSourceID, pr.OriginalChannelID, pr.Title, pr.Description, pr.Start, pr.End}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("ReplacePrograms: copy: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ReplacePrograms: commit: %w", err)
	}
	return int(n), nil
}

// ChannelsWithProgramsSince returns channels with a programme starting at or after since.
func (p *Postgres) ChannelsWithProgramsSince(ctx context.Context, since time.Time) (map[int64]bool, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT channel_id FROM epg_programs WHERE start_time >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("ChannelsWithProgramsSince: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ChannelsWithProgramsSince: scan: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func importStatusOrIdle(s string) string {
	if s == "" {
		return models.ImportStatusIdle
	}
	return s
}
