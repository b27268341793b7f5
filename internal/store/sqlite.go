package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/voyagen/pvrguide/internal/models"
)

// sqliteSchema mirrors migrations/000001_init.up.sql in SQLite dialect.
// A change to either must be made to both; TestSQLiteSchemaMatchesMigrations
// compares their tables and columns.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sources (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	name             TEXT NOT NULL UNIQUE,
	url              TEXT NOT NULL DEFAULT '',
	epg_url          TEXT,
	user_agent       TEXT NOT NULL DEFAULT '',
	enabled          BOOLEAN NOT NULL DEFAULT 1,
	auto_refresh     BOOLEAN NOT NULL DEFAULT 0,
	refresh_interval INTEGER NOT NULL DEFAULT 86400,
	last_updated     DATETIME,
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS groups (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL,
	source_id INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	UNIQUE (name, source_id)
);
CREATE TABLE IF NOT EXISTS channels (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id        TEXT NOT NULL UNIQUE,
	name               TEXT NOT NULL,
	number             TEXT,
	logo_url           TEXT,
	stream_url         TEXT NOT NULL,
	group_id           INTEGER REFERENCES groups(id) ON DELETE SET NULL,
	source_id          INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	country            TEXT,
	language           TEXT,
	active             BOOLEAN NOT NULL DEFAULT 1,
	epg_channel_id     TEXT,
	epg_auto_mapped    BOOLEAN NOT NULL DEFAULT 0,
	epg_mapping_locked BOOLEAN NOT NULL DEFAULT 0,
	last_epg_update    DATETIME,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channels_source ON channels (source_id);
CREATE TABLE IF NOT EXISTS epg_sources (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL UNIQUE,
	url           TEXT NOT NULL DEFAULT '',
	priority      INTEGER NOT NULL DEFAULT 0,
	auto_map      BOOLEAN NOT NULL DEFAULT 1,
	active        BOOLEAN NOT NULL DEFAULT 1,
	last_updated  DATETIME,
	last_error    TEXT,
	channel_count INTEGER NOT NULL DEFAULT 0,
	program_count INTEGER NOT NULL DEFAULT 0,
	import_status TEXT NOT NULL DEFAULT 'idle'
);
CREATE TABLE IF NOT EXISTS channel_epg_mappings (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id       INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	epg_source_id    INTEGER NOT NULL REFERENCES epg_sources(id) ON DELETE CASCADE,
	epg_channel_id   TEXT NOT NULL,
	epg_channel_name TEXT,
	confidence       REAL NOT NULL DEFAULT 0 CHECK (confidence >= 0 AND confidence <= 1),
	method           TEXT NOT NULL,
	active           BOOLEAN NOT NULL DEFAULT 1,
	priority         INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_active_pair
	ON channel_epg_mappings (channel_id, epg_source_id) WHERE active;
CREATE TABLE IF NOT EXISTS epg_programs (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id          INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	epg_source_id       INTEGER REFERENCES epg_sources(id) ON DELETE CASCADE,
	original_channel_id TEXT NOT NULL,
	title               TEXT NOT NULL,
	description         TEXT,
	start_time          DATETIME NOT NULL,
	end_time            DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_programs_channel_start ON epg_programs (channel_id, start_time);
`

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLite implements Store on an embedded SQLite database. It suits single
// node installs and tests.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens (and creates) the database at dsn, e.g. "file:pvr.db" or
// ":memory:", and applies the schema.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlx.Open: %w", err)
	}
	// One connection: SQLite serialises writers and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() {
	s.db.Close()
}

func sqliteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func sqlNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateOrGetSource creates a source by name if not exists, returns id.
func (s *SQLite) CreateOrGetSource(ctx context.Context, src *models.Source) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO sources (name, url, epg_url, user_agent, enabled, auto_refresh, refresh_interval)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET url = excluded.url, epg_url = excluded.epg_url,
		   user_agent = excluded.user_agent
		 RETURNING id`,
		src.Name, src.URL, src.EPGURL, src.UserAgent, src.Enabled, src.AutoRefresh, src.RefreshInterval,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("CreateOrGetSource: %w", err)
	}
	return id, nil
}

// ListSources returns all sources ordered by id.
func (s *SQLite) ListSources(ctx context.Context) ([]models.Source, error) {
	var out []models.Source
	if err := s.db.SelectContext(ctx, &out, `SELECT `+sourceColumns+` FROM sources ORDER BY id`); err != nil {
		return nil, fmt.Errorf("ListSources: %w", err)
	}
	return out, nil
}

// GetSourceByID returns a single source.
func (s *SQLite) GetSourceByID(ctx context.Context, sourceID int64) (*models.Source, error) {
	var src models.Source
	if err := s.db.GetContext(ctx, &src, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, sourceID); err != nil {
		return nil, fmt.Errorf("GetSourceByID: %w", sqlNotFound(err))
	}
	return &src, nil
}

// UpdateSourceLastUpdated sets last_updated for the source.
func (s *SQLite) UpdateSourceLastUpdated(ctx context.Context, sourceID int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sources SET last_updated = ? WHERE id = ?`, at.UTC(), sourceID); err != nil {
		return fmt.Errorf("UpdateSourceLastUpdated: %w", err)
	}
	return nil
}

// GetOrCreateGroup returns group id for name/sourceID.
func (s *SQLite) GetOrCreateGroup(ctx context.Context, sourceID int64, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO groups (name, source_id) VALUES (?, ?)
		 ON CONFLICT (name, source_id) DO UPDATE SET name = excluded.name
		 RETURNING id`, name, sourceID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("GetOrCreateGroup: %w", err)
	}
	return id, nil
}

// ListGroups returns groups, optionally filtered by source id.
func (s *SQLite) ListGroups(ctx context.Context, sourceID *int64) ([]models.Group, error) {
	var out []models.Group
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, name, source_id FROM groups WHERE (? IS NULL OR source_id = ?) ORDER BY name`,
		sourceID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("ListGroups: %w", err)
	}
	return out, nil
}

// ListChannelsBySource returns every channel of a source ordered by id.
func (s *SQLite) ListChannelsBySource(ctx context.Context, sourceID int64) ([]models.Channel, error) {
	var out []models.Channel
	if err := s.db.SelectContext(ctx, &out,
		`SELECT `+channelColumns+` FROM channels WHERE source_id = ? ORDER BY id`, sourceID); err != nil {
		return nil, fmt.Errorf("ListChannelsBySource: %w", err)
	}
	return out, nil
}

// ListActiveChannels returns every active channel ordered by id.
func (s *SQLite) ListActiveChannels(ctx context.Context) ([]models.Channel, error) {
	var out []models.Channel
	if err := s.db.SelectContext(ctx, &out, `SELECT `+channelColumns+` FROM channels WHERE active ORDER BY id`); err != nil {
		return nil, fmt.Errorf("ListActiveChannels: %w", err)
	}
	return out, nil
}

// ListExternalIDs returns every channel external id with its owning source.
func (s *SQLite) ListExternalIDs(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		ExternalID string `db:"external_id"`
		SourceID   int64  `db:"source_id"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT external_id, source_id FROM channels`); err != nil {
		return nil, fmt.Errorf("ListExternalIDs: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.ExternalID] = r.SourceID
	}
	return out, nil
}

// SaveChannels writes the batch in one transaction. A failing statement
// only rolls back itself, so the rest of the batch still commits.
func (s *SQLite) SaveChannels(ctx context.Context, batch []ChannelWrite) ([]error, error) {
	errs := make([]error, len(batch))
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs, fmt.Errorf("SaveChannels: begin: %w", err)
	}
	defer tx.Rollback()

	for i, w := range batch {
		c := w.Channel
		if w.Create {
			var res sql.Result
			res, err = tx.NamedExecContext(ctx,
				`INSERT INTO channels (external_id, name, number, logo_url, stream_url, group_id, source_id,
				   country, language, active, epg_channel_id, epg_auto_mapped, epg_mapping_locked, created_at, updated_at)
				 VALUES (:external_id, :name, :number, :logo_url, :stream_url, :group_id, :source_id,
				   :country, :language, :active, :epg_channel_id, :epg_auto_mapped, :epg_mapping_locked, :created_at, :updated_at)`,
				c)
			if err == nil {
				c.ID, err = res.LastInsertId()
			}
		} else {
			var res sql.Result
			res, err = tx.NamedExecContext(ctx,
				`UPDATE channels SET name = :name, number = :number, logo_url = :logo_url, stream_url = :stream_url,
				   group_id = :group_id, country = :country, language = :language, active = :active,
				   epg_channel_id = :epg_channel_id, updated_at = :updated_at
				 WHERE id = :id`, c)
			if err == nil {
				if n, _ := res.RowsAffected(); n == 0 {
					err = ErrNotFound
				}
			}
		}
		if err != nil {
			if sqliteUnique(err) {
				err = fmt.Errorf("%w: %s", ErrDuplicateID, c.ExternalID)
			}
			errs[i] = err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs, fmt.Errorf("SaveChannels: commit: %w", err)
	}
	return errs, nil
}

// DeactivateChannels marks channels inactive.
func (s *SQLite) DeactivateChannels(ctx context.Context, channelIDs []int64) (int64, error) {
	if len(channelIDs) == 0 {
		return 0, nil
	}
	q, args, err := sqlx.In(`UPDATE channels SET active = 0, updated_at = ? WHERE active AND id IN (?)`,
		time.Now().UTC(), channelIDs)
	if err != nil {
		return 0, fmt.Errorf("DeactivateChannels: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("DeactivateChannels: %w", err)
	}
	return res.RowsAffected()
}

// UpdateChannelEPG writes the EPG pointer and flags of a channel.
func (s *SQLite) UpdateChannelEPG(ctx context.Context, channelID int64, f ChannelEPGUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET epg_channel_id = ?, epg_auto_mapped = ?, epg_mapping_locked = ?,
		   last_epg_update = ?, updated_at = ?
		 WHERE id = ?`,
		f.EPGChannelID, f.AutoMapped, f.MappingLocked, f.LastEPGUpdate, time.Now().UTC(), channelID)
	if err != nil {
		return fmt.Errorf("UpdateChannelEPG: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("UpdateChannelEPG: %w", ErrNotFound)
	}
	return nil
}

// GetChannelByID returns a single channel.
func (s *SQLite) GetChannelByID(ctx context.Context, channelID int64) (*models.Channel, error) {
	var c models.Channel
	if err := s.db.GetContext(ctx, &c, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, channelID); err != nil {
		return nil, fmt.Errorf("GetChannelByID: %w", sqlNotFound(err))
	}
	return &c, nil
}

// ListChannels returns channels matching the filter and the total count.
func (s *SQLite) ListChannels(ctx context.Context, f ChannelFilter) ([]models.Channel, int, error) {
	var (
		where []string
		args  []any
	)
	if f.SourceID != nil {
		where, args = append(where, "source_id = ?"), append(args, *f.SourceID)
	}
	if f.GroupID != nil {
		where, args = append(where, "group_id = ?"), append(args, *f.GroupID)
	}
	if f.Active != nil {
		where, args = append(where, "active = ?"), append(args, *f.Active)
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		where, args = append(where, "name LIKE '%' || ? || '%'"), append(args, q)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM channels`+cond, args...); err != nil {
		return nil, 0, fmt.Errorf("ListChannels: count: %w", err)
	}
	var out []models.Channel
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+channelColumns+` FROM channels`+cond+` ORDER BY id LIMIT ? OFFSET ?`,
		append(args, f.limit(), f.offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListChannels: %w", err)
	}
	return out, total, nil
}

// CreateEPGSource creates an EPG source by name if it does not exist.
func (s *SQLite) CreateEPGSource(ctx context.Context, src *models.EPGSource) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO epg_sources (name, url, priority, auto_map, active, import_status)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET url = excluded.url
		 RETURNING id`,
		src.Name, src.URL, src.Priority, src.AutoMap, src.Active, importStatusOrIdle(src.ImportStatus),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("CreateEPGSource: %w", err)
	}
	return id, nil
}

// ListEPGSources returns EPG sources ordered by priority, highest first.
func (s *SQLite) ListEPGSources(ctx context.Context, activeOnly bool) ([]models.EPGSource, error) {
	var out []models.EPGSource
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+epgSourceColumns+` FROM epg_sources WHERE (NOT ? OR active) ORDER BY priority DESC, id`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("ListEPGSources: %w", err)
	}
	return out, nil
}

// GetEPGSource returns a single EPG source.
func (s *SQLite) GetEPGSource(ctx context.Context, id int64) (*models.EPGSource, error) {
	var src models.EPGSource
	if err := s.db.GetContext(ctx, &src, `SELECT `+epgSourceColumns+` FROM epg_sources WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("GetEPGSource: %w", sqlNotFound(err))
	}
	return &src, nil
}

// UpdateEPGSourceStatus records the outcome of a guide import.
func (s *SQLite) UpdateEPGSourceStatus(ctx context.Context, id int64, st EPGSourceStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE epg_sources SET import_status = ?, last_error = ?,
		   channel_count = COALESCE(?, channel_count), program_count = COALESCE(?, program_count),
		   last_updated = COALESCE(?, last_updated)
		 WHERE id = ?`,
		st.ImportStatus, st.LastError, st.ChannelCount, st.ProgramCount, st.LastUpdated, id)
	if err != nil {
		return fmt.Errorf("UpdateEPGSourceStatus: %w", err)
	}
	return nil
}

// GetActiveMapping returns the active mapping for a channel within an EPG source.
func (s *SQLite) GetActiveMapping(ctx context.Context, channelID, epgSourceID int64) (*models.ChannelEPGMapping, error) {
	var m models.ChannelEPGMapping
	err := s.db.GetContext(ctx, &m,
		`SELECT `+mappingColumns+` FROM channel_epg_mappings WHERE channel_id = ? AND epg_source_id = ? AND active`,
		channelID, epgSourceID)
	if err != nil {
		return nil, fmt.Errorf("GetActiveMapping: %w", sqlNotFound(err))
	}
	return &m, nil
}

// CreateMapping inserts a mapping and returns its id.
func (s *SQLite) CreateMapping(ctx context.Context, m *models.ChannelEPGMapping) (int64, error) {
	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO channel_epg_mappings (channel_id, epg_source_id, epg_channel_id, epg_channel_name,
		   confidence, method, active, priority, created_at, updated_at)
		 VALUES (:channel_id, :epg_source_id, :epg_channel_id, :epg_channel_name,
		   :confidence, :method, :active, :priority, :created_at, :updated_at)`, m)
	if err != nil {
		return 0, fmt.Errorf("CreateMapping: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("CreateMapping: %w", err)
	}
	return m.ID, nil
}

// UpdateMapping rewrites a mapping in place.
func (s *SQLite) UpdateMapping(ctx context.Context, m *models.ChannelEPGMapping) error {
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE channel_epg_mappings SET epg_channel_id = :epg_channel_id, epg_channel_name = :epg_channel_name,
		   confidence = :confidence, method = :method, active = :active, updated_at = :updated_at
		 WHERE id = :id`, m)
	if err != nil {
		return fmt.Errorf("UpdateMapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("UpdateMapping: %w", ErrNotFound)
	}
	return nil
}

// DeleteMapping removes the mappings of a channel within an EPG source.
func (s *SQLite) DeleteMapping(ctx context.Context, channelID, epgSourceID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_epg_mappings WHERE channel_id = ? AND epg_source_id = ?`, channelID, epgSourceID)
	if err != nil {
		return false, fmt.Errorf("DeleteMapping: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListMappings returns mappings matching the filter ordered by id.
func (s *SQLite) ListMappings(ctx context.Context, f MappingFilter) ([]models.ChannelEPGMapping, error) {
	var out []models.ChannelEPGMapping
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+mappingColumns+` FROM channel_epg_mappings
		 WHERE (? IS NULL OR channel_id = ?) AND (? IS NULL OR epg_source_id = ?) AND (NOT ? OR active)
		 ORDER BY id`,
		f.ChannelID, f.ChannelID, f.EPGSourceID, f.EPGSourceID, f.ActiveOnly)
	if err != nil {
		return nil, fmt.Errorf("ListMappings: %w", err)
	}
	return out, nil
}

// ReplacePrograms replaces every programme of an EPG source.
func (s *SQLite) ReplacePrograms(ctx context.Context, epgSourceID int64, programs []models.EPGProgram) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ReplacePrograms: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM epg_programs WHERE epg_source_id = ?`, epgSourceID); err != nil {
		return 0, fmt.Errorf("ReplacePrograms: delete: %w", err)
	}
	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO epg_programs (channel_id, epg_source_id, original_channel_id, title, description, start_time, end_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("ReplacePrograms: prepare: %w", err)
	}
	defer stmt.Close()
	for _, p := range programs {
		if _, err := stmt.ExecContext(ctx, p.ChannelID, epgSourceID, p.OriginalChannelID, p.Title, p.Description,
			p.Start.UTC(), p.End.UTC()); err != nil {
			return 0, fmt.Errorf("ReplacePrograms: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ReplacePrograms: commit: %w", err)
	}
	return len(programs), nil
}

// ChannelsWithProgramsSince returns channels with a programme starting at or after since.
func (s *SQLite) ChannelsWithProgramsSince(ctx context.Context, since time.Time) (map[int64]bool, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT channel_id FROM epg_programs WHERE start_time >= ?`, since.UTC()); err != nil {
		return nil, fmt.Errorf("ChannelsWithProgramsSince: %w", err)
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
