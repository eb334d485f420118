package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the embedding store schema version
	CurrentSchemaVersion = "1.0.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// MigrationSet is an ordered list of migrations recorded in its own version
// table, so independent stores can share one database file without sharing
// schema history.
type MigrationSet struct {
	VersionTable string
	Migrations   []Migration
}

// AllMigrations contains the embedding store migrations in order
var AllMigrations = MigrationSet{
	VersionTable: "schema_version",
	Migrations: []Migration{
		{
			Version: "1.0.0",
			Up:      migrationV1Up,
			Down:    migrationV1Down,
		},
	},
}

const migrationV1Up = `
-- Catalog read model
CREATE TABLE IF NOT EXISTS songs (
    id INTEGER PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    artist TEXT NOT NULL DEFAULT '',
    genre TEXT NOT NULL DEFAULT '',
    mood TEXT NOT NULL DEFAULT '',
    energy TEXT NOT NULL DEFAULT '',
    tempo REAL,
    audio_url TEXT NOT NULL DEFAULT '',
    audio_path TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Keyword search over catalog metadata
CREATE VIRTUAL TABLE IF NOT EXISTS songs_fts USING fts5(
    title, genre, mood, energy,
    content='songs',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS songs_ai AFTER INSERT ON songs BEGIN
    INSERT INTO songs_fts(rowid, title, genre, mood, energy)
    VALUES (new.id, new.title, new.genre, new.mood, new.energy);
END;

CREATE TRIGGER IF NOT EXISTS songs_ad AFTER DELETE ON songs BEGIN
    INSERT INTO songs_fts(songs_fts, rowid, title, genre, mood, energy)
    VALUES ('delete', old.id, old.title, old.genre, old.mood, old.energy);
END;

CREATE TRIGGER IF NOT EXISTS songs_au AFTER UPDATE ON songs BEGIN
    INSERT INTO songs_fts(songs_fts, rowid, title, genre, mood, energy)
    VALUES ('delete', old.id, old.title, old.genre, old.mood, old.energy);
    INSERT INTO songs_fts(rowid, title, genre, mood, energy)
    VALUES (new.id, new.title, new.genre, new.mood, new.energy);
END;

-- Audio embeddings, one row per audio file
CREATE TABLE IF NOT EXISTS audio_embeddings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    song_id INTEGER NOT NULL,
    audio_path TEXT NOT NULL UNIQUE,
    embedding BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    norm REAL NOT NULL,
    external_embedding BLOB,
    raw_features TEXT NOT NULL,
    tempo REAL,
    musical_key TEXT,
    duration_sec REAL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_audio_embeddings_song ON audio_embeddings(song_id);
CREATE INDEX IF NOT EXISTS idx_audio_embeddings_tempo ON audio_embeddings(tempo);

-- Text embeddings, one row per (song, content type)
CREATE TABLE IF NOT EXISTS text_embeddings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    song_id INTEGER NOT NULL,
    content_type TEXT NOT NULL,
    content_text TEXT NOT NULL,
    embedding BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    norm REAL NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(song_id, content_type)
);

CREATE INDEX IF NOT EXISTS idx_text_embeddings_song ON text_embeddings(song_id);
CREATE INDEX IF NOT EXISTS idx_text_embeddings_type ON text_embeddings(content_type);

-- Effective tempo per song: analysed tempo of the latest audio row,
-- falling back to the catalog tempo
CREATE VIEW IF NOT EXISTS song_tempo AS
SELECT ids.song_id AS song_id,
       COALESCE(
           (SELECT ae.tempo FROM audio_embeddings ae
            WHERE ae.song_id = ids.song_id AND ae.tempo IS NOT NULL
            ORDER BY ae.updated_at DESC, ae.id DESC LIMIT 1),
           (SELECT s.tempo FROM songs s WHERE s.id = ids.song_id)
       ) AS tempo
FROM (SELECT id AS song_id FROM songs UNION SELECT song_id FROM audio_embeddings) ids;
`

const migrationV1Down = `
DROP VIEW IF EXISTS song_tempo;
DROP TABLE IF EXISTS text_embeddings;
DROP TABLE IF EXISTS audio_embeddings;
DROP TRIGGER IF EXISTS songs_au;
DROP TRIGGER IF EXISTS songs_ad;
DROP TRIGGER IF EXISTS songs_ai;
DROP TABLE IF EXISTS songs_fts;
DROP TABLE IF EXISTS songs;
`

// ApplyMigrations runs all pending embedding store migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	return ApplyMigrationSet(ctx, db, AllMigrations)
}

// ApplyMigrationSet runs the pending migrations of set
func ApplyMigrationSet(ctx context.Context, db *sql.DB, set MigrationSet) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`, set.VersionTable)); err != nil {
		return fmt.Errorf("failed to create %s table: %w", set.VersionTable, err)
	}

	currentVersion, err := currentSchemaVersion(ctx, db, set.VersionTable)
	if err != nil {
		return err
	}

	// Run migrations in order
	for _, migration := range set.Migrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		if !currentVersion.LessThan(migrationVersion) {
			continue // Already applied
		}

		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}

		insert := fmt.Sprintf("INSERT INTO %s (version) VALUES (?)", set.VersionTable)
		if _, err := db.ExecContext(ctx, insert, migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}

		currentVersion = migrationVersion
	}

	return nil
}

// currentSchemaVersion returns the highest applied version, 0.0.0 when none
func currentSchemaVersion(ctx context.Context, db *sql.DB, table string) (*semver.Version, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s in %s: %w", raw, table, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}

// RollbackMigration rolls back the most recent migration of set
func RollbackMigration(ctx context.Context, db *sql.DB, set MigrationSet) error {
	current, err := currentSchemaVersion(ctx, db, set.VersionTable)
	if err != nil {
		return err
	}
	if current.Equal(semver.MustParse("0.0.0")) {
		return fmt.Errorf("no migrations to rollback in %s", set.VersionTable)
	}

	var migration *Migration
	for i := range set.Migrations {
		v, err := semver.NewVersion(set.Migrations[i].Version)
		if err == nil && v.Equal(current) {
			migration = &set.Migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %s not found", current)
	}

	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", migration.Version, err)
	}

	remove := fmt.Sprintf("DELETE FROM %s WHERE version = ?", set.VersionTable)
	if _, err := db.ExecContext(ctx, remove, migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", migration.Version, err)
	}

	return nil
}
