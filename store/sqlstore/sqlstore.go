// Package sqlstore provides the relational backend: SQLite through
// modernc.org/sqlite, or PostgreSQL through lib/pq.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"splitstore/codec"
	"splitstore/keys"
	"splitstore/model"
	"splitstore/store"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

//go:embed pragmas.sql
var pragmasSQL string

// Dialect selects the SQL flavour.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// deleteBatch bounds the number of placeholders in one DELETE.
const deleteBatch = 500

// DB wraps a database connection for course storage.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	path    string
}

var _ store.Backend = (*DB)(nil)

// OpenDir opens or creates the SQLite database inside dir.
func OpenDir(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	return Open(filepath.Join(dir, "split.db"))
}

// Open opens a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// A single connection serializes writers; SQLite allows one at a time.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, dialect: SQLite, path: dbPath}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQLite); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return db, nil
}

// OpenPostgres connects to PostgreSQL using a lib/pq DSN.
func OpenPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := conn.Exec(schemaPostgres); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &DB{conn: conn, dialect: Postgres, path: dsn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dialect reports which SQL flavour the connection speaks.
func (db *DB) Dialect() Dialect { return db.dialect }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *DB) rebind(q string) string {
	if db.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ----- Structures -----

// GetStructure loads and verifies a structure document.
func (db *DB) GetStructure(ctx context.Context, id keys.VersionID) (*model.Structure, error) {
	var checksum, doc []byte
	err := db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT checksum, doc FROM structures WHERE id = ?`), string(id),
	).Scan(&checksum, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("structure %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying structure: %w", err)
	}
	if !bytesEqual(codec.Checksum(doc), checksum) {
		return nil, fmt.Errorf("structure %s: %w", id, codec.ErrChecksum)
	}
	return codec.DecodeStructure(doc)
}

// InsertStructure stores s. Uses ON CONFLICT DO NOTHING for idempotence.
func (db *DB) InsertStructure(ctx context.Context, s *model.Structure) error {
	doc, err := codec.EncodeStructure(s)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		db.rebind(`INSERT INTO structures (id, previous, created_at, checksum, doc) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		string(s.ID), string(s.PreviousVersion), s.EditedOn.UnixMilli(), codec.Checksum(doc), doc,
	)
	if err != nil {
		return fmt.Errorf("inserting structure: %w", err)
	}
	return nil
}

// ListStructures returns a header per stored structure.
func (db *DB) ListStructures(ctx context.Context) ([]store.StructureHeader, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, previous, created_at FROM structures ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing structures: %w", err)
	}
	defer rows.Close()

	var out []store.StructureHeader
	for rows.Next() {
		var id string
		var prev sql.NullString
		var created int64
		if err := rows.Scan(&id, &prev, &created); err != nil {
			return nil, fmt.Errorf("scanning structure: %w", err)
		}
		out = append(out, store.StructureHeader{
			ID:              keys.VersionID(id),
			PreviousVersion: keys.VersionID(prev.String),
			CreatedAt:       time.UnixMilli(created).UTC(),
		})
	}
	return out, rows.Err()
}

// DeleteStructures removes structures by id.
func (db *DB) DeleteStructures(ctx context.Context, ids []keys.VersionID) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	return db.deleteIn(ctx, "structures", args)
}

// ----- Definitions -----

// GetDefinition loads one definition.
func (db *DB) GetDefinition(ctx context.Context, id keys.DefinitionID) (*model.Definition, error) {
	var checksum, doc []byte
	err := db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT checksum, doc FROM definitions WHERE id = ?`), string(id),
	).Scan(&checksum, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("definition %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying definition: %w", err)
	}
	if !bytesEqual(codec.Checksum(doc), checksum) {
		return nil, fmt.Errorf("definition %s: %w", id, codec.ErrChecksum)
	}
	return codec.DecodeDefinition(doc)
}

// GetDefinitions loads every existing definition among ids.
func (db *DB) GetDefinitions(ctx context.Context, ids []keys.DefinitionID) (map[keys.DefinitionID]*model.Definition, error) {
	out := make(map[keys.DefinitionID]*model.Definition, len(ids))
	for start := 0; start < len(ids); start += deleteBatch {
		end := min(start+deleteBatch, len(ids))
		args := make([]any, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, string(id))
		}
		rows, err := db.conn.QueryContext(ctx,
			db.rebind(`SELECT doc FROM definitions WHERE id IN (`+placeholders(len(args))+`)`), args...)
		if err != nil {
			return nil, fmt.Errorf("querying definitions: %w", err)
		}
		for rows.Next() {
			var doc []byte
			if err := rows.Scan(&doc); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning definition: %w", err)
			}
			d, err := codec.DecodeDefinition(doc)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[d.ID] = d
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// InsertDefinition stores d. Definitions are content-addressed, so an
// existing id already holds the same payload.
func (db *DB) InsertDefinition(ctx context.Context, d *model.Definition) error {
	doc, err := codec.EncodeDefinition(d)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx,
		db.rebind(`INSERT INTO definitions (id, block_type, created_at, checksum, doc) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		string(d.ID), d.BlockType, d.EditedOn.UnixMilli(), codec.Checksum(doc), doc,
	)
	if err != nil {
		return fmt.Errorf("inserting definition: %w", err)
	}
	return nil
}

// ListDefinitions returns a header per stored definition.
func (db *DB) ListDefinitions(ctx context.Context) ([]store.DefinitionHeader, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, created_at FROM definitions`)
	if err != nil {
		return nil, fmt.Errorf("listing definitions: %w", err)
	}
	defer rows.Close()

	var out []store.DefinitionHeader
	for rows.Next() {
		var id string
		var created int64
		if err := rows.Scan(&id, &created); err != nil {
			return nil, fmt.Errorf("scanning definition: %w", err)
		}
		out = append(out, store.DefinitionHeader{ID: keys.DefinitionID(id), CreatedAt: time.UnixMilli(created).UTC()})
	}
	return out, rows.Err()
}

// DeleteDefinitions removes definitions by id.
func (db *DB) DeleteDefinitions(ctx context.Context, ids []keys.DefinitionID) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	return db.deleteIn(ctx, "definitions", args)
}

func (db *DB) deleteIn(ctx context.Context, table string, ids []any) error {
	for start := 0; start < len(ids); start += deleteBatch {
		end := min(start+deleteBatch, len(ids))
		batch := ids[start:end]
		_, err := db.conn.ExecContext(ctx,
			db.rebind(`DELETE FROM `+table+` WHERE id IN (`+placeholders(len(batch))+`)`), batch...)
		if err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// identity columns for a course key.
func identity(k keys.CourseKey) (kind, org, course, run, lower string) {
	kind = "course"
	if k.Library {
		kind = "library"
	}
	lower = strings.ToLower(kind + "/" + k.Org + "/" + k.Course + "/" + k.Run)
	return kind, k.Org, k.Course, k.Run, lower
}

func encodeIndex(idx *model.CourseIndex) (string, error) {
	b, err := json.Marshal(idx)
	if err != nil {
		return "", fmt.Errorf("marshaling course index: %w", err)
	}
	return string(b), nil
}

func decodeIndex(doc string, lastUpdate int64) (*model.CourseIndex, error) {
	var idx model.CourseIndex
	if err := json.Unmarshal([]byte(doc), &idx); err != nil {
		return nil, fmt.Errorf("parsing course index: %w", err)
	}
	if idx.Versions == nil {
		idx.Versions = map[string]keys.VersionID{}
	}
	idx.LastUpdate = lastUpdate
	return &idx, nil
}
