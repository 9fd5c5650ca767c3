package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/model"
	"splitstore/store"
)

// ----- Course index -----

// GetCourseIndex loads the index stored under key's identity.
func (db *DB) GetCourseIndex(ctx context.Context, key keys.CourseKey) (*model.CourseIndex, error) {
	kind, org, course, run, _ := identity(key)
	var doc string
	var lastUpdate int64
	err := db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT doc, last_update FROM course_index WHERE kind = ? AND org = ? AND course = ? AND run = ?`),
		kind, org, course, run,
	).Scan(&doc, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("course index %s: %w", key.Identity(), store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying course index: %w", err)
	}
	return decodeIndex(doc, lastUpdate)
}

// FindCourseIndexes returns every index matching q.
func (db *DB) FindCourseIndexes(ctx context.Context, q store.IndexQuery) ([]*model.CourseIndex, error) {
	kind := "course"
	if q.Library {
		kind = "library"
	}
	query := `SELECT doc, last_update FROM course_index WHERE kind = ?`
	args := []any{kind}
	if q.Identity != nil {
		_, _, _, _, lower := identity(*q.Identity)
		query += ` AND ident_lower = ?`
		args = append(args, lower)
	}
	if q.Org != "" {
		query += ` AND org = ?`
		args = append(args, q.Org)
	}
	query += ` ORDER BY org, course, run`

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying course indexes: %w", err)
	}
	defer rows.Close()

	var out []*model.CourseIndex
	for rows.Next() {
		var doc string
		var lastUpdate int64
		if err := rows.Scan(&doc, &lastUpdate); err != nil {
			return nil, fmt.Errorf("scanning course index: %w", err)
		}
		idx, err := decodeIndex(doc, lastUpdate)
		if err != nil {
			return nil, err
		}
		if q.Branch != "" {
			if _, ok := idx.Versions[q.Branch]; !ok {
				continue
			}
		}
		if !q.MatchesTargets(idx) {
			continue
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// InsertCourseIndex creates the index row with token 1.
func (db *DB) InsertCourseIndex(ctx context.Context, idx *model.CourseIndex) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	kind, org, course, run, lower := identity(idx.Key())
	var exists int
	err = tx.QueryRowContext(ctx,
		db.rebind(`SELECT COUNT(*) FROM course_index WHERE kind = ? AND org = ? AND course = ? AND run = ?`),
		kind, org, course, run,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking course index: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("course index %s: %w", idx.Key(), store.ErrDuplicate)
	}

	stored := idx.Clone()
	stored.LastUpdate = 1
	doc, err := encodeIndex(stored)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		db.rebind(`INSERT INTO course_index (kind, org, course, run, ident_lower, doc, last_update) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		kind, org, course, run, lower, doc, stored.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("inserting course index: %w", err)
	}
	if err := db.appendHistory(ctx, tx, stored); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	idx.LastUpdate = stored.LastUpdate
	return nil
}

// UpdateCourseIndex swings the index only if its token is still expected.
func (db *DB) UpdateCourseIndex(ctx context.Context, idx *model.CourseIndex, expected int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	kind, org, course, run, lower := identity(idx.Key())
	stored := idx.Clone()
	stored.LastUpdate = expected + 1
	doc, err := encodeIndex(stored)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		db.rebind(`UPDATE course_index SET doc = ?, ident_lower = ?, last_update = ?
		 WHERE kind = ? AND org = ? AND course = ? AND run = ? AND last_update = ?`),
		doc, lower, stored.LastUpdate, kind, org, course, run, expected,
	)
	if err != nil {
		return fmt.Errorf("updating course index: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating course index: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			db.rebind(`SELECT COUNT(*) FROM course_index WHERE kind = ? AND org = ? AND course = ? AND run = ?`),
			kind, org, course, run,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking course index: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("course index %s: %w", idx.Key(), store.ErrNotFound)
		}
		return fmt.Errorf("course index %s: %w", idx.Key(), store.ErrConflict)
	}

	if err := db.appendHistory(ctx, tx, stored); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	idx.LastUpdate = stored.LastUpdate
	return nil
}

// DeleteCourseIndex removes the index row. Structures stay behind for GC.
func (db *DB) DeleteCourseIndex(ctx context.Context, key keys.CourseKey) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	kind, org, course, run, _ := identity(key)
	res, err := tx.ExecContext(ctx,
		db.rebind(`DELETE FROM course_index WHERE kind = ? AND org = ? AND course = ? AND run = ?`),
		kind, org, course, run,
	)
	if err != nil {
		return fmt.Errorf("deleting course index: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("course index %s: %w", key.Identity(), store.ErrNotFound)
	}
	tomb := &model.CourseIndex{Org: key.Org, Course: key.Course, Run: key.Run, Library: key.Library, EditedOn: cas.Now()}
	if err := db.appendHistory(ctx, tx, tomb); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// appendHistory chains a new entry onto the course's index history.
func (db *DB) appendHistory(ctx context.Context, tx *sql.Tx, idx *model.CourseIndex) error {
	course := idx.Key().String()

	var parent sql.NullString
	err := tx.QueryRowContext(ctx,
		db.rebind(`SELECT id FROM index_history WHERE course = ? ORDER BY seq DESC LIMIT 1`), course,
	).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("getting parent history: %w", err)
	}

	entry := store.IndexChange{
		Parent:   parent.String,
		Time:     idx.EditedOn.UnixMilli(),
		Actor:    idx.EditedBy,
		Course:   course,
		Token:    idx.LastUpdate,
		Versions: idx.Versions,
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}
	entry.ID = cas.Blake3HashHex(entryJSON)

	_, err = tx.ExecContext(ctx,
		db.rebind(`INSERT INTO index_history (id, parent, course, time, actor, token, meta) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, parent, course, entry.Time, entry.Actor, entry.Token, string(entryJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting index history: %w", err)
	}
	return nil
}

// IndexHistory returns the most recent index swings for key, newest first.
func (db *DB) IndexHistory(ctx context.Context, key keys.CourseKey, limit int) ([]store.IndexChange, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx,
		db.rebind(`SELECT id, meta FROM index_history WHERE course = ? ORDER BY seq DESC LIMIT ?`),
		key.Identity().String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying index history: %w", err)
	}
	defer rows.Close()

	var out []store.IndexChange
	for rows.Next() {
		var id, meta string
		if err := rows.Scan(&id, &meta); err != nil {
			return nil, fmt.Errorf("scanning index history: %w", err)
		}
		var c store.IndexChange
		if err := json.Unmarshal([]byte(meta), &c); err != nil {
			return nil, fmt.Errorf("parsing index history: %w", err)
		}
		c.ID = id
		out = append(out, c)
	}
	return out, rows.Err()
}
