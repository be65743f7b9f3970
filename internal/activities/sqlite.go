package activities

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/a-essam23/activitycast/pkg/activity"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS activities (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL,
	date INTEGER NOT NULL,
	city TEXT NOT NULL,
	venue TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attendees (
	activity_id TEXT NOT NULL,
	username TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	image TEXT NOT NULL DEFAULT '',
	is_host INTEGER NOT NULL DEFAULT 0,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (activity_id, username),
	FOREIGN KEY (activity_id) REFERENCES activities(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_activities_date ON activities(date);
CREATE INDEX IF NOT EXISTS idx_attendees_username ON attendees(username);
`

type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(path, ":memory:") {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) List(ctx context.Context, q ListQuery) ([]activity.Activity, int, error) {
	where := []string{"a.date >= ?"}
	args := []any{q.StartDate.UnixMilli()}
	switch {
	case q.IsHost:
		where = append(where, "EXISTS (SELECT 1 FROM attendees x WHERE x.activity_id = a.id AND x.username = ? AND x.is_host = 1)")
		args = append(args, q.Username)
	case q.IsGoing:
		where = append(where, "EXISTS (SELECT 1 FROM attendees x WHERE x.activity_id = a.id AND x.username = ?)")
		args = append(args, q.Username)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM activities a WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count activities: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT a.id, a.title, a.description, a.category, a.date, a.city, a.venue
		 FROM activities a WHERE `+clause+` ORDER BY a.date, a.id LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []activity.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range out {
		if out[i].Attendees, err = r.attendees(ctx, out[i].ID); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*activity.Activity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, title, description, category, date, city, venue FROM activities WHERE id = ?`, id)
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.Attendees, err = r.attendees(ctx, id); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, a *activity.Activity, host activity.Attendee) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO activities (id, title, description, category, date, city, venue) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Title, a.Description, a.Category, a.Date.UnixMilli(), a.City, a.Venue)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	host.IsHost = true
	if err := insertAttendee(ctx, tx, a.ID, host); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	a.Attendees = []activity.Attendee{host}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, a *activity.Activity) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE activities SET title = ?, description = ?, category = ?, date = ?, city = ?, venue = ? WHERE id = ?`,
		a.Title, a.Description, a.Category, a.Date.UnixMilli(), a.City, a.Venue, a.ID)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	return expectOne(res)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM activities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	return expectOne(res)
}

func (r *SQLiteRepository) Attend(ctx context.Context, id string, attendee activity.Attendee) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := activityExists(ctx, tx, id); err != nil {
		return err
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendees WHERE activity_id = ? AND username = ?`, id, attendee.Username).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrAlreadyAttending
	}
	attendee.IsHost = false
	if err := insertAttendee(ctx, tx, id, attendee); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) Unattend(ctx context.Context, id, username string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := activityExists(ctx, tx, id); err != nil {
		return err
	}
	var isHost bool
	err = tx.QueryRowContext(ctx, `SELECT is_host FROM attendees WHERE activity_id = ? AND username = ?`, id, username).Scan(&isHost)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotAttending
	}
	if err != nil {
		return err
	}
	if isHost {
		return ErrHostCannotLeave
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attendees WHERE activity_id = ? AND username = ?`, id, username); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) attendees(ctx context.Context, id string) ([]activity.Attendee, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT username, display_name, image, is_host FROM attendees WHERE activity_id = ? ORDER BY joined_at, username`, id)
	if err != nil {
		return nil, fmt.Errorf("list attendees: %w", err)
	}
	defer rows.Close()

	out := []activity.Attendee{}
	for rows.Next() {
		var at activity.Attendee
		if err := rows.Scan(&at.Username, &at.DisplayName, &at.Image, &at.IsHost); err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(s scanner) (*activity.Activity, error) {
	var (
		a    activity.Activity
		date int64
	)
	if err := s.Scan(&a.ID, &a.Title, &a.Description, &a.Category, &date, &a.City, &a.Venue); err != nil {
		return nil, err
	}
	a.Date = time.UnixMilli(date).UTC()
	a.Comments = []activity.Comment{}
	return &a, nil
}

func insertAttendee(ctx context.Context, tx *sql.Tx, id string, at activity.Attendee) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO attendees (activity_id, username, display_name, image, is_host, joined_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, at.Username, at.DisplayName, at.Image, at.IsHost, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert attendee: %w", err)
	}
	return nil
}

func activityExists(ctx context.Context, tx *sql.Tx, id string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
