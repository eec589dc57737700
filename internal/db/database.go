package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var (
	ErrRoomExists        = errors.New("room already exists")
	ErrInvalidTransition = errors.New("invalid room status transition")
)

type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// ParseStatus accepts a status code in any case.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(s)); st {
	case StatusWaiting, StatusInProgress, StatusCompleted, StatusCancelled:
		return st, true
	}
	return "", false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusWaiting:
		return target == StatusInProgress || target == StatusCancelled
	case StatusInProgress:
		return target == StatusCompleted || target == StatusCancelled
	}
	return false
}

type Database struct {
	db     *sql.DB
	logger zerolog.Logger
}

type Room struct {
	Code        string
	Name        string
	Description string
	OwnerID     int64
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func New(dbPath string, logger zerolog.Logger) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	logger = logger.With().Str("component", "db").Logger()
	logger.Info().Str("path", dbPath).Msg("Database initialized")
	return &Database{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		room_code TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		owner_id INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'WAITING',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_owner_id ON rooms(owner_id);
	CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

const roomColumns = "room_code, name, description, owner_id, status, created_at, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (*Room, error) {
	var room Room
	var status string
	if err := s.Scan(&room.Code, &room.Name, &room.Description, &room.OwnerID, &status, &room.CreatedAt, &room.UpdatedAt); err != nil {
		return nil, err
	}
	room.Status = Status(status)
	return &room, nil
}

// CreateRoom inserts a WAITING room. ErrRoomExists is returned if the code is taken.
func (d *Database) CreateRoom(ctx context.Context, code, name, description string, ownerID int64) (*Room, error) {
	res, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (room_code, name, description, owner_id, status) VALUES (?, ?, ?, ?, ?)",
		code, name, description, ownerID, string(StatusWaiting),
	)
	if err != nil {
		return nil, fmt.Errorf("insert room %s: %w", code, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrRoomExists
	}
	return d.GetRoom(ctx, code)
}

const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 6
	codeAttempts = 5
)

func generateRoomCode() string {
	var b strings.Builder
	for i := 0; i < codeLength; i++ {
		b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
	}
	return b.String()
}

// CreateRoomWithGeneratedCode picks an unused code, retrying on collision.
func (d *Database) CreateRoomWithGeneratedCode(ctx context.Context, name, description string, ownerID int64) (*Room, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code := generateRoomCode()
		room, err := d.CreateRoom(ctx, code, name, description, ownerID)
		if errors.Is(err, ErrRoomExists) {
			d.logger.Debug().Str("room", code).Int("remaining", codeAttempts-attempt-1).Msg("Room code taken, retrying")
			continue
		}
		return room, err
	}
	return nil, fmt.Errorf("generate room code: %w", ErrRoomExists)
}

// GetRoom returns nil, nil when the room does not exist.
func (d *Database) GetRoom(ctx context.Context, code string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE room_code = ?",
		code,
	)

	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", code, err)
	}
	return room, nil
}

// RoomExists reports whether the room can be joined: it is stored and not cancelled.
func (d *Database) RoomExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rooms WHERE room_code = ? AND status != ?",
		code, string(StatusCancelled),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check room %s: %w", code, err)
	}
	return n > 0, nil
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms ORDER BY updated_at DESC, room_code LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// UpdateStatus moves a room to target if the lifecycle allows it.
func (d *Database) UpdateStatus(ctx context.Context, code string, target Status) (*Room, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM rooms WHERE room_code = ?", code).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s status: %w", code, err)
	}

	if !Status(current).CanTransitionTo(target) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, target)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE rooms SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE room_code = ?",
		string(target), code,
	); err != nil {
		return nil, fmt.Errorf("update room %s status: %w", code, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return d.GetRoom(ctx, code)
}

// DeleteRoom reports whether a room was removed.
func (d *Database) DeleteRoom(ctx context.Context, code string) (bool, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE room_code = ?", code)
	if err != nil {
		return false, fmt.Errorf("delete room %s: %w", code, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete room %s: %w", code, err)
	}
	return n > 0, nil
}

// Stats

type Stats struct {
	TotalRooms    int            `json:"total_rooms"`
	RoomsByStatus map[Status]int `json:"rooms_by_status"`
}

func (d *Database) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{RoomsByStatus: make(map[Status]int)}

	rows, err := d.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM rooms GROUP BY status")
	if err != nil {
		return stats, fmt.Errorf("room stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan room stats: %w", err)
		}
		stats.RoomsByStatus[Status(status)] = n
		stats.TotalRooms += n
	}
	return stats, rows.Err()
}
