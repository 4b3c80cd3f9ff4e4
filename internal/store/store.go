// Package store persists enrolled faces and the alert log in PostgreSQL,
// with embeddings held in pgvector columns.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/types"
)

var (
	// ErrNotFound is returned when no row matches a name.
	ErrNotFound = errors.New("face not found")
	// ErrDimension is returned for embeddings that do not fit the column.
	ErrDimension = errors.New("embedding has wrong dimensionality")
)

// StoredFace is one enrolled face.
type StoredFace struct {
	ID       int64          `json:"id"`
	Identity types.Identity `json:"identity"`
	Image    []byte         `json:"-"`
}

// Neighbor is a face returned by a nearest-neighbour query.
type Neighbor struct {
	Name     string  `json:"name"`
	Distance float64 `json:"distance"`
}

// AlertFilter narrows ListAlerts. Zero fields match everything.
type AlertFilter struct {
	Name  string
	Since time.Time
	Limit int
}

// Store manages the PostgreSQL pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New connects, ensures the schema exists and returns a ready Store.
func New(ctx context.Context, connString string, dim int) (*Store, error) {
	if dim <= 0 {
		dim = types.DescriptorDim
	}

	// The vector type must exist before pooled connections can register it.
	boot, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	err = initSchema(ctx, boot, dim)
	boot.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, dim: dim}, nil
}

// initSchema creates the tables and the vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn, dim int) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS known_faces (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			name_key TEXT NOT NULL UNIQUE,
			embedding VECTOR(%d) NOT NULL,
			image BYTEA,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS alert_log (
			id UUID PRIMARY KEY,
			identity_name TEXT NOT NULL,
			emotion TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS alert_log_observed_at_idx ON alert_log (observed_at DESC);
	`, dim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveFace enrolls a face. Saving a name that already exists (after
// normalisation) replaces its embedding and image.
func (s *Store) SaveFace(ctx context.Context, id types.Identity, image []byte) (int64, error) {
	if len(id.Embedding) != s.dim {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(id.Embedding), s.dim)
	}
	registeredAt := id.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now()
	}

	var rowID int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO known_faces (name, name_key, embedding, image, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name_key) DO UPDATE
		SET name = EXCLUDED.name, embedding = EXCLUDED.embedding, image = EXCLUDED.image, registered_at = EXCLUDED.registered_at
		RETURNING id
	`, id.Name, registry.NormalizeName(id.Name), toVector(id.Embedding), image, registeredAt).Scan(&rowID)
	if err != nil {
		return 0, fmt.Errorf("save face %q: %w", id.Name, err)
	}
	return rowID, nil
}

// ListFaces returns every enrolled face in enrollment order.
func (s *Store) ListFaces(ctx context.Context, withImages bool) ([]StoredFace, error) {
	imageCol := "NULL::bytea"
	if withImages {
		imageCol = "image"
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, embedding, `+imageCol+`, registered_at
		FROM known_faces
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list faces: %w", err)
	}
	defer rows.Close()

	var faces []StoredFace
	for rows.Next() {
		var f StoredFace
		var vec pgvector.Vector
		if err := rows.Scan(&f.ID, &f.Identity.Name, &vec, &f.Image, &f.Identity.RegisteredAt); err != nil {
			return nil, err
		}
		f.Identity.Embedding = fromVector(vec)
		faces = append(faces, f)
	}
	return faces, rows.Err()
}

// GetFace returns one face by name, image included.
func (s *Store) GetFace(ctx context.Context, name string) (StoredFace, error) {
	var f StoredFace
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, embedding, image, registered_at FROM known_faces WHERE name_key = $1
	`, registry.NormalizeName(name)).Scan(&f.ID, &f.Identity.Name, &vec, &f.Image, &f.Identity.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredFace{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return StoredFace{}, err
	}
	f.Identity.Embedding = fromVector(vec)
	return f, nil
}

// DeleteFace removes a face by name.
func (s *Store) DeleteFace(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM known_faces WHERE name_key = $1", registry.NormalizeName(name))
	if err != nil {
		return fmt.Errorf("delete face %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// ClearFaces removes every enrolled face and returns how many were dropped.
func (s *Store) ClearFaces(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM known_faces")
	if err != nil {
		return 0, fmt.Errorf("clear faces: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NearestFaces returns up to limit enrolled faces ordered by Euclidean
// distance to embedding.
func (s *Store) NearestFaces(ctx context.Context, embedding []float64, limit int) ([]Neighbor, error) {
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(embedding), s.dim)
	}
	if limit <= 0 {
		limit = 1
	}
	// <-> is the L2 distance operator in pgvector
	rows, err := s.pool.Query(ctx, `
		SELECT name, embedding <-> $1 AS distance
		FROM known_faces
		ORDER BY embedding <-> $1
		LIMIT $2
	`, toVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("nearest faces: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.Name, &n.Distance); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// RecordAlert appends an alert to the log. Events without an ID get one.
func (s *Store) RecordAlert(ctx context.Context, ev types.AlertEvent) error {
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		id = uuid.New()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO alert_log (id, identity_name, emotion, score, observed_at)
		VALUES ($1::uuid, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, id.String(), ev.IdentityName, string(ev.Emotion), ev.Score, ev.ObservedAt)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// ListAlerts returns logged alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]types.AlertEvent, error) {
	query := `SELECT id::text, identity_name, emotion, score, observed_at FROM alert_log WHERE 1=1`
	var args []any
	if f.Name != "" {
		args = append(args, f.Name)
		query += fmt.Sprintf(" AND identity_name = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND observed_at >= $%d", len(args))
	}
	query += " ORDER BY observed_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []types.AlertEvent
	for rows.Next() {
		var ev types.AlertEvent
		var emotion string
		if err := rows.Scan(&ev.ID, &ev.IdentityName, &emotion, &ev.Score, &ev.ObservedAt); err != nil {
			return nil, err
		}
		ev.Emotion = types.Emotion(emotion)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// The schema is recreated on the next New.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS alert_log CASCADE;
		DROP TABLE IF EXISTS known_faces CASCADE;
	`)
	return err
}

func toVector(v []float64) pgvector.Vector {
	f := make([]float32, len(v))
	for i, x := range v {
		f[i] = float32(x)
	}
	return pgvector.NewVector(f)
}

func fromVector(v pgvector.Vector) []float64 {
	s := v.Slice()
	out := make([]float64, len(s))
	for i, x := range s {
		out[i] = float64(x)
	}
	return out
}
