// Package runstore records pose-graph runs, their frames and their edges in a SQLite database.
package runstore

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"
	// registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"go.viam.com/posegraph/logging"
	"go.viam.com/posegraph/spatialmath"
)

//go:embed schema.sql
var schemaSQL string

// ErrUnknownRun is returned when a run id is not in the database.
var ErrUnknownRun = errors.New("unknown run")

// Store is a run database.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Run summarizes one run.
type Run struct {
	ID          string
	ConfigPath  string
	SequenceDir string
	StartedAt   time.Time
	FinishedAt  time.Time
	Frames      int
	Edges       int
	LoopEdges   int
	Iterations  int
	Chi2Before  float64
	Chi2After   float64
}

// FrameRecord is a tracked frame and its camera to world pose.
type FrameRecord struct {
	FrameID   int
	Timestamp float64
	Keypoints int
	Stereo    int
	Pose      spatialmath.Pose
}

// EdgeRecord is an edge added to the graph.
type EdgeRecord struct {
	From    int
	To      int
	Kind    string
	Matches int
	Inliers int
	Norm    float64
}

// Summary is what is known about a run once it has been optimized.
type Summary struct {
	Iterations int
	LoopEdges  int
	Chi2Before float64
	Chi2After  float64
}

// Open opens or creates the database at path and ensures its schema exists.
func Open(ctx context.Context, path string, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "creating schema"), db.Close())
	}
	logger.Debugw("opened run database", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun starts a new run and returns its id.
func (s *Store) CreateRun(ctx context.Context, configPath, sequenceDir string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, config_path, sequence_dir, started_at) VALUES (?, ?, ?, ?)`,
		id, configPath, sequenceDir, time.Now().UnixMilli())
	if err != nil {
		return "", errors.Wrap(err, "failed to create run")
	}
	return id, nil
}

// RecordFrame stores one frame of a run.
func (s *Store) RecordFrame(ctx context.Context, runID string, rec FrameRecord) error {
	p := rec.Pose
	if p == nil {
		p = spatialmath.NewZeroPose()
	}
	t := p.Point()
	q := p.Orientation().Quaternion()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frames (run_id, frame_id, timestamp, keypoints, stereo, x, y, z, qw, qx, qy, qz)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.FrameID, rec.Timestamp, rec.Keypoints, rec.Stereo,
		t.X, t.Y, t.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
	if err != nil {
		return errors.Wrapf(err, "failed to record frame %d", rec.FrameID)
	}
	return nil
}

// RecordEdge stores one edge of a run.
func (s *Store) RecordEdge(ctx context.Context, runID string, rec EdgeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (run_id, from_id, to_id, kind, matches, inliers, norm)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.From, rec.To, rec.Kind, rec.Matches, rec.Inliers, rec.Norm)
	if err != nil {
		return errors.Wrapf(err, "failed to record edge %d->%d", rec.From, rec.To)
	}
	return nil
}

// FinishRun stamps the end of a run and stores its optimization summary. Frame and edge counts
// are taken from the recorded rows.
func (s *Store) FinishRun(ctx context.Context, runID string, summary Summary) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET
			finished_at = ?,
			frames = (SELECT COUNT(*) FROM frames WHERE run_id = ?),
			edges = (SELECT COUNT(*) FROM edges WHERE run_id = ?),
			loop_edges = ?,
			iterations = ?,
			chi2_before = ?,
			chi2_after = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), runID, runID,
		summary.LoopEdges, summary.Iterations, summary.Chi2Before, summary.Chi2After, runID)
	if err != nil {
		return errors.Wrap(err, "failed to finish run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrap(ErrUnknownRun, runID)
	}
	return nil
}

// Run returns the summary row of a run.
func (s *Store) Run(ctx context.Context, runID string) (*Run, error) {
	var (
		r          Run
		started    int64
		finished   sql.NullInt64
		chi2Before sql.NullFloat64
		chi2After  sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, config_path, sequence_dir, started_at, finished_at, frames, edges, loop_edges,
			iterations, chi2_before, chi2_after
		FROM runs WHERE id = ?`, runID).Scan(
		&r.ID, &r.ConfigPath, &r.SequenceDir, &started, &finished, &r.Frames, &r.Edges, &r.LoopEdges,
		&r.Iterations, &chi2Before, &chi2After)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrUnknownRun, runID)
	}
	if err != nil {
		return nil, err
	}
	r.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64)
	}
	r.Chi2Before = chi2Before.Float64
	r.Chi2After = chi2After.Float64
	return &r, nil
}

// Frames returns the frames of a run ordered by id.
func (s *Store) Frames(ctx context.Context, runID string) (_ []FrameRecord, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame_id, timestamp, keypoints, stereo, x, y, z, qw, qx, qy, qz
		FROM frames WHERE run_id = ? ORDER BY frame_id`, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); err == nil {
			err = closeErr
		}
	}()

	var out []FrameRecord
	for rows.Next() {
		var (
			rec FrameRecord
			t   r3.Vector
			q   quat.Number
		)
		if err := rows.Scan(&rec.FrameID, &rec.Timestamp, &rec.Keypoints, &rec.Stereo,
			&t.X, &t.Y, &t.Z, &q.Real, &q.Imag, &q.Jmag, &q.Kmag); err != nil {
			return nil, err
		}
		ori := spatialmath.Quaternion(q)
		rec.Pose = spatialmath.NewPose(t, &ori)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Edges returns the edges of a run in insertion order.
func (s *Store) Edges(ctx context.Context, runID string) (_ []EdgeRecord, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, to_id, kind, matches, inliers, norm
		FROM edges WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); err == nil {
			err = closeErr
		}
	}()

	var out []EdgeRecord
	for rows.Next() {
		var rec EdgeRecord
		if err := rows.Scan(&rec.From, &rec.To, &rec.Kind, &rec.Matches, &rec.Inliers, &rec.Norm); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
