package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sifter/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const runColumns = `r.id, COALESCE(r.label,''), r.created_at, (SELECT COUNT(*) FROM records rec WHERE rec.run_id=r.id)`

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var run domain.Run
	err := row.Scan(&run.ID, &run.Label, &run.CreatedAt, &run.RecordCount)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

// CreateRunTx inserts a new run with a fresh id.
func (r Repo) CreateRunTx(ctx context.Context, tx *sql.Tx, label string, now time.Time) (domain.Run, error) {
	run := domain.Run{
		ID:        uuid.New().String(),
		Label:     label,
		CreatedAt: now.UTC().Format(time.RFC3339Nano),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,label,created_at) VALUES (?,?,?)`, run.ID, nullable(label), run.CreatedAt); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return getRun(ctx, r.DB, id)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return getRun(ctx, tx, id)
}

func getRun(ctx context.Context, q querier, id string) (domain.Run, error) {
	return scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs r WHERE r.id=?`, id))
}

// LatestRun returns the most recently imported run.
func (r Repo) LatestRun(ctx context.Context) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs r ORDER BY r.created_at DESC, r.rowid DESC LIMIT 1`))
}

func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs r ORDER BY r.created_at DESC, r.rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRun(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRecordTx(ctx context.Context, tx *sql.Tx, rec domain.Record) (domain.Record, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO records(run_id,name,data_json,created_at) VALUES (?,?,?,?)`,
		rec.RunID, rec.Name, string(rec.Data), rec.CreatedAt)
	if err != nil {
		return domain.Record{}, fmt.Errorf("insert record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Record{}, err
	}
	rec.ID = id
	return rec, nil
}

// ListRecords returns every record of a run in import order.
func (r Repo) ListRecords(ctx context.Context, runID string) ([]domain.Record, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,name,data_json,created_at FROM records WHERE run_id=? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		var rec domain.Record
		var data string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Name, &data, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Data = json.RawMessage(data)
		res = append(res, rec)
	}
	return res, rows.Err()
}

const artifactColumns = `id,run_id,analysis_type,fingerprint,fingerprint_hash,analysis,top_ids_json,meta_json,created_at`

func scanArtifact(row interface{ Scan(...any) error }) (domain.Artifact, error) {
	var (
		a        domain.Artifact
		hash     int64
		topIDs   string
		metaJSON string
	)
	err := row.Scan(&a.ID, &a.RunID, &a.AnalysisType, &a.Fingerprint, &hash, &a.Analysis, &topIDs, &metaJSON, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.FingerprintHash = uint64(hash)
	if err := json.Unmarshal([]byte(topIDs), &a.TopIDs); err != nil {
		return a, fmt.Errorf("decode top ids of artifact %d: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &a.Meta); err != nil {
		return a, fmt.Errorf("decode meta of artifact %d: %w", a.ID, err)
	}
	return a, nil
}

// FindArtifact returns the newest artifact for a fingerprint triple.
func (r Repo) FindArtifact(ctx context.Context, runID, analysisType, fingerprint string, hash uint64) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
WHERE fingerprint_hash=? AND run_id=? AND analysis_type=? AND fingerprint=?
ORDER BY id DESC LIMIT 1`, int64(hash), runID, analysisType, fingerprint))
}

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) (domain.Artifact, error) {
	if a.TopIDs == nil {
		a.TopIDs = []int64{}
	}
	if a.Meta == nil {
		a.Meta = map[string]any{}
	}
	topIDs, err := json.Marshal(a.TopIDs)
	if err != nil {
		return domain.Artifact{}, err
	}
	meta, err := json.Marshal(a.Meta)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("marshal artifact meta: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO artifacts(run_id,analysis_type,fingerprint,fingerprint_hash,analysis,top_ids_json,meta_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.RunID, a.AnalysisType, a.Fingerprint, int64(a.FingerprintHash), a.Analysis, string(topIDs), string(meta), a.CreatedAt)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Artifact{}, err
	}
	return scanArtifact(tx.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
}

func (r Repo) GetArtifact(ctx context.Context, id int64) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
}

// ListArtifacts lists artifacts newest first; empty filters match everything.
func (r Repo) ListArtifacts(ctx context.Context, runID, analysisType string, limit int) ([]domain.Artifact, error) {
	var (
		clauses []string
		args    []any
	)
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if analysisType != "" {
		clauses = append(clauses, "analysis_type=?")
		args = append(args, analysisType)
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, runID, evtType)
}

// LatestEventsFrom pages backwards from beforeID (0 starts at the newest event).
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, beforeID int64, runID, evtType string) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if beforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, beforeID)
	}
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
