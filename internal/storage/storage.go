package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"skydiff/internal/imaging"
	"skydiff/internal/sink"
	"skydiff/internal/sky"
	"skydiff/internal/track"
)

// Store wraps SQLite-backed persistence for jobs, batches and tracks.
type Store struct {
	DB *sql.DB // Export for direct database access
}

var _ sink.Sink = (*Store)(nil)

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; concurrent batch emits would otherwise hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS batches (
            id TEXT PRIMARY KEY,
            manifest_path TEXT,
            status TEXT NOT NULL,
            started_at TEXT,
            finished_at TEXT,
            units INTEGER,
            succeeded INTEGER,
            skipped INTEGER,
            candidates INTEGER,
            tracks INTEGER,
            halt_reason TEXT,
            report_json TEXT,
            expected_json TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS unit_failures (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            batch_id TEXT NOT NULL,
            pair_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            attempts INTEGER,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS tracks (
            batch_id TEXT NOT NULL,
            id TEXT NOT NULL,
            ra REAL NOT NULL,
            dec REAL NOT NULL,
            state TEXT NOT NULL,
            confidence REAL,
            reject_reason TEXT,
            validation TEXT,
            match_id TEXT,
            match_class TEXT,
            separation_arcsec REAL,
            first_seen TEXT,
            last_seen TEXT,
            partition_key TEXT,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (batch_id, id)
        );`,
		`CREATE TABLE IF NOT EXISTS observations (
            batch_id TEXT NOT NULL,
            track_id TEXT NOT NULL,
            seq INTEGER NOT NULL,
            candidate_id TEXT NOT NULL,
            pair_id TEXT,
            obs_time TEXT NOT NULL,
            ra REAL NOT NULL,
            dec REAL NOT NULL,
            flux REAL,
            significance REAL,
            snr REAL,
            PRIMARY KEY (batch_id, track_id, seq)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_state ON tracks(state);`,
		`CREATE INDEX IF NOT EXISTS idx_unit_failures_batch ON unit_failures(batch_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// BatchRecord is the persisted summary of one batch run.
type BatchRecord struct {
	ID           string          `json:"id"`
	ManifestPath string          `json:"manifest_path"`
	Status       string          `json:"status"` // running, completed, halted
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Units        int             `json:"units"`
	Succeeded    int             `json:"succeeded"`
	Skipped      int             `json:"skipped"`
	Candidates   int             `json:"candidates"`
	Tracks       int             `json:"tracks"`
	HaltReason   string          `json:"halt_reason,omitempty"`
	Report       json.RawMessage `json:"report,omitempty"`
	Expected     []string        `json:"expected,omitempty"`
}

// UnitFailureRecord is one skipped map unit.
type UnitFailureRecord struct {
	PairID   string `json:"pair_id"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// SaveBatch upserts the batch summary and replaces its unit failures.
func (s *Store) SaveBatch(rec BatchRecord, failures []UnitFailureRecord) error {
	if s == nil {
		return nil
	}
	expected, _ := json.Marshal(rec.Expected)
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO batches (id, manifest_path, status, started_at, finished_at, units, succeeded, skipped, candidates, tracks, halt_reason, report_json, expected_json)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.ManifestPath, rec.Status, formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
		rec.Units, rec.Succeeded, rec.Skipped, rec.Candidates, rec.Tracks, rec.HaltReason, string(rec.Report), string(expected))
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM unit_failures WHERE batch_id=?;`, rec.ID); err != nil {
		return err
	}
	for _, f := range failures {
		if _, err := tx.Exec(`INSERT INTO unit_failures (batch_id, pair_id, kind, attempts, error_message) VALUES (?, ?, ?, ?, ?);`,
			rec.ID, f.PairID, f.Kind, f.Attempts, f.Error); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const batchColumns = `id, manifest_path, status, started_at, finished_at, units, succeeded, skipped, candidates, tracks, halt_reason, report_json, expected_json`

func scanBatch(row interface{ Scan(...any) error }) (BatchRecord, error) {
	var (
		rec                                  BatchRecord
		manifest, started, finished, halt    sql.NullString
		report, expected                     sql.NullString
		units, ok, skipped, candidates, trks sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &manifest, &rec.Status, &started, &finished, &units, &ok, &skipped, &candidates, &trks, &halt, &report, &expected); err != nil {
		return BatchRecord{}, err
	}
	rec.ManifestPath = manifest.String
	rec.StartedAt = parseTime(started.String)
	rec.FinishedAt = parseTime(finished.String)
	rec.Units, rec.Succeeded, rec.Skipped = int(units.Int64), int(ok.Int64), int(skipped.Int64)
	rec.Candidates, rec.Tracks = int(candidates.Int64), int(trks.Int64)
	rec.HaltReason = halt.String
	if report.String != "" {
		rec.Report = json.RawMessage(report.String)
	}
	if expected.String != "" && expected.String != "null" {
		if err := json.Unmarshal([]byte(expected.String), &rec.Expected); err != nil {
			return BatchRecord{}, fmt.Errorf("unmarshal expected: %w", err)
		}
	}
	return rec, nil
}

// Batch loads one batch. It returns sql.ErrNoRows when the id is unknown.
func (s *Store) Batch(id string) (BatchRecord, error) {
	if s == nil {
		return BatchRecord{}, errors.New("store not initialized")
	}
	return scanBatch(s.DB.QueryRow(`SELECT `+batchColumns+` FROM batches WHERE id=?;`, id))
}

// RecentBatches returns the latest batches up to limit.
func (s *Store) RecentBatches(limit int) ([]BatchRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+batchColumns+` FROM batches ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchRecord
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UnitFailures lists the skipped units of a batch.
func (s *Store) UnitFailures(batchID string) ([]UnitFailureRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT pair_id, kind, attempts, error_message FROM unit_failures WHERE batch_id=? ORDER BY id;`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UnitFailureRecord
	for rows.Next() {
		var f UnitFailureRecord
		var msg sql.NullString
		if err := rows.Scan(&f.PairID, &f.Kind, &f.Attempts, &msg); err != nil {
			return nil, err
		}
		f.Error = msg.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// Emit upserts a finalised track and replaces its observations, so the
// store can sit behind the engine as a sink.
func (s *Store) Emit(ctx context.Context, rec sink.TrackRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO tracks (batch_id, id, ra, dec, state, confidence, reject_reason, validation, match_id, match_class, separation_arcsec, first_seen, last_seen, partition_key, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		rec.BatchID, rec.TrackID, rec.RA, rec.Dec, rec.State, rec.Confidence, rec.RejectReason, rec.Validation,
		rec.MatchID, rec.MatchClass, rec.SeparationArcsec, formatTime(rec.First), formatTime(rec.Last), rec.Partition)
	if err != nil {
		return fmt.Errorf("store track %s: %w", rec.TrackID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE batch_id=? AND track_id=?;`, rec.BatchID, rec.TrackID); err != nil {
		return err
	}
	for i, o := range rec.Observations {
		_, err := tx.ExecContext(ctx, `INSERT INTO observations (batch_id, track_id, seq, candidate_id, pair_id, obs_time, ra, dec, flux, significance, snr)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			rec.BatchID, rec.TrackID, i, o.CandidateID, o.PairID, formatTime(o.Time), o.RA, o.Dec, o.Flux, o.Significance, o.SNR)
		if err != nil {
			return fmt.Errorf("store observation %s: %w", o.CandidateID, err)
		}
	}
	return tx.Commit()
}

// TrackRecords returns the stored records of a batch ordered by track id.
// state filters when non-empty.
func (s *Store) TrackRecords(batchID, state string) ([]sink.TrackRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	query := `SELECT id, ra, dec, state, confidence, reject_reason, validation, match_id, match_class, separation_arcsec, first_seen, last_seen, partition_key FROM tracks WHERE batch_id=?`
	args := []any{batchID}
	if state != "" {
		query += ` AND state=?`
		args = append(args, state)
	}
	rows, err := s.DB.Query(query+` ORDER BY id;`, args...)
	if err != nil {
		return nil, err
	}
	var out []sink.TrackRecord
	for rows.Next() {
		rec := sink.TrackRecord{BatchID: batchID}
		var reject, validation, matchID, matchClass, first, last, part sql.NullString
		var conf, sep sql.NullFloat64
		if err := rows.Scan(&rec.TrackID, &rec.RA, &rec.Dec, &rec.State, &conf, &reject, &validation, &matchID, &matchClass, &sep, &first, &last, &part); err != nil {
			rows.Close()
			return nil, err
		}
		rec.Confidence, rec.SeparationArcsec = conf.Float64, sep.Float64
		rec.RejectReason, rec.Validation = reject.String, validation.String
		rec.MatchID, rec.MatchClass, rec.Partition = matchID.String, matchClass.String, part.String
		rec.First, rec.Last = parseTime(first.String), parseTime(last.String)
		out = append(out, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range out {
		obs, err := s.observations(batchID, out[i].TrackID)
		if err != nil {
			return nil, err
		}
		out[i].Observations = obs
	}
	return out, nil
}

func (s *Store) observations(batchID, trackID string) ([]sink.Observation, error) {
	rows, err := s.DB.Query(`SELECT candidate_id, pair_id, obs_time, ra, dec, flux, significance, snr FROM observations WHERE batch_id=? AND track_id=? ORDER BY seq;`, batchID, trackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	obs := []sink.Observation{}
	for rows.Next() {
		var o sink.Observation
		var pair, at sql.NullString
		var flux, sig, snr sql.NullFloat64
		if err := rows.Scan(&o.CandidateID, &pair, &at, &o.RA, &o.Dec, &flux, &sig, &snr); err != nil {
			return nil, err
		}
		o.PairID, o.Time = pair.String, parseTime(at.String)
		o.Flux, o.Significance, o.SNR = flux.Float64, sig.Float64, snr.Float64
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// LoadTracks rebuilds a batch's tracks for revalidation.
func (s *Store) LoadTracks(batchID string) ([]*track.EventTrack, error) {
	recs, err := s.TrackRecords(batchID, "")
	if err != nil {
		return nil, err
	}
	out := make([]*track.EventTrack, 0, len(recs))
	for _, rec := range recs {
		cands := make([]imaging.Candidate, 0, len(rec.Observations))
		for _, o := range rec.Observations {
			cands = append(cands, imaging.Candidate{
				ID:               o.CandidateID,
				PairID:           o.PairID,
				Coord:            sky.Coord{RA: o.RA, Dec: o.Dec},
				Flux:             o.Flux,
				PeakSignificance: o.Significance,
				SNR:              o.SNR,
				Time:             o.Time,
			})
		}
		t := track.Restore(rec.TrackID, track.State(rec.State), cands)
		t.Confidence = rec.Confidence
		t.RejectReason = rec.RejectReason
		t.Partition = rec.Partition
		t.Validation = track.Validation{
			Outcome:          track.Outcome(rec.Validation),
			MatchID:          rec.MatchID,
			MatchClass:       rec.MatchClass,
			SeparationArcsec: rec.SeparationArcsec,
		}
		out = append(out, t)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
