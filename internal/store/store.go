// Package store is the persistent repository for papers, sessions and every
// citation-first artifact (screening records, evidence spans, study cards,
// claims, reports).
//
// Each collection is keyed by id and upserts are idempotent on
// (session_id, entity_id), so re-running a phase against the same inputs is
// a no-op at the storage layer. Entities are stored as JSON with the columns
// the pipeline queries broken out alongside.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/DuyTa506/tiny-researcher/internal/core"
)

// Store wraps the SQLite database holding all collections.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (or creates) the repository database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "researcher.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS papers (
			id            TEXT PRIMARY KEY,
			metadata_hash TEXT,
			arxiv_id      TEXT,
			doi           TEXT,
			status        TEXT,
			data          TEXT,
			updated_at    DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_papers_hash ON papers (metadata_hash);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			phase      TEXT,
			data       TEXT,
			updated_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS screening_records (
			session_id TEXT,
			paper_id   TEXT,
			data       TEXT,
			PRIMARY KEY (session_id, paper_id)
		);`,
		`CREATE TABLE IF NOT EXISTS evidence_spans (
			session_id TEXT,
			id         TEXT,
			paper_id   TEXT,
			data       TEXT,
			PRIMARY KEY (session_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS study_cards (
			session_id TEXT,
			id         TEXT,
			paper_id   TEXT,
			data       TEXT,
			PRIMARY KEY (session_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS claims (
			session_id TEXT,
			id         TEXT,
			data       TEXT,
			PRIMARY KEY (session_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS reports (
			session_id TEXT PRIMARY KEY,
			id         TEXT,
			data       TEXT
		);`,
	}
	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- papers (process-wide registry) ---

// PutPaper registers a paper. If a paper with the same metadata hash already
// exists, the existing record is returned unchanged and created is false:
// submitting the same metadata twice yields one record.
func (s *Store) PutPaper(p core.Paper) (core.Paper, bool, error) {
	if p.MetadataHash == "" {
		p.MetadataHash = core.Fingerprint(p.Title, core.FirstAuthor(p.Authors))
	}

	var existing string
	err := s.db.QueryRow(`SELECT data FROM papers WHERE metadata_hash = ?`, p.MetadataHash).Scan(&existing)
	if err == nil {
		var prev core.Paper
		if jsonErr := json.Unmarshal([]byte(existing), &prev); jsonErr == nil {
			return prev, false, nil
		}
	} else if err != sql.ErrNoRows {
		return core.Paper{}, false, fmt.Errorf("failed to look up paper by hash: %w", err)
	}

	if err := s.writePaper(p); err != nil {
		return core.Paper{}, false, err
	}
	return p, true, nil
}

// UpdatePaper overwrites a paper record by id.
func (s *Store) UpdatePaper(p core.Paper) error {
	return s.writePaper(p)
}

func (s *Store) writePaper(p core.Paper) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal paper %s: %w", p.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO papers (id, metadata_hash, arxiv_id, doi, status, data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.MetadataHash, p.ArxivID, p.DOI, string(p.Status), string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store paper %s: %w", p.ID, err)
	}
	return nil
}

// GetPaper returns a paper by id, or (nil, nil) when absent.
func (s *Store) GetPaper(id string) (*core.Paper, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM papers WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read paper %s: %w", id, err)
	}
	var p core.Paper
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode paper %s: %w", id, err)
	}
	return &p, nil
}

// GetPapers returns the papers for a list of ids, skipping unknown ids and
// preserving input order.
func (s *Store) GetPapers(ids []string) ([]core.Paper, error) {
	papers := make([]core.Paper, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPaper(id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			papers = append(papers, *p)
		}
	}
	return papers, nil
}

// UpdatePaperStatus advances a paper's lifecycle status. Backward moves are
// ignored to keep the lifecycle monotonic.
func (s *Store) UpdatePaperStatus(id string, status core.PaperStatus) error {
	p, err := s.GetPaper(id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("paper %s not found", id)
	}
	if !core.StatusAdvances(p.Status, status) {
		return nil
	}
	p.Status = status
	return s.writePaper(*p)
}

// --- sessions ---

// SaveSession upserts a session.
func (s *Store) SaveSession(sess *core.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sessions (id, phase, data, updated_at) VALUES (?, ?, ?, ?)`,
		sess.ID, string(sess.Phase), string(data), sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns a session by id, or (nil, nil) when absent.
func (s *Store) GetSession(id string) (*core.Session, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	var sess core.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

// --- screening records ---

// PutScreeningRecord upserts the one record per (session, paper).
func (s *Store) PutScreeningRecord(r core.ScreeningRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal screening record: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO screening_records (session_id, paper_id, data) VALUES (?, ?, ?)`,
		r.SessionID, r.PaperID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store screening record: %w", err)
	}
	return nil
}

// ListScreeningRecords returns all screening records for a session.
func (s *Store) ListScreeningRecords(sessionID string) ([]core.ScreeningRecord, error) {
	return listJSON[core.ScreeningRecord](s.db,
		`SELECT data FROM screening_records WHERE session_id = ? ORDER BY paper_id`, sessionID)
}

// --- evidence spans ---

// PutSpan upserts an evidence span. Span ids are deterministic, so replays
// overwrite identical content.
func (s *Store) PutSpan(sessionID string, span core.EvidenceSpan) error {
	data, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("failed to marshal span %s: %w", span.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO evidence_spans (session_id, id, paper_id, data) VALUES (?, ?, ?, ?)`,
		sessionID, span.ID, span.PaperID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store span %s: %w", span.ID, err)
	}
	return nil
}

// GetSpan returns one span by id within a session, or (nil, nil).
func (s *Store) GetSpan(sessionID, spanID string) (*core.EvidenceSpan, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT data FROM evidence_spans WHERE session_id = ? AND id = ?`, sessionID, spanID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read span %s: %w", spanID, err)
	}
	var span core.EvidenceSpan
	if err := json.Unmarshal([]byte(data), &span); err != nil {
		return nil, fmt.Errorf("failed to decode span %s: %w", spanID, err)
	}
	return &span, nil
}

// ListSpans returns all spans for a session ordered by id.
func (s *Store) ListSpans(sessionID string) ([]core.EvidenceSpan, error) {
	return listJSON[core.EvidenceSpan](s.db,
		`SELECT data FROM evidence_spans WHERE session_id = ? ORDER BY id`, sessionID)
}

// --- study cards ---

// PutCard upserts a study card.
func (s *Store) PutCard(sessionID string, card core.StudyCard) error {
	data, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("failed to marshal card %s: %w", card.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO study_cards (session_id, id, paper_id, data) VALUES (?, ?, ?, ?)`,
		sessionID, card.ID, card.PaperID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store card %s: %w", card.ID, err)
	}
	return nil
}

// ListCards returns all study cards for a session ordered by paper id, which
// gives downstream stages a stable paper order.
func (s *Store) ListCards(sessionID string) ([]core.StudyCard, error) {
	return listJSON[core.StudyCard](s.db,
		`SELECT data FROM study_cards WHERE session_id = ? ORDER BY paper_id`, sessionID)
}

// --- claims ---

// PutClaim upserts a claim. Audit repair rewrites claims in place.
func (s *Store) PutClaim(sessionID string, claim core.Claim) error {
	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("failed to marshal claim %s: %w", claim.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO claims (session_id, id, data) VALUES (?, ?, ?)`,
		sessionID, claim.ID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store claim %s: %w", claim.ID, err)
	}
	return nil
}

// DeleteClaim removes a claim dropped by the auditor.
func (s *Store) DeleteClaim(sessionID, claimID string) error {
	_, err := s.db.Exec(`DELETE FROM claims WHERE session_id = ? AND id = ?`, sessionID, claimID)
	if err != nil {
		return fmt.Errorf("failed to delete claim %s: %w", claimID, err)
	}
	return nil
}

// ListClaims returns all claims for a session ordered by id.
func (s *Store) ListClaims(sessionID string) ([]core.Claim, error) {
	return listJSON[core.Claim](s.db,
		`SELECT data FROM claims WHERE session_id = ? ORDER BY id`, sessionID)
}

// --- reports ---

// PutReport upserts the session's report (one per session).
func (s *Store) PutReport(r core.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO reports (session_id, id, data) VALUES (?, ?, ?)`,
		r.SessionID, r.ID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store report %s: %w", r.ID, err)
	}
	return nil
}

// GetReport returns the session's report, or (nil, nil).
func (s *Store) GetReport(sessionID string) (*core.Report, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM reports WHERE session_id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report for session %s: %w", sessionID, err)
	}
	var r core.Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode report for session %s: %w", sessionID, err)
	}
	return &r, nil
}

// listJSON scans a single-column data query into decoded values.
func listJSON[T any](db *sql.DB, query string, args ...any) ([]T, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode failed: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
