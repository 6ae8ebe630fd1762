package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/clearconsent/internal/apperr"
	"github.com/pavelanni/clearconsent/internal/model"

	_ "modernc.org/sqlite"
)

// SchemaVersion is recorded in the metadata table on every migration.
const SchemaVersion = "1"

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		doctor_name TEXT NOT NULL,
		procedure_name TEXT NOT NULL,
		source_text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS explainers (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL UNIQUE,
		content TEXT NOT NULL,
		reading_level TEXT NOT NULL DEFAULT '6th grade',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		patient_name TEXT,
		state TEXT NOT NULL DEFAULT 'created',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		origin TEXT NOT NULL DEFAULT 'unknown',
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);

	CREATE TABLE IF NOT EXISTS verifications (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		results TEXT NOT NULL,
		score INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		remediation_topics TEXT NOT NULL DEFAULT '[]',
		verified_at DATETIME NOT NULL,
		origin TEXT NOT NULL DEFAULT 'unknown',
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_document ON sessions(document_id);
	CREATE INDEX IF NOT EXISTS idx_verifications_session ON verifications(session_id);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.SetMetadata(MetaSchemaVersion, SchemaVersion)
}

// CreateDocumentWithExplainer inserts a document and its explainer in one
// transaction. Either both rows exist afterwards or neither does.
func (s *Store) CreateDocumentWithExplainer(d model.Document, e model.Explainer) error {
	content, err := json.Marshal(e.Content)
	if err != nil {
		return fmt.Errorf("encode explainer content: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO documents (id, doctor_name, procedure_name, source_text, created_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.DoctorName, d.ProcedureName, d.SourceText, d.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO explainers (id, document_id, content, reading_level, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, d.ID, string(content), e.ReadingLevel, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert explainer: %w", err)
	}
	return tx.Commit()
}

// GetDocument returns a document by ID.
func (s *Store) GetDocument(id string) (model.Document, error) {
	var d model.Document
	err := s.db.QueryRow(
		`SELECT id, doctor_name, procedure_name, source_text, created_at FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.DoctorName, &d.ProcedureName, &d.SourceText, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, apperr.NotFound("document %s not found", id)
	}
	return d, err
}

// CountDocuments returns the number of stored documents.
func (s *Store) CountDocuments() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// GetExplainerByDocument returns the explainer generated for a document.
func (s *Store) GetExplainerByDocument(documentID string) (model.Explainer, error) {
	var (
		e       model.Explainer
		content string
	)
	err := s.db.QueryRow(
		`SELECT id, document_id, content, reading_level, created_at FROM explainers WHERE document_id = ?`, documentID,
	).Scan(&e.ID, &e.DocumentID, &content, &e.ReadingLevel, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, apperr.NotFound("explainer for document %s not found", documentID)
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
		return e, fmt.Errorf("decode explainer %s: %w", e.ID, err)
	}
	return e, nil
}

// CountExplainers returns the number of stored explainers.
func (s *Store) CountExplainers() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM explainers`).Scan(&count)
	return count, err
}

// CreateSession inserts a new patient session.
func (s *Store) CreateSession(sess model.Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, document_id, patient_name, state, started_at, origin) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.DocumentID, sess.PatientName, sess.State, sess.StartedAt, sess.Origin,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(id string) (model.Session, error) {
	var sess model.Session
	err := s.db.QueryRow(
		`SELECT id, document_id, patient_name, state, started_at, completed_at, origin FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.DocumentID, &sess.PatientName, &sess.State, &sess.StartedAt, &sess.CompletedAt, &sess.Origin)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, apperr.NotFound("session %s not found", id)
	}
	return sess, err
}

// NameSession records the patient name and moves the session from `from` to
// `to`. It only succeeds while the session is in `from` and unnamed, so the
// first name written is the one kept.
func (s *Store) NameSession(id, name string, from, to model.SessionState) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET patient_name = ?, state = ? WHERE id = ? AND state = ? AND patient_name IS NULL`,
		name, to, id, from,
	)
	if err != nil {
		return fmt.Errorf("name session: %w", err)
	}
	return s.checkTransition(res, id, from)
}

// TransitionSession moves a session from `from` to `to`. It fails with a
// state violation if the session is no longer in `from`.
func (s *Store) TransitionSession(id string, from, to model.SessionState) error {
	res, err := s.db.Exec(`UPDATE sessions SET state = ? WHERE id = ? AND state = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	return s.checkTransition(res, id, from)
}

func (s *Store) checkTransition(res sql.Result, id string, from model.SessionState) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	sess, err := s.GetSession(id)
	if err != nil {
		return err
	}
	return apperr.StateViolation("session %s is %s, expected %s", id, sess.State, from)
}

// RecordVerification inserts a graded attempt and moves the session out of
// `from` in the same transaction. When `to` is passed the completion time is
// set to the verification time.
func (s *Store) RecordVerification(v model.Verification, from, to model.SessionState) error {
	results, err := json.Marshal(v.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	topics := v.RemediationTopics
	if topics == nil {
		topics = []string{}
	}
	remediation, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("encode remediation topics: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO verifications (id, session_id, results, score, passed, remediation_topics, verified_at, origin)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.SessionID, string(results), v.Score, v.Passed, string(remediation), v.VerifiedAt, v.Origin,
	); err != nil {
		return fmt.Errorf("insert verification: %w", err)
	}

	query := `UPDATE sessions SET state = ? WHERE id = ? AND state = ?`
	args := []any{to, v.SessionID, from}
	if to == model.StatePassed {
		query = `UPDATE sessions SET state = ?, completed_at = ? WHERE id = ? AND state = ?`
		args = []any{to, v.VerifiedAt, v.SessionID, from}
	}
	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return apperr.StateViolation("session %s is no longer %s", v.SessionID, from)
	}
	return tx.Commit()
}

const verificationColumns = `id, session_id, results, score, passed, remediation_topics, verified_at, origin`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerification(row rowScanner) (model.Verification, error) {
	var (
		v                    model.Verification
		results, remediation string
	)
	if err := row.Scan(&v.ID, &v.SessionID, &results, &v.Score, &v.Passed, &remediation, &v.VerifiedAt, &v.Origin); err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(results), &v.Results); err != nil {
		return v, fmt.Errorf("decode results of %s: %w", v.ID, err)
	}
	if err := json.Unmarshal([]byte(remediation), &v.RemediationTopics); err != nil {
		return v, fmt.Errorf("decode remediation topics of %s: %w", v.ID, err)
	}
	return v, nil
}

// GetVerification returns a verification by ID.
func (s *Store) GetVerification(id string) (model.Verification, error) {
	v, err := scanVerification(s.db.QueryRow(`SELECT `+verificationColumns+` FROM verifications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return v, apperr.NotFound("verification %s not found", id)
	}
	return v, err
}

// ListVerificationsForSession returns a session's attempts, oldest first.
func (s *Store) ListVerificationsForSession(sessionID string) ([]model.Verification, error) {
	rows, err := s.db.Query(
		`SELECT `+verificationColumns+` FROM verifications WHERE session_id = ? ORDER BY verified_at, rowid`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountVerifications returns the number of stored verifications.
func (s *Store) CountVerifications() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM verifications`).Scan(&count)
	return count, err
}

func now() time.Time {
	return time.Now().UTC()
}
