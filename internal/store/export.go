package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/clearconsent/internal/model"
)

// ExportVerifications builds the audit export: every verification joined
// with its session and document, oldest first. Attempt numbers count the
// verifications within each session.
func (s *Store) ExportVerifications() (model.AuditExport, error) {
	out := model.AuditExport{GeneratedAt: now(), Records: []model.AuditRecord{}}

	var err error
	if out.SchemaVersion, err = s.GetMetadata(MetaSchemaVersion); err != nil {
		return out, fmt.Errorf("read schema version: %w", err)
	}
	if out.GeneratorModel, err = s.GetMetadata(MetaGeneratorModel); err != nil {
		return out, fmt.Errorf("read generator model: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT v.id, v.session_id, d.id, d.procedure_name, d.doctor_name, s.patient_name,
		       v.score, v.passed, v.remediation_topics, s.started_at, v.verified_at, v.origin, v.results
		FROM verifications v
		JOIN sessions s ON s.id = v.session_id
		JOIN documents d ON d.id = s.document_id
		ORDER BY v.verified_at, v.rowid`)
	if err != nil {
		return out, fmt.Errorf("query verifications: %w", err)
	}
	defer rows.Close()

	attempts := make(map[string]int)
	for rows.Next() {
		var (
			r                    model.AuditRecord
			patient              sql.NullString
			remediation, results string
		)
		if err := rows.Scan(&r.VerificationID, &r.SessionID, &r.DocumentID, &r.ProcedureName, &r.DoctorName, &patient,
			&r.Score, &r.Passed, &remediation, &r.SessionStartedAt, &r.VerifiedAt, &r.Origin, &results); err != nil {
			return out, fmt.Errorf("scan verification: %w", err)
		}
		r.PatientName = patient.String
		if err := json.Unmarshal([]byte(remediation), &r.RemediationTopics); err != nil {
			return out, fmt.Errorf("decode remediation topics of %s: %w", r.VerificationID, err)
		}
		if err := json.Unmarshal([]byte(results), &r.Answers); err != nil {
			return out, fmt.Errorf("decode results of %s: %w", r.VerificationID, err)
		}
		attempts[r.SessionID]++
		r.AttemptNumber = attempts[r.SessionID]
		out.Records = append(out.Records, r)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}
	out.Count = len(out.Records)
	return out, nil
}
