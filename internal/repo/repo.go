package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"fieldgate/internal/config"
	"fieldgate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict means a conditional update observed a stale
	// document version; the caller lost an optimistic-concurrency race
	// and may retry from a fresh read.
	ErrVersionConflict = errors.New("version conflict")
)

// --- organizations ---

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

// --- org config ---

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, r.DB, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, nil, tx, orgID, cfg)
}

func upsertOrgConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := marshalConfigYAML(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	query := `INSERT INTO org_configs(org_id, config_yaml, updated_at) VALUES (?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, orgID, data, now)
	} else {
		_, err = db.ExecContext(ctx, query, orgID, data, now)
	}
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM org_configs WHERE org_id=?`, orgID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,status,description,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,status,description,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,status,COALESCE(description,''),created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	query := `SELECT id,org_id,name,status,COALESCE(description,''),created_at FROM projects`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- risk assessments ---

func (r Repo) InsertAssessment(ctx context.Context, tx *sql.Tx, a domain.RiskAssessment) error {
	stepsJSON, err := json.Marshal(a.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	workflowJSON, err := marshalWorkflow(a.Workflow)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO risk_assessments(
id,org_id,project_id,title,description,steps_json,overall_risk_score,overall_risk_level,
status,workflow_json,version,created_by,created_at,updated_at,submitted_at,approved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OrgID, a.ProjectID, a.Title, nullable(a.Description), string(stepsJSON),
		a.OverallRiskScore, a.OverallRiskLevel, a.Status, workflowJSON, a.Version,
		a.CreatedBy, a.CreatedAt, a.UpdatedAt, nullablePtr(a.SubmittedAt), nullablePtr(a.ApprovedAt))
	return err
}

func (r Repo) GetAssessment(ctx context.Context, id string) (domain.RiskAssessment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT
id,org_id,project_id,title,COALESCE(description,''),steps_json,overall_risk_score,overall_risk_level,
status,workflow_json,version,created_by,created_at,updated_at,submitted_at,approved_at
FROM risk_assessments WHERE id=?`, id)
	return scanAssessment(row)
}

func scanAssessment(row *sql.Row) (domain.RiskAssessment, error) {
	var a domain.RiskAssessment
	var stepsJSON string
	var workflowJSON, submittedAt, approvedAt sql.NullString
	err := row.Scan(&a.ID, &a.OrgID, &a.ProjectID, &a.Title, &a.Description, &stepsJSON,
		&a.OverallRiskScore, &a.OverallRiskLevel, &a.Status, &workflowJSON, &a.Version,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt, &submittedAt, &approvedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &a.Steps); err != nil {
		return a, fmt.Errorf("unmarshal steps for %s: %w", a.ID, err)
	}
	if workflowJSON.Valid && workflowJSON.String != "" {
		var wf domain.ApprovalWorkflow
		if err := json.Unmarshal([]byte(workflowJSON.String), &wf); err != nil {
			return a, fmt.Errorf("unmarshal workflow for %s: %w", a.ID, err)
		}
		a.Workflow = &wf
	}
	if submittedAt.Valid {
		a.SubmittedAt = &submittedAt.String
	}
	if approvedAt.Valid {
		a.ApprovedAt = &approvedAt.String
	}
	return a, nil
}

func (r Repo) ListAssessments(ctx context.Context, projectID, status string) ([]domain.RiskAssessment, error) {
	query := `SELECT
id,org_id,project_id,title,COALESCE(description,''),steps_json,overall_risk_score,overall_risk_level,
status,workflow_json,version,created_by,created_at,updated_at,submitted_at,approved_at
FROM risk_assessments WHERE project_id=?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RiskAssessment
	for rows.Next() {
		var a domain.RiskAssessment
		var stepsJSON string
		var workflowJSON, submittedAt, approvedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.OrgID, &a.ProjectID, &a.Title, &a.Description, &stepsJSON,
			&a.OverallRiskScore, &a.OverallRiskLevel, &a.Status, &workflowJSON, &a.Version,
			&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt, &submittedAt, &approvedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stepsJSON), &a.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps for %s: %w", a.ID, err)
		}
		if workflowJSON.Valid && workflowJSON.String != "" {
			var wf domain.ApprovalWorkflow
			if err := json.Unmarshal([]byte(workflowJSON.String), &wf); err != nil {
				return nil, fmt.Errorf("unmarshal workflow for %s: %w", a.ID, err)
			}
			a.Workflow = &wf
		}
		if submittedAt.Valid {
			a.SubmittedAt = &submittedAt.String
		}
		if approvedAt.Valid {
			a.ApprovedAt = &approvedAt.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAssessmentCAS writes the full assessment document conditioned on
// expectedVersion and bumps the stored version. A stale expectedVersion
// affects zero rows and returns ErrVersionConflict, so two racing
// writers cannot both land.
func (r Repo) UpdateAssessmentCAS(ctx context.Context, tx *sql.Tx, a domain.RiskAssessment, expectedVersion int64) error {
	stepsJSON, err := json.Marshal(a.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	workflowJSON, err := marshalWorkflow(a.Workflow)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE risk_assessments SET
title=?, description=?, steps_json=?, overall_risk_score=?, overall_risk_level=?,
status=?, workflow_json=?, version=version+1, updated_at=?, submitted_at=?, approved_at=?
WHERE id=? AND version=?`,
		a.Title, nullable(a.Description), string(stepsJSON), a.OverallRiskScore, a.OverallRiskLevel,
		a.Status, workflowJSON, a.UpdatedAt, nullablePtr(a.SubmittedAt), nullablePtr(a.ApprovedAt),
		a.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return casMiss(ctx, tx, "risk_assessments", a.ID)
	}
	return nil
}

// casMiss disambiguates a zero-row conditional update. The row is probed
// through the caller's own transaction: reading through the pool here
// would block on the write lock that transaction still holds.
func casMiss(ctx context.Context, tx *sql.Tx, table, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}

func marshalWorkflow(wf *domain.ApprovalWorkflow) (any, error) {
	if wf == nil {
		return nil, nil
	}
	b, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}
	return string(b), nil
}

// --- lmra sessions ---

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.LMRASession) error {
	team, err := marshalJSONList(s.TeamMembers)
	if err != nil {
		return err
	}
	env, err := marshalChecks(s.EnvironmentalChecks)
	if err != nil {
		return err
	}
	pers, err := marshalChecks(s.PersonnelChecks)
	if err != nil {
		return err
	}
	equip, err := marshalChecks(s.EquipmentChecks)
	if err != nil {
		return err
	}
	photos, err := marshalJSONList(s.Photos)
	if err != nil {
		return err
	}
	sig, err := marshalSignature(s.Signature)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO lmra_sessions(
id,tra_id,project_id,performed_by,team_members_json,location,environmental_json,personnel_json,
equipment_json,photos_json,overall_assessment,comments,signature_json,started_at,completed_at,
duration_seconds,sync_status,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TRAID, s.ProjectID, s.PerformedBy, team, nullable(s.Location), env, pers,
		equip, photos, nullable(s.OverallAssessment), nullable(s.Comments), sig, s.StartedAt,
		nullablePtr(s.CompletedAt), nullableInt(s.DurationSeconds), s.SyncStatus, s.Version)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.LMRASession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT
id,tra_id,project_id,performed_by,team_members_json,location,environmental_json,personnel_json,
equipment_json,photos_json,overall_assessment,comments,signature_json,started_at,completed_at,
duration_seconds,sync_status,version
FROM lmra_sessions WHERE id=?`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.LMRASession, error) {
	var s domain.LMRASession
	var team, location, env, pers, equip, photos, assessment, comments, sig, completedAt sql.NullString
	var duration sql.NullInt64
	err := row.Scan(&s.ID, &s.TRAID, &s.ProjectID, &s.PerformedBy, &team, &location, &env, &pers,
		&equip, &photos, &assessment, &comments, &sig, &s.StartedAt, &completedAt,
		&duration, &s.SyncStatus, &s.Version)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if location.Valid {
		s.Location = location.String
	}
	if assessment.Valid {
		s.OverallAssessment = assessment.String
	}
	if comments.Valid {
		s.Comments = comments.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	if duration.Valid {
		s.DurationSeconds = &duration.Int64
	}
	if err := unmarshalNullString(team, &s.TeamMembers); err != nil {
		return s, err
	}
	if err := unmarshalNullString(env, &s.EnvironmentalChecks); err != nil {
		return s, err
	}
	if err := unmarshalNullString(pers, &s.PersonnelChecks); err != nil {
		return s, err
	}
	if err := unmarshalNullString(equip, &s.EquipmentChecks); err != nil {
		return s, err
	}
	if err := unmarshalNullString(photos, &s.Photos); err != nil {
		return s, err
	}
	if sig.Valid && sig.String != "" {
		var v domain.StepSignature
		if err := json.Unmarshal([]byte(sig.String), &v); err != nil {
			return s, fmt.Errorf("unmarshal signature for %s: %w", s.ID, err)
		}
		s.Signature = &v
	}
	return s, nil
}

func (r Repo) ListSessions(ctx context.Context, traID, projectID string) ([]domain.LMRASession, error) {
	query := `SELECT
id,tra_id,project_id,performed_by,team_members_json,location,environmental_json,personnel_json,
equipment_json,photos_json,overall_assessment,comments,signature_json,started_at,completed_at,
duration_seconds,sync_status,version
FROM lmra_sessions WHERE 1=1`
	var args []any
	if traID != "" {
		query += ` AND tra_id=?`
		args = append(args, traID)
	}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY started_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LMRASession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSessionCAS is the conditional-write counterpart for sessions;
// see UpdateAssessmentCAS.
func (r Repo) UpdateSessionCAS(ctx context.Context, tx *sql.Tx, s domain.LMRASession, expectedVersion int64) error {
	team, err := marshalJSONList(s.TeamMembers)
	if err != nil {
		return err
	}
	env, err := marshalChecks(s.EnvironmentalChecks)
	if err != nil {
		return err
	}
	pers, err := marshalChecks(s.PersonnelChecks)
	if err != nil {
		return err
	}
	equip, err := marshalChecks(s.EquipmentChecks)
	if err != nil {
		return err
	}
	photos, err := marshalJSONList(s.Photos)
	if err != nil {
		return err
	}
	sig, err := marshalSignature(s.Signature)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE lmra_sessions SET
team_members_json=?, location=?, environmental_json=?, personnel_json=?, equipment_json=?,
photos_json=?, overall_assessment=?, comments=?, signature_json=?, completed_at=?,
duration_seconds=?, sync_status=?, version=version+1
WHERE id=? AND version=?`,
		team, nullable(s.Location), env, pers, equip,
		photos, nullable(s.OverallAssessment), nullable(s.Comments), sig, nullablePtr(s.CompletedAt),
		nullableInt(s.DurationSeconds), s.SyncStatus,
		s.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return casMiss(ctx, tx, "lmra_sessions", s.ID)
	}
	return nil
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id > cursor, oldest first, for webhook
// delivery.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{cursor}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

// --- helpers ---

func marshalConfigYAML(cfg *config.Config) (string, error) {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(b), nil
}

func marshalJSONList(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalChecks(in []domain.CheckItem) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalSignature(sig *domain.StepSignature) (any, error) {
	if sig == nil {
		return nil, nil
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalNullString[T any](raw sql.NullString, out *T) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), out)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
