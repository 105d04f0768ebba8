package server

import (
	"fieldgate/internal/domain"
	"fieldgate/internal/engine"
)

type CreateProjectRequest struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		OrgID:       p.OrgID,
		Name:        p.Name,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := []ProjectResponse{}
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

type HazardRequest struct {
	Description      string   `json:"description"`
	EffectScore      float64  `json:"effect_score"`
	ExposureScore    float64  `json:"exposure_score,omitempty"`
	ProbabilityScore float64  `json:"probability_score"`
	ControlMeasures  []string `json:"control_measures,omitempty"`
}

type TaskStepRequest struct {
	StepNumber  int             `json:"step_number"`
	Description string          `json:"description"`
	Hazards     []HazardRequest `json:"hazards,omitempty"`
}

type CreateAssessmentRequest struct {
	ID          string            `json:"id,omitempty"`
	ProjectID   string            `json:"project_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Steps       []TaskStepRequest `json:"steps,omitempty"`
}

type UpdateAssessmentRequest struct {
	Title       *string            `json:"title,omitempty"`
	Description *string            `json:"description,omitempty"`
	Steps       *[]TaskStepRequest `json:"steps,omitempty"`
}

type SignatureRequest struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
	Blob   string `json:"blob,omitempty"`
}

type DecideRequest struct {
	Decision   string            `json:"decision" enum:"approve,reject"`
	StepNumber int               `json:"step_number,omitempty"`
	Comments   string            `json:"comments,omitempty"`
	Signature  *SignatureRequest `json:"signature,omitempty"`
}

type AttachSignatureRequest struct {
	StepNumber int    `json:"step_number"`
	Name       string `json:"name"`
	Reason     string `json:"reason,omitempty"`
	Blob       string `json:"blob,omitempty"`
}

type SetAssessmentStatusRequest struct {
	Status string `json:"status" enum:"active,expired,archived"`
}

type AssessmentResponse struct {
	ID               string                   `json:"id"`
	OrgID            string                   `json:"org_id"`
	ProjectID        string                   `json:"project_id"`
	Title            string                   `json:"title"`
	Description      string                   `json:"description,omitempty"`
	Steps            []domain.TaskStep        `json:"steps,omitempty"`
	OverallRiskScore float64                  `json:"overall_risk_score"`
	OverallRiskLevel string                   `json:"overall_risk_level"`
	Status           string                   `json:"status"`
	Workflow         *domain.ApprovalWorkflow `json:"workflow,omitempty"`
	Version          int64                    `json:"version"`
	CreatedBy        string                   `json:"created_by"`
	CreatedAt        string                   `json:"created_at" format:"date-time"`
	UpdatedAt        string                   `json:"updated_at" format:"date-time"`
	SubmittedAt      *string                  `json:"submitted_at,omitempty" format:"date-time"`
	ApprovedAt       *string                  `json:"approved_at,omitempty" format:"date-time"`
}

func assessmentResponse(a domain.RiskAssessment) AssessmentResponse {
	return AssessmentResponse{
		ID:               a.ID,
		OrgID:            a.OrgID,
		ProjectID:        a.ProjectID,
		Title:            a.Title,
		Description:      a.Description,
		Steps:            a.Steps,
		OverallRiskScore: a.OverallRiskScore,
		OverallRiskLevel: a.OverallRiskLevel,
		Status:           a.Status,
		Workflow:         a.Workflow,
		Version:          a.Version,
		CreatedBy:        a.CreatedBy,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
		SubmittedAt:      a.SubmittedAt,
		ApprovedAt:       a.ApprovedAt,
	}
}

func mapAssessments(items []domain.RiskAssessment) []AssessmentResponse {
	out := []AssessmentResponse{}
	for _, a := range items {
		out = append(out, assessmentResponse(a))
	}
	return out
}

type StartSessionRequest struct {
	TRAID       string   `json:"tra_id"`
	TeamMembers []string `json:"team_members,omitempty"`
	Location    string   `json:"location,omitempty"`
}

type UpdateSessionRequest struct {
	Location            *string             `json:"location,omitempty"`
	TeamMembers         *[]string           `json:"team_members,omitempty"`
	EnvironmentalChecks *[]domain.CheckItem `json:"environmental_checks,omitempty"`
	PersonnelChecks     *[]domain.CheckItem `json:"personnel_checks,omitempty"`
	EquipmentChecks     *[]domain.CheckItem `json:"equipment_checks,omitempty"`
	Photos              *[]string           `json:"photos,omitempty"`
	Comments            *string             `json:"comments,omitempty"`
}

type CompleteSessionRequest struct {
	OverallAssessment string            `json:"overall_assessment" enum:"safe_to_proceed,proceed_with_caution,stop_work"`
	Comments          string            `json:"comments,omitempty"`
	Signature         *SignatureRequest `json:"signature,omitempty"`
}

type SessionResponse struct {
	ID                  string                `json:"id"`
	TRAID               string                `json:"tra_id"`
	ProjectID           string                `json:"project_id"`
	PerformedBy         string                `json:"performed_by"`
	TeamMembers         []string              `json:"team_members,omitempty"`
	Location            string                `json:"location,omitempty"`
	EnvironmentalChecks []domain.CheckItem    `json:"environmental_checks,omitempty"`
	PersonnelChecks     []domain.CheckItem    `json:"personnel_checks,omitempty"`
	EquipmentChecks     []domain.CheckItem    `json:"equipment_checks,omitempty"`
	Photos              []string              `json:"photos,omitempty"`
	OverallAssessment   string                `json:"overall_assessment,omitempty"`
	Comments            string                `json:"comments,omitempty"`
	Signature           *domain.StepSignature `json:"signature,omitempty"`
	StartedAt           string                `json:"started_at" format:"date-time"`
	CompletedAt         *string               `json:"completed_at,omitempty" format:"date-time"`
	DurationSeconds     *int64                `json:"duration_seconds,omitempty"`
	SyncStatus          string                `json:"sync_status"`
	Version             int64                 `json:"version"`
	CanComplete         bool                  `json:"can_complete"`
	MissingCategories   []string              `json:"missing_categories,omitempty"`
}

func sessionResponse(s domain.LMRASession) SessionResponse {
	return SessionResponse{
		ID:                  s.ID,
		TRAID:               s.TRAID,
		ProjectID:           s.ProjectID,
		PerformedBy:         s.PerformedBy,
		TeamMembers:         s.TeamMembers,
		Location:            s.Location,
		EnvironmentalChecks: s.EnvironmentalChecks,
		PersonnelChecks:     s.PersonnelChecks,
		EquipmentChecks:     s.EquipmentChecks,
		Photos:              s.Photos,
		OverallAssessment:   s.OverallAssessment,
		Comments:            s.Comments,
		Signature:           s.Signature,
		StartedAt:           s.StartedAt,
		CompletedAt:         s.CompletedAt,
		DurationSeconds:     s.DurationSeconds,
		SyncStatus:          s.SyncStatus,
		Version:             s.Version,
		CanComplete:         engine.CanComplete(s),
		MissingCategories:   engine.MissingCategories(s),
	}
}

func mapSessions(items []domain.LMRASession) []SessionResponse {
	out := []SessionResponse{}
	for _, s := range items {
		out = append(out, sessionResponse(s))
	}
	return out
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

type AssignRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"field_worker,supervisor,safety_manager,admin"`
}

type RoleAssignmentResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func hazardsFromRequest(in []HazardRequest) []domain.Hazard {
	var out []domain.Hazard
	for _, h := range in {
		out = append(out, domain.Hazard{
			Description:      h.Description,
			EffectScore:      h.EffectScore,
			ExposureScore:    h.ExposureScore,
			ProbabilityScore: h.ProbabilityScore,
			ControlMeasures:  h.ControlMeasures,
		})
	}
	return out
}

func stepsFromRequest(in []TaskStepRequest) []domain.TaskStep {
	var out []domain.TaskStep
	for _, s := range in {
		out = append(out, domain.TaskStep{
			StepNumber:  s.StepNumber,
			Description: s.Description,
			Hazards:     hazardsFromRequest(s.Hazards),
		})
	}
	return out
}

func signatureFromRequest(in *SignatureRequest) *domain.StepSignature {
	if in == nil {
		return nil
	}
	return &domain.StepSignature{
		Name:   in.Name,
		Reason: in.Reason,
		Blob:   in.Blob,
	}
}
