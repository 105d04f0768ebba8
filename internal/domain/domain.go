package domain

type Organization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Hazard is a single identified hazard within a task step. RiskScore and
// RiskLevel are derived from the three Kinney & Wiruth factors and are
// recomputed on every write; they are never edited directly.
type Hazard struct {
	ID               string   `json:"id"`
	Description      string   `json:"description"`
	EffectScore      float64  `json:"effect_score"`
	ExposureScore    float64  `json:"exposure_score,omitempty"`
	ProbabilityScore float64  `json:"probability_score"`
	RiskScore        float64  `json:"risk_score"`
	RiskLevel        string   `json:"risk_level" enum:"trivial,acceptable,possible,substantial,high,very_high"`
	ControlMeasures  []string `json:"control_measures,omitempty"`
}

type TaskStep struct {
	StepNumber  int      `json:"step_number"`
	Description string   `json:"description"`
	Hazards     []Hazard `json:"hazards,omitempty"`
}

// StepSignature holds digital signature metadata captured for an approval
// step or an LMRA completion. Blob content is never included in audit
// payloads.
type StepSignature struct {
	SignedBy string `json:"signed_by"`
	Name     string `json:"name"`
	Reason   string `json:"reason,omitempty"`
	Blob     string `json:"blob,omitempty"`
	SignedAt string `json:"signed_at" format:"date-time"`
}

type ApprovalStep struct {
	StepNumber   int            `json:"step_number"`
	RequiredRole string         `json:"required_role"`
	Approvers    []string       `json:"approvers,omitempty"`
	Status       string         `json:"status" enum:"pending,approved,rejected"`
	DecidedBy    *string        `json:"decided_by,omitempty"`
	DecidedAt    *string        `json:"decided_at,omitempty" format:"date-time"`
	Comments     string         `json:"comments,omitempty"`
	Signature    *StepSignature `json:"signature,omitempty"`
}

// ApprovalWorkflow invariant: 0 <= CurrentStep <= len(Steps); steps before
// CurrentStep are approved; the step at CurrentStep is pending or rejected;
// steps after it are pending.
type ApprovalWorkflow struct {
	Steps       []ApprovalStep `json:"steps"`
	CurrentStep int            `json:"current_step"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

type RiskAssessment struct {
	ID               string            `json:"id"`
	OrgID            string            `json:"org_id"`
	ProjectID        string            `json:"project_id"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Steps            []TaskStep        `json:"steps,omitempty"`
	OverallRiskScore float64           `json:"overall_risk_score"`
	OverallRiskLevel string            `json:"overall_risk_level" enum:"trivial,acceptable,possible,substantial,high,very_high"`
	Status           string            `json:"status" enum:"draft,submitted,in_review,approved,rejected,active,expired,archived"`
	Workflow         *ApprovalWorkflow `json:"workflow,omitempty"`
	Version          int64             `json:"version"`
	CreatedBy        string            `json:"created_by"`
	CreatedAt        string            `json:"created_at" format:"date-time"`
	UpdatedAt        string            `json:"updated_at" format:"date-time"`
	SubmittedAt      *string           `json:"submitted_at,omitempty" format:"date-time"`
	ApprovedAt       *string           `json:"approved_at,omitempty" format:"date-time"`
}

// CheckItem is one answered verification item on an LMRA checklist.
type CheckItem struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Note   string `json:"note,omitempty"`
}

type LMRASession struct {
	ID                  string         `json:"id"`
	TRAID               string         `json:"tra_id"`
	ProjectID           string         `json:"project_id"`
	PerformedBy         string         `json:"performed_by"`
	TeamMembers         []string       `json:"team_members,omitempty"`
	Location            string         `json:"location,omitempty"`
	EnvironmentalChecks []CheckItem    `json:"environmental_checks,omitempty"`
	PersonnelChecks     []CheckItem    `json:"personnel_checks,omitempty"`
	EquipmentChecks     []CheckItem    `json:"equipment_checks,omitempty"`
	Photos              []string       `json:"photos,omitempty"`
	OverallAssessment   string         `json:"overall_assessment,omitempty" enum:"safe_to_proceed,proceed_with_caution,stop_work"`
	Comments            string         `json:"comments,omitempty"`
	Signature           *StepSignature `json:"signature,omitempty"`
	StartedAt           string         `json:"started_at" format:"date-time"`
	CompletedAt         *string        `json:"completed_at,omitempty" format:"date-time"`
	DurationSeconds     *int64         `json:"duration_seconds,omitempty"`
	SyncStatus          string         `json:"sync_status" enum:"pending,synced"`
	Version             int64          `json:"version"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
