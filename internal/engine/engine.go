// Package engine owns the risk-assessment lifecycle: TRA creation and
// editing, the approval workflow state machine, and the LMRA session
// gate. Every operation is a single read-modify-write of one document,
// persisted through a conditional update on the document version.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldgate/internal/config"
	"fieldgate/internal/domain"
	"fieldgate/internal/engine/auth"
	"fieldgate/internal/events"
	"fieldgate/internal/repo"
	"fieldgate/internal/risk"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Audit  events.Recorder
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Audit:  events.Recorder{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitOrg seeds the organization, its config, and an owner actor.
func (e Engine) InitOrg(ctx context.Context, orgID, name, actorID string) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureOrg(ctx, tx, orgID, name, now); err != nil {
		return fmt.Errorf("ensure org: %w", err)
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, orgID, e.Config); err != nil {
		return fmt.Errorf("seed org config: %w", err)
	}
	if actorID != "" {
		if err := e.Repo.EnsureActor(ctx, tx, actorID, "", now); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.AssignOrgRole(ctx, tx, orgID, actorID, auth.RoleAdmin); err != nil {
			return fmt.Errorf("assign org role: %w", err)
		}
	}
	return tx.Commit()
}

func (e Engine) CreateProject(ctx context.Context, p domain.Project, actor auth.Actor) (domain.Project, error) {
	if p.Name == "" {
		return p, errors.New("name is required")
	}
	if p.OrgID == "" {
		p.OrgID = actor.OrgID
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Status = "active"
	p.CreatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actor.ID, events.EventPayload{"name": p.Name}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// CreateAssessmentOptions are parameters for creating a TRA draft.
type CreateAssessmentOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Steps       []domain.TaskStep
	Actor       auth.Actor
}

func (e Engine) CreateAssessment(ctx context.Context, opts CreateAssessmentOptions) (domain.RiskAssessment, error) {
	if opts.Title == "" {
		return domain.RiskAssessment{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.RiskAssessment{}, errors.New("project is required")
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	steps, err := normalizeSteps(opts.Steps)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	score, level := overallRisk(steps)
	a := domain.RiskAssessment{
		ID:               id,
		OrgID:            project.OrgID,
		ProjectID:        project.ID,
		Title:            opts.Title,
		Description:      opts.Description,
		Steps:            steps,
		OverallRiskScore: score,
		OverallRiskLevel: string(level),
		Status:           "draft",
		Version:          1,
		CreatedBy:        opts.Actor.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssessment(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "tra.created", a.ProjectID, "tra", a.ID, opts.Actor.ID, events.EventPayload{
		"title":      a.Title,
		"risk_level": a.OverallRiskLevel,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// UpdateAssessmentOptions encapsulates allowed draft edits.
type UpdateAssessmentOptions struct {
	ID          string
	Title       *string
	Description *string
	Steps       *[]domain.TaskStep
	Actor       auth.Actor
}

func (e Engine) UpdateAssessment(ctx context.Context, opts UpdateAssessmentOptions) (domain.RiskAssessment, error) {
	a, err := e.Repo.GetAssessment(ctx, opts.ID)
	if err != nil {
		return a, err
	}
	if a.Status != "draft" && a.Status != "rejected" {
		return a, ConflictError{Reason: fmt.Sprintf("assessment is %s and no longer editable", a.Status)}
	}
	if opts.Actor.ID != a.CreatedBy && !auth.HasRole(opts.Actor.Role, auth.RoleSupervisor) {
		return a, auth.ForbiddenError{Required: auth.RoleSupervisor, ActorID: opts.Actor.ID}
	}
	expected := a.Version
	if opts.Title != nil {
		if *opts.Title == "" {
			return a, errors.New("title is required")
		}
		a.Title = *opts.Title
	}
	if opts.Description != nil {
		a.Description = *opts.Description
	}
	if opts.Steps != nil {
		steps, err := normalizeSteps(*opts.Steps)
		if err != nil {
			return a, err
		}
		a.Steps = steps
	}
	score, level := overallRisk(a.Steps)
	a.OverallRiskScore = score
	a.OverallRiskLevel = string(level)
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.casAssessment(ctx, tx, a, expected); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "tra.updated", a.ProjectID, "tra", a.ID, opts.Actor.ID, events.EventPayload{
		"risk_score": a.OverallRiskScore,
		"risk_level": a.OverallRiskLevel,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Version = expected + 1
	return a, nil
}

// Submit moves a draft or rejected assessment into the approval
// workflow. Resubmission is a full reset: every step back to pending,
// decision metadata cleared, pointer back to zero.
func (e Engine) Submit(ctx context.Context, assessmentID string, actor auth.Actor) (domain.RiskAssessment, error) {
	a, err := e.Repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return a, err
	}
	if a.Status != "draft" && a.Status != "rejected" {
		return a, ConflictError{Reason: fmt.Sprintf("assessment is %s and cannot be submitted", a.Status)}
	}
	expected := a.Version
	now := e.now().UTC().Format(time.RFC3339)
	if a.Workflow == nil {
		a.Workflow = e.defaultWorkflow()
	} else {
		for i := range a.Workflow.Steps {
			step := &a.Workflow.Steps[i]
			step.Status = "pending"
			step.DecidedBy = nil
			step.DecidedAt = nil
			step.Comments = ""
			step.Signature = nil
		}
		a.Workflow.CurrentStep = 0
		a.Workflow.CompletedAt = nil
	}
	a.Status = "submitted"
	a.SubmittedAt = &now
	a.ApprovedAt = nil
	a.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.casAssessment(ctx, tx, a, expected); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.TRASubmitted, a.ProjectID, "tra", a.ID, actor.ID, events.EventPayload{
		"steps": len(a.Workflow.Steps),
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Version = expected + 1
	e.Audit.Record(ctx, a.ProjectID, "tra", a.ID, actor.ID, "tra.submit", events.EventPayload{"status": a.Status})
	return a, nil
}

func (e Engine) defaultWorkflow() *domain.ApprovalWorkflow {
	wf := &domain.ApprovalWorkflow{CurrentStep: 0}
	var stepCfgs []config.WorkflowStepConfig
	if e.Config != nil {
		stepCfgs = e.Config.Workflow.DefaultSteps
	}
	if len(stepCfgs) == 0 {
		stepCfgs = []config.WorkflowStepConfig{{Role: string(auth.RoleSafetyManager)}}
	}
	for i, sc := range stepCfgs {
		wf.Steps = append(wf.Steps, domain.ApprovalStep{
			StepNumber:   i + 1,
			RequiredRole: sc.Role,
			Approvers:    sc.Approvers,
			Status:       "pending",
		})
	}
	return wf
}

// DecideOptions are parameters for one approval decision.
type DecideOptions struct {
	AssessmentID string
	Actor        auth.Actor
	Decision     string // approve or reject
	StepNumber   int
	Comments     string
	Signature    *domain.StepSignature
}

// Decide records an approve or reject on the current workflow step.
// Steps are strictly ordered: only the step at the workflow pointer can
// be decided, and a rejected step stays current until an explicit
// resubmission.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (domain.RiskAssessment, error) {
	if opts.Decision != "approve" && opts.Decision != "reject" {
		return domain.RiskAssessment{}, fmt.Errorf("invalid decision %q", opts.Decision)
	}
	a, err := e.Repo.GetAssessment(ctx, opts.AssessmentID)
	if err != nil {
		return a, err
	}
	if a.Workflow == nil {
		return a, fmt.Errorf("no approval workflow configured: %w", repo.ErrNotFound)
	}
	wf := a.Workflow
	if wf.CurrentStep >= len(wf.Steps) {
		return a, ConflictError{Reason: "approval workflow already completed"}
	}
	expected := a.Version
	step := &wf.Steps[wf.CurrentStep]
	if opts.StepNumber != 0 && opts.StepNumber != step.StepNumber {
		return a, ConflictError{Reason: fmt.Sprintf("step %d is not the current step (%d)", opts.StepNumber, step.StepNumber)}
	}
	if step.Status == "rejected" {
		return a, ConflictError{Reason: "step was rejected; resubmit the assessment first"}
	}
	if !e.canDecide(opts.Actor, *step) {
		required, _ := auth.ParseRole(step.RequiredRole)
		return a, auth.ForbiddenError{Required: required, ActorID: opts.Actor.ID}
	}

	now := e.now().UTC().Format(time.RFC3339)
	step.DecidedBy = &opts.Actor.ID
	step.DecidedAt = &now
	step.Comments = opts.Comments
	if opts.Signature != nil {
		sig := *opts.Signature
		sig.SignedBy = opts.Actor.ID
		sig.SignedAt = now
		step.Signature = &sig
	}

	var transition string
	if opts.Decision == "approve" {
		step.Status = "approved"
		if wf.CurrentStep < len(wf.Steps) {
			wf.CurrentStep++
		}
		if wf.CurrentStep == len(wf.Steps) {
			wf.CompletedAt = &now
			a.Status = "approved"
			a.ApprovedAt = &now
			transition = events.TRAApproved
		} else {
			a.Status = "in_review"
		}
	} else {
		step.Status = "rejected"
		wf.CompletedAt = nil
		a.Status = "rejected"
		transition = events.TRARejected
	}
	a.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.casAssessment(ctx, tx, a, expected); err != nil {
		return a, err
	}
	if transition != "" {
		if err := e.Events.Append(ctx, tx, transition, a.ProjectID, "tra", a.ID, opts.Actor.ID, events.EventPayload{
			"step": step.StepNumber,
		}); err != nil {
			return a, err
		}
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Version = expected + 1
	// signature content is redacted from the audit payload
	e.Audit.Record(ctx, a.ProjectID, "tra", a.ID, opts.Actor.ID, "approval.decision", events.EventPayload{
		"decision":          opts.Decision,
		"step":              step.StepNumber,
		"comments":          opts.Comments,
		"signature_present": step.Signature != nil,
	})
	return a, nil
}

// canDecide applies the hierarchical role check plus the per-step
// explicit approver allow-list.
func (e Engine) canDecide(actor auth.Actor, step domain.ApprovalStep) bool {
	if required, err := auth.ParseRole(step.RequiredRole); err == nil {
		if auth.HasRole(actor.Role, required) {
			return true
		}
	} else if actor.Role == auth.RoleAdmin {
		// unknown required role: only admin may proceed
		return true
	}
	for _, id := range step.Approvers {
		if id == actor.ID {
			return true
		}
	}
	return false
}

// AttachSignature stores signature metadata on the named step without
// recording a decision. Capturing a physical signature and deciding the
// step are separate acts.
func (e Engine) AttachSignature(ctx context.Context, assessmentID string, actor auth.Actor, stepNumber int, blob, name, reason string) (domain.RiskAssessment, error) {
	a, err := e.Repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return a, err
	}
	if a.Workflow == nil {
		return a, fmt.Errorf("no approval workflow configured: %w", repo.ErrNotFound)
	}
	expected := a.Version
	var step *domain.ApprovalStep
	for i := range a.Workflow.Steps {
		if a.Workflow.Steps[i].StepNumber == stepNumber {
			step = &a.Workflow.Steps[i]
			break
		}
	}
	if step == nil {
		return a, fmt.Errorf("step %d: %w", stepNumber, repo.ErrNotFound)
	}
	if !e.canDecide(actor, *step) {
		required, _ := auth.ParseRole(step.RequiredRole)
		return a, auth.ForbiddenError{Required: required, ActorID: actor.ID}
	}
	now := e.now().UTC().Format(time.RFC3339)
	step.Signature = &domain.StepSignature{
		SignedBy: actor.ID,
		Name:     name,
		Reason:   reason,
		Blob:     blob,
		SignedAt: now,
	}
	a.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.casAssessment(ctx, tx, a, expected); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Version = expected + 1
	e.Audit.Record(ctx, a.ProjectID, "tra", a.ID, actor.ID, "approval.signature", events.EventPayload{
		"step":   stepNumber,
		"signer": name,
	})
	return a, nil
}

// SetAssessmentStatus handles the post-approval lifecycle: activate,
// expire, archive. Workflow statuses are reachable only through Submit
// and Decide.
func (e Engine) SetAssessmentStatus(ctx context.Context, assessmentID, status string, actor auth.Actor) (domain.RiskAssessment, error) {
	required, ok := statusChangeRole[status]
	if !ok {
		return domain.RiskAssessment{}, fmt.Errorf("invalid target status %q", status)
	}
	if !auth.HasRole(actor.Role, required) {
		return domain.RiskAssessment{}, auth.ForbiddenError{Required: required, ActorID: actor.ID}
	}
	a, err := e.Repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return a, err
	}
	if err := ensureStatusTransition(a.Status, status); err != nil {
		return a, err
	}
	expected := a.Version
	a.Status = status
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.casAssessment(ctx, tx, a, expected); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "tra."+status, a.ProjectID, "tra", a.ID, actor.ID, events.EventPayload{}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Version = expected + 1
	return a, nil
}

var statusChangeRole = map[string]auth.Role{
	"active":   auth.RoleSupervisor,
	"expired":  auth.RoleSafetyManager,
	"archived": auth.RoleSafetyManager,
}

func ensureStatusTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "approved":
		if newStatus == "active" || newStatus == "archived" {
			return nil
		}
	case "active":
		if newStatus == "expired" || newStatus == "archived" {
			return nil
		}
	case "expired":
		if newStatus == "archived" {
			return nil
		}
	}
	return ConflictError{Reason: fmt.Sprintf("invalid status transition %s -> %s", oldStatus, newStatus)}
}

// casAssessment maps a lost compare-and-swap into a retryable Conflict.
func (e Engine) casAssessment(ctx context.Context, tx *sql.Tx, a domain.RiskAssessment, expected int64) error {
	err := e.Repo.UpdateAssessmentCAS(ctx, tx, a, expected)
	if errors.Is(err, repo.ErrVersionConflict) {
		return ConflictError{Reason: "assessment was modified concurrently", Retryable: true}
	}
	return err
}

// normalizeSteps validates step ordering and hazard factor scales and
// fills in derived scores. Step numbers must be contiguous from 1.
func normalizeSteps(steps []domain.TaskStep) ([]domain.TaskStep, error) {
	for i := range steps {
		step := &steps[i]
		if step.StepNumber != i+1 {
			return nil, fmt.Errorf("step numbers must be contiguous from 1; step %d has number %d", i+1, step.StepNumber)
		}
		if step.Description == "" {
			return nil, fmt.Errorf("step %d: description is required", step.StepNumber)
		}
		for j := range step.Hazards {
			h := &step.Hazards[j]
			if h.ID == "" {
				h.ID = uuid.New().String()
			}
			if !risk.InScale(risk.EffectScale, h.EffectScore) {
				return nil, fmt.Errorf("step %d hazard %d: invalid effect score %v", step.StepNumber, j+1, h.EffectScore)
			}
			if h.ExposureScore != 0 && !risk.InScale(risk.ExposureScale, h.ExposureScore) {
				return nil, fmt.Errorf("step %d hazard %d: invalid exposure score %v", step.StepNumber, j+1, h.ExposureScore)
			}
			if !risk.InScale(risk.ProbabilityScale, h.ProbabilityScore) {
				return nil, fmt.Errorf("step %d hazard %d: invalid probability score %v", step.StepNumber, j+1, h.ProbabilityScore)
			}
			h.RiskScore = risk.Calculate(h.EffectScore, h.ExposureScore, h.ProbabilityScore)
			h.RiskLevel = string(risk.Classify(h.RiskScore))
		}
	}
	return steps, nil
}

// overallRisk is the max hazard score across all steps; the level is
// always derived from the score, never stored independently.
func overallRisk(steps []domain.TaskStep) (float64, risk.Level) {
	var max float64
	for _, step := range steps {
		for _, h := range step.Hazards {
			if h.RiskScore > max {
				max = h.RiskScore
			}
		}
	}
	return max, risk.Classify(max)
}
