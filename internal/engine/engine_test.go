package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldgate/internal/config"
	"fieldgate/internal/db"
	"fieldgate/internal/domain"
	"fieldgate/internal/engine"
	"fieldgate/internal/engine/auth"
	"fieldgate/internal/migrate"
	"fieldgate/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var (
	manager = auth.Actor{ID: "mgr-1", Role: auth.RoleSafetyManager, OrgID: "org-1"}
	admin   = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin, OrgID: "org-1"}
	super   = auth.Actor{ID: "sup-1", Role: auth.RoleSupervisor, OrgID: "org-1"}
	worker  = auth.Actor{ID: "wrk-1", Role: auth.RoleFieldWorker, OrgID: "org-1"}
)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.InitOrg(ctx, "org-1", "Test Org", admin.ID); err != nil {
		t.Fatalf("init org: %v", err)
	}
	if _, err := eng.CreateProject(ctx, domain.Project{ID: "proj-1", OrgID: "org-1", Name: "Site A"}, admin); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func sampleSteps() []domain.TaskStep {
	return []domain.TaskStep{
		{
			StepNumber:  1,
			Description: "Rig scaffolding",
			Hazards: []domain.Hazard{
				{Description: "Fall from height", EffectScore: 15, ExposureScore: 6, ProbabilityScore: 3},
			},
		},
		{
			StepNumber:  2,
			Description: "Weld support beams",
			Hazards: []domain.Hazard{
				{Description: "Arc flash", EffectScore: 7, ProbabilityScore: 0.5},
			},
		},
	}
}

func createDraft(t *testing.T, env testEnv) domain.RiskAssessment {
	t.Helper()
	a, err := env.Engine.CreateAssessment(env.Ctx, engine.CreateAssessmentOptions{
		ProjectID: "proj-1",
		Title:     "Scaffold work",
		Steps:     sampleSteps(),
		Actor:     super,
	})
	if err != nil {
		t.Fatalf("create assessment: %v", err)
	}
	return a
}

// submitTwoStep submits a draft with a two-step workflow:
// supervisor first, then safety manager.
func submitTwoStep(t *testing.T, env testEnv, id string) domain.RiskAssessment {
	t.Helper()
	env.Engine.Config.Workflow.DefaultSteps = []config.WorkflowStepConfig{
		{Role: "supervisor"},
		{Role: "safety_manager"},
	}
	a, err := env.Engine.Submit(env.Ctx, id, super)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return a
}

func TestCreateComputesOverallRisk(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	// 15*6*3 = 270 dominates 7*1*0.5 = 3.5
	if a.OverallRiskScore != 270 {
		t.Fatalf("expected overall score 270, got %v", a.OverallRiskScore)
	}
	if a.OverallRiskLevel != "substantial" {
		t.Fatalf("expected substantial, got %s", a.OverallRiskLevel)
	}
	if a.Steps[1].Hazards[0].RiskScore != 3.5 {
		t.Fatalf("expected exposure default of 1, got score %v", a.Steps[1].Hazards[0].RiskScore)
	}
	if a.Status != "draft" {
		t.Fatalf("expected draft, got %s", a.Status)
	}
}

func TestSubmitCreatesDefaultWorkflow(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a, err := env.Engine.Submit(env.Ctx, a.ID, super)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if a.Status != "submitted" {
		t.Fatalf("expected submitted, got %s", a.Status)
	}
	if a.Workflow == nil || len(a.Workflow.Steps) != 1 {
		t.Fatalf("expected one default workflow step")
	}
	if a.Workflow.Steps[0].RequiredRole != "safety_manager" {
		t.Fatalf("expected safety_manager step, got %s", a.Workflow.Steps[0].RequiredRole)
	}
	// double submit conflicts
	_, err = env.Engine.Submit(env.Ctx, a.ID, super)
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on resubmit of submitted assessment, got %v", err)
	}
}

func TestTwoStepApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a = submitTwoStep(t, env, a.ID)

	a, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: super, Decision: "approve", StepNumber: 1, Comments: "looks safe",
	})
	if err != nil {
		t.Fatalf("approve step 1: %v", err)
	}
	if a.Workflow.CurrentStep != 1 {
		t.Fatalf("expected current step 1, got %d", a.Workflow.CurrentStep)
	}
	if a.Status != "in_review" {
		t.Fatalf("expected in_review, got %s", a.Status)
	}

	a, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: manager, Decision: "approve", StepNumber: 2,
	})
	if err != nil {
		t.Fatalf("approve step 2: %v", err)
	}
	if a.Status != "approved" {
		t.Fatalf("expected approved, got %s", a.Status)
	}
	if a.Workflow.CompletedAt == nil {
		t.Fatalf("expected workflow completed_at set")
	}
	if a.ApprovedAt == nil {
		t.Fatalf("expected approved_at set")
	}

	// workflow is done; further decisions conflict
	_, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: manager, Decision: "approve",
	})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict after completion, got %v", err)
	}
}

func TestRejectKeepsPointerAndResubmitResets(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a = submitTwoStep(t, env, a.ID)

	a, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: super, Decision: "reject", StepNumber: 1, Comments: "missing controls",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if a.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", a.Status)
	}
	if a.Workflow.CurrentStep != 0 {
		t.Fatalf("expected pointer to stay at 0, got %d", a.Workflow.CurrentStep)
	}
	if a.Workflow.CompletedAt != nil {
		t.Fatalf("expected completed_at cleared")
	}

	// a rejected step cannot be re-decided without resubmission
	_, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: super, Decision: "approve",
	})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on re-decide of rejected step, got %v", err)
	}

	a, err = env.Engine.Submit(env.Ctx, a.ID, super)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if a.Workflow.CurrentStep != 0 {
		t.Fatalf("expected reset pointer, got %d", a.Workflow.CurrentStep)
	}
	for _, step := range a.Workflow.Steps {
		if step.Status != "pending" || step.DecidedBy != nil || step.Comments != "" {
			t.Fatalf("expected full reset, got step %+v", step)
		}
	}
}

func TestDecideForbiddenForUnqualifiedActor(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a = submitTwoStep(t, env, a.ID)

	_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: worker, Decision: "approve", StepNumber: 1,
	})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestDecideAllowsExplicitApprover(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	env.Engine.Config.Workflow.DefaultSteps = []config.WorkflowStepConfig{
		{Role: "safety_manager", Approvers: []string{worker.ID}},
	}
	a, err := env.Engine.Submit(env.Ctx, a.ID, super)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	a, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: worker, Decision: "approve",
	})
	if err != nil {
		t.Fatalf("expected listed approver to decide: %v", err)
	}
	if a.Status != "approved" {
		t.Fatalf("expected approved, got %s", a.Status)
	}
}

func TestDecideWrongStepNumberConflicts(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a = submitTwoStep(t, env, a.ID)

	_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: manager, Decision: "approve", StepNumber: 2,
	})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict deciding a later step, got %v", err)
	}
}

func TestConcurrentApproveSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a, err := env.Engine.Submit(env.Ctx, a.ID, super)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// both callers observed currentStep=0; the second write must lose
	successes, conflicts := 0, 0
	for _, actor := range []auth.Actor{manager, admin} {
		_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
			AssessmentID: a.ID, Actor: actor, Decision: "approve",
		})
		switch {
		case err == nil:
			successes++
		default:
			var conflict engine.ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
			conflicts++
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner, got %d successes %d conflicts", successes, conflicts)
	}
	final, err := env.Engine.Repo.GetAssessment(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Workflow.CurrentStep != 1 {
		t.Fatalf("pointer advanced more than once: %d", final.Workflow.CurrentStep)
	}
}

func TestStaleVersionWriteLosesRace(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a, err := env.Engine.Submit(env.Ctx, a.ID, super)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stale := a.Version

	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: manager, Decision: "approve",
	}); err != nil {
		t.Fatalf("decide: %v", err)
	}

	// a writer still holding the pre-decision version must get a
	// version conflict, not overwrite the winner
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.UpdateAssessmentCAS(env.Ctx, tx, a, stale)
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestConditionalUpdateMissingRow(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a.ID = "no-such-assessment"

	// the zero-row diagnosis must run inside the caller's own
	// transaction, which still holds the write lock from the update
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.UpdateAssessmentCAS(env.Ctx, tx, a, a.Version)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAttachSignatureDoesNotDecide(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a = submitTwoStep(t, env, a.ID)

	a, err := env.Engine.AttachSignature(env.Ctx, a.ID, super, 1, "c2lnbmF0dXJl", "Sam Vos", "site inspection")
	if err != nil {
		t.Fatalf("attach signature: %v", err)
	}
	step := a.Workflow.Steps[0]
	if step.Signature == nil || step.Signature.Name != "Sam Vos" {
		t.Fatalf("expected signature stored, got %+v", step.Signature)
	}
	if step.Status != "pending" {
		t.Fatalf("signature must not change step status, got %s", step.Status)
	}
	if a.Status != "submitted" {
		t.Fatalf("signature must not change assessment status, got %s", a.Status)
	}
}

func TestUpdateOnlyWhileEditable(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a, err := env.Engine.Submit(env.Ctx, a.ID, super)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	title := "Changed"
	_, err = env.Engine.UpdateAssessment(env.Ctx, engine.UpdateAssessmentOptions{
		ID: a.ID, Title: &title, Actor: super,
	})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict editing submitted assessment, got %v", err)
	}
}

func TestPostApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a, err := env.Engine.Submit(env.Ctx, a.ID, super)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	a, err = env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: manager, Decision: "approve",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	// supervisor can activate, not expire
	a, err = env.Engine.SetAssessmentStatus(env.Ctx, a.ID, "active", super)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	_, err = env.Engine.SetAssessmentStatus(env.Ctx, a.ID, "expired", super)
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	a, err = env.Engine.SetAssessmentStatus(env.Ctx, a.ID, "expired", manager)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err = env.Engine.SetAssessmentStatus(env.Ctx, a.ID, "archived", manager); err != nil {
		t.Fatalf("archive: %v", err)
	}
}

func TestInvalidHazardScaleRejected(t *testing.T) {
	env := newTestEnv(t)
	steps := sampleSteps()
	steps[0].Hazards[0].EffectScore = 50 // not on the Kinney scale
	_, err := env.Engine.CreateAssessment(env.Ctx, engine.CreateAssessmentOptions{
		ProjectID: "proj-1", Title: "bad", Steps: steps, Actor: super,
	})
	if err == nil {
		t.Fatalf("expected invalid effect score error")
	}
}

func TestTransitionEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	a := createDraft(t, env)
	a, err := env.Engine.Submit(env.Ctx, a.ID, super)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		AssessmentID: a.ID, Actor: manager, Decision: "approve",
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	for _, evtType := range []string{"tra.submitted", "tra.approved"} {
		var count int
		row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type=? AND entity_id=?`, evtType, a.ID)
		if err := row.Scan(&count); err != nil {
			t.Fatalf("query events: %v", err)
		}
		if count != 1 {
			t.Fatalf("expected exactly one %s event, got %d", evtType, count)
		}
	}
}
