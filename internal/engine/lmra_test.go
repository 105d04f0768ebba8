package engine_test

import (
	"errors"
	"testing"
	"time"

	"fieldgate/internal/domain"
	"fieldgate/internal/engine"
	"fieldgate/internal/engine/auth"
	"fieldgate/internal/repo"
)

func approvedAssessment(t *testing.T, env testEnv) domain.RiskAssessment {
	t.Helper()
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
	return a
}

func startSession(t *testing.T, env testEnv, traID string) domain.LMRASession {
	t.Helper()
	s, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{
		TRAID:    traID,
		Actor:    worker,
		Location: "north yard",
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func checks(names ...string) []domain.CheckItem {
	var items []domain.CheckItem
	for _, n := range names {
		items = append(items, domain.CheckItem{Name: n, Passed: true})
	}
	return items
}

func fillChecklists(t *testing.T, env testEnv, id string) domain.LMRASession {
	t.Helper()
	envChecks := checks("weather")
	personnel := checks("ppe")
	equipment := checks("tools")
	s, err := env.Engine.UpdateSession(env.Ctx, engine.UpdateSessionOptions{
		ID:                  id,
		Actor:               worker,
		EnvironmentalChecks: &envChecks,
		PersonnelChecks:     &personnel,
		EquipmentChecks:     &equipment,
	})
	if err != nil {
		t.Fatalf("update session: %v", err)
	}
	return s
}

func TestStartSessionRequiresApprovedAssessment(t *testing.T) {
	env := newTestEnv(t)
	draft := createDraft(t, env)
	_, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{TRAID: draft.ID, Actor: worker})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for draft assessment, got %v", err)
	}

	a := approvedAssessment(t, env)
	s := startSession(t, env, a.ID)
	if s.SyncStatus != "pending" {
		t.Fatalf("expected pending sync status, got %s", s.SyncStatus)
	}
	if s.CompletedAt != nil {
		t.Fatalf("new session must not be completed")
	}
}

func TestCompleteBlockedUntilChecklistsFilled(t *testing.T) {
	env := newTestEnv(t)
	a := approvedAssessment(t, env)
	s := startSession(t, env, a.ID)

	_, err := env.Engine.CompleteSession(env.Ctx, engine.CompleteSessionOptions{
		ID: s.ID, Actor: worker, OverallAssessment: "safe_to_proceed",
	})
	var invalid engine.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := map[string]bool{
		"environmental_checks": true,
		"personnel_checks":     true,
		"equipment_checks":     true,
	}
	for _, m := range invalid.Missing {
		if !want[m] {
			t.Fatalf("unexpected missing category %q", m)
		}
		delete(want, m)
	}
	if len(want) != 0 {
		t.Fatalf("categories not reported missing: %v", want)
	}

	s = fillChecklists(t, env, s.ID)
	if !engine.CanComplete(s) {
		t.Fatalf("expected session completable, missing: %v", engine.MissingCategories(s))
	}
	s, err = env.Engine.CompleteSession(env.Ctx, engine.CompleteSessionOptions{
		ID: s.ID, Actor: worker, OverallAssessment: "safe_to_proceed",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if s.CompletedAt == nil || s.DurationSeconds == nil {
		t.Fatalf("expected completion metadata, got %+v", s)
	}
	if s.SyncStatus != "synced" {
		t.Fatalf("expected synced, got %s", s.SyncStatus)
	}
}

func TestMissingLocationReported(t *testing.T) {
	env := newTestEnv(t)
	a := approvedAssessment(t, env)
	s, err := env.Engine.StartSession(env.Ctx, engine.StartSessionOptions{TRAID: a.ID, Actor: worker})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	s = fillChecklists(t, env, s.ID)
	empty := ""
	s, err = env.Engine.UpdateSession(env.Ctx, engine.UpdateSessionOptions{ID: s.ID, Actor: worker, Location: &empty})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	_, err = env.Engine.CompleteSession(env.Ctx, engine.CompleteSessionOptions{
		ID: s.ID, Actor: worker, OverallAssessment: "safe_to_proceed",
	})
	var invalid engine.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(invalid.Missing) != 1 || invalid.Missing[0] != "location" {
		t.Fatalf("expected only location missing, got %v", invalid.Missing)
	}
}

func TestCompleteIsOneWay(t *testing.T) {
	env := newTestEnv(t)
	a := approvedAssessment(t, env)
	s := startSession(t, env, a.ID)
	fillChecklists(t, env, s.ID)

	if _, err := env.Engine.CompleteSession(env.Ctx, engine.CompleteSessionOptions{
		ID: s.ID, Actor: worker, OverallAssessment: "proceed_with_caution",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, err := env.Engine.CompleteSession(env.Ctx, engine.CompleteSessionOptions{
		ID: s.ID, Actor: worker, OverallAssessment: "safe_to_proceed",
	})
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on double completion, got %v", err)
	}

	loc := "south yard"
	_, err = env.Engine.UpdateSession(env.Ctx, engine.UpdateSessionOptions{ID: s.ID, Actor: worker, Location: &loc})
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict editing completed session, got %v", err)
	}
}

func TestStopWorkPreservedVerbatim(t *testing.T) {
	env := newTestEnv(t)
	a := approvedAssessment(t, env)
	s := startSession(t, env, a.ID)
	fillChecklists(t, env, s.ID)

	s, err := env.Engine.CompleteSession(env.Ctx, engine.CompleteSessionOptions{
		ID: s.ID, Actor: worker, OverallAssessment: "stop_work", Comments: "gas reading above limit",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if s.OverallAssessment != "stop_work" {
		t.Fatalf("stop_work must be stored as given, got %s", s.OverallAssessment)
	}

	stored, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.OverallAssessment != "stop_work" || stored.Comments != "gas reading above limit" {
		t.Fatalf("stop_work record altered: %+v", stored)
	}

	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='lmra.stop_work' AND entity_id=?`, s.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one stop_work event, got %d", count)
	}
}

func TestInvalidOverallAssessmentRejected(t *testing.T) {
	env := newTestEnv(t)
	a := approvedAssessment(t, env)
	s := startSession(t, env, a.ID)
	fillChecklists(t, env, s.ID)

	_, err := env.Engine.CompleteSession(env.Ctx, engine.CompleteSessionOptions{
		ID: s.ID, Actor: worker, OverallAssessment: "maybe",
	})
	if err == nil {
		t.Fatalf("expected invalid assessment error")
	}
}

func TestSessionWriteAuthorization(t *testing.T) {
	env := newTestEnv(t)
	a := approvedAssessment(t, env)
	s := startSession(t, env, a.ID)

	other := auth.Actor{ID: "wrk-2", Role: auth.RoleFieldWorker, OrgID: "org-1"}
	loc := "east hall"
	_, err := env.Engine.UpdateSession(env.Ctx, engine.UpdateSessionOptions{ID: s.ID, Actor: other, Location: &loc})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for non-performer, got %v", err)
	}

	// safety manager may act on any session
	if _, err := env.Engine.UpdateSession(env.Ctx, engine.UpdateSessionOptions{ID: s.ID, Actor: manager, Location: &loc}); err != nil {
		t.Fatalf("manager update: %v", err)
	}
}

func TestDurationNeverNegative(t *testing.T) {
	env := newTestEnv(t)
	a := approvedAssessment(t, env)
	s := startSession(t, env, a.ID)
	fillChecklists(t, env, s.ID)

	// completion clock behind the start clock, as with a skewed device
	env.Engine.Now = func() time.Time { return time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC) }
	s, err := env.Engine.CompleteSession(env.Ctx, engine.CompleteSessionOptions{
		ID: s.ID, Actor: worker, OverallAssessment: "safe_to_proceed",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if s.DurationSeconds == nil || *s.DurationSeconds != 0 {
		t.Fatalf("expected duration clamped to 0, got %v", s.DurationSeconds)
	}
}

func TestStaleSessionWriteLosesRace(t *testing.T) {
	env := newTestEnv(t)
	a := approvedAssessment(t, env)
	s := startSession(t, env, a.ID)
	stale := s.Version
	fillChecklists(t, env, s.ID)

	// a writer still holding the pre-update version must fail fast
	// with a conflict instead of overwriting the checklists
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.UpdateSessionCAS(env.Ctx, tx, s, stale)
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}
