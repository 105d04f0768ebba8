package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"fieldgate/internal/domain"
	"fieldgate/internal/engine/auth"
	"fieldgate/internal/events"
	"fieldgate/internal/repo"
)

// StartSessionOptions are parameters for opening a field session.
type StartSessionOptions struct {
	TRAID       string
	Actor       auth.Actor
	TeamMembers []string
	Location    string
}

// StartSession opens an LMRA session against an approved or active
// assessment. Sessions start unsynced; completion marks them synced.
func (e Engine) StartSession(ctx context.Context, opts StartSessionOptions) (domain.LMRASession, error) {
	a, err := e.Repo.GetAssessment(ctx, opts.TRAID)
	if err != nil {
		return domain.LMRASession{}, err
	}
	if a.Status != "approved" && a.Status != "active" {
		return domain.LMRASession{}, ConflictError{Reason: fmt.Sprintf("assessment is %s; field work requires an approved or active assessment", a.Status)}
	}
	now := e.now().UTC()
	s := domain.LMRASession{
		ID:          ulid.Make().String(),
		TRAID:       a.ID,
		ProjectID:   a.ProjectID,
		PerformedBy: opts.Actor.ID,
		TeamMembers: opts.TeamMembers,
		Location:    opts.Location,
		StartedAt:   now.Format(time.RFC3339),
		SyncStatus:  "pending",
		Version:     1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "lmra.started", s.ProjectID, "lmra", s.ID, opts.Actor.ID, events.EventPayload{
		"tra_id": s.TRAID,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// UpdateSessionOptions encapsulates incremental field updates. Check
// lists are replaced, not merged, when provided.
type UpdateSessionOptions struct {
	ID                  string
	Actor               auth.Actor
	Location            *string
	TeamMembers         *[]string
	EnvironmentalChecks *[]domain.CheckItem
	PersonnelChecks     *[]domain.CheckItem
	EquipmentChecks     *[]domain.CheckItem
	Photos              *[]string
	Comments            *string
}

func (e Engine) UpdateSession(ctx context.Context, opts UpdateSessionOptions) (domain.LMRASession, error) {
	s, err := e.Repo.GetSession(ctx, opts.ID)
	if err != nil {
		return s, err
	}
	if s.CompletedAt != nil {
		return s, ConflictError{Reason: "session already completed"}
	}
	if err := e.authorizeSessionWrite(s, opts.Actor); err != nil {
		return s, err
	}
	expected := s.Version
	if opts.Location != nil {
		s.Location = *opts.Location
	}
	if opts.TeamMembers != nil {
		s.TeamMembers = *opts.TeamMembers
	}
	if opts.EnvironmentalChecks != nil {
		s.EnvironmentalChecks = *opts.EnvironmentalChecks
	}
	if opts.PersonnelChecks != nil {
		s.PersonnelChecks = *opts.PersonnelChecks
	}
	if opts.EquipmentChecks != nil {
		s.EquipmentChecks = *opts.EquipmentChecks
	}
	if opts.Photos != nil {
		s.Photos = *opts.Photos
	}
	if opts.Comments != nil {
		s.Comments = *opts.Comments
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.casSession(ctx, tx, s, expected); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "lmra.updated", s.ProjectID, "lmra", s.ID, opts.Actor.ID, events.EventPayload{}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Version = expected + 1
	return s, nil
}

// CanComplete reports whether all completion preconditions are met:
// location set and every checklist category populated. All or nothing;
// there is no partial-completion state.
func CanComplete(s domain.LMRASession) bool {
	return len(MissingCategories(s)) == 0
}

// MissingCategories lists the unmet completion preconditions by name.
func MissingCategories(s domain.LMRASession) []string {
	var missing []string
	if s.Location == "" {
		missing = append(missing, "location")
	}
	if len(s.EnvironmentalChecks) == 0 {
		missing = append(missing, "environmental_checks")
	}
	if len(s.PersonnelChecks) == 0 {
		missing = append(missing, "personnel_checks")
	}
	if len(s.EquipmentChecks) == 0 {
		missing = append(missing, "equipment_checks")
	}
	return missing
}

// CompleteSessionOptions are parameters for finalizing a session.
type CompleteSessionOptions struct {
	ID                string
	Actor             auth.Actor
	OverallAssessment string
	Comments          string
	Signature         *domain.StepSignature
}

// CompleteSession finalizes a field session exactly once. A stop_work
// assessment is persisted verbatim; the gate never downgrades or
// suppresses it.
func (e Engine) CompleteSession(ctx context.Context, opts CompleteSessionOptions) (domain.LMRASession, error) {
	switch opts.OverallAssessment {
	case "safe_to_proceed", "proceed_with_caution", "stop_work":
	default:
		return domain.LMRASession{}, fmt.Errorf("invalid overall assessment %q", opts.OverallAssessment)
	}
	s, err := e.Repo.GetSession(ctx, opts.ID)
	if err != nil {
		return s, err
	}
	if s.CompletedAt != nil {
		return s, ConflictError{Reason: "session already completed"}
	}
	if err := e.authorizeSessionWrite(s, opts.Actor); err != nil {
		return s, err
	}
	if missing := MissingCategories(s); len(missing) > 0 {
		return s, ValidationError{Missing: missing}
	}
	expected := s.Version
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	duration := int64(0)
	if started, perr := time.Parse(time.RFC3339, s.StartedAt); perr == nil {
		duration = int64(now.Sub(started).Seconds())
		if duration < 0 {
			// clock skew between field device and server
			duration = 0
		}
	}
	s.CompletedAt = &nowStr
	s.DurationSeconds = &duration
	s.OverallAssessment = opts.OverallAssessment
	if opts.Comments != "" {
		s.Comments = opts.Comments
	}
	if opts.Signature != nil {
		sig := *opts.Signature
		sig.SignedBy = opts.Actor.ID
		sig.SignedAt = nowStr
		s.Signature = &sig
	}
	s.SyncStatus = "synced"

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.casSession(ctx, tx, s, expected); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, events.LMRACompleted, s.ProjectID, "lmra", s.ID, opts.Actor.ID, events.EventPayload{
		"assessment": s.OverallAssessment,
		"duration":   duration,
	}); err != nil {
		return s, err
	}
	if s.OverallAssessment == "stop_work" {
		if err := e.Events.Append(ctx, tx, events.LMRAStopWork, s.ProjectID, "lmra", s.ID, opts.Actor.ID, events.EventPayload{
			"tra_id": s.TRAID,
		}); err != nil {
			return s, err
		}
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Version = expected + 1
	e.Audit.Record(ctx, s.ProjectID, "lmra", s.ID, opts.Actor.ID, "lmra.complete", events.EventPayload{
		"assessment":        s.OverallAssessment,
		"signature_present": s.Signature != nil,
	})
	return s, nil
}

// authorizeSessionWrite allows the performer and safety roles.
func (e Engine) authorizeSessionWrite(s domain.LMRASession, actor auth.Actor) error {
	if actor.ID == s.PerformedBy {
		return nil
	}
	if auth.HasRole(actor.Role, auth.RoleSafetyManager) {
		return nil
	}
	return auth.ForbiddenError{Required: auth.RoleSafetyManager, ActorID: actor.ID}
}

func (e Engine) casSession(ctx context.Context, tx *sql.Tx, s domain.LMRASession, expected int64) error {
	err := e.Repo.UpdateSessionCAS(ctx, tx, s, expected)
	if errors.Is(err, repo.ErrVersionConflict) {
		return ConflictError{Reason: "session was modified concurrently", Retryable: true}
	}
	return err
}
