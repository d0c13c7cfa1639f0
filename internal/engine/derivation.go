package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"casedesk/internal/domain"
	"casedesk/internal/events"
	"casedesk/internal/observability"
	"casedesk/internal/repo"
)

// CreateDerivationOptions are parameters for handing a case to another user.
type CreateDerivationOptions struct {
	ID         string
	CaseID     string
	FromUserID string
	ToUserID   string
	Reason     string
	Priority   string
	Comment    string
}

// CreateDerivation transfers responsibility for a case from its current owner
// to another user. The transfer is effective immediately; the receiver may
// reject it and the sender may cancel it until it is viewed.
func (e Engine) CreateDerivation(ctx context.Context, opts CreateDerivationOptions) (det domain.DerivationDetail, err error) {
	ctx, span := e.start(ctx, "derivation.create",
		observability.AttrCaseID.String(opts.CaseID), observability.AttrUserID.String(opts.FromUserID))
	defer func() { observability.EndSpan(span, err) }()

	d, c, err := e.validateCreate(ctx, &opts)
	if err != nil {
		return domain.DerivationDetail{}, e.refused("create", err)
	}
	now := e.stamp()
	d.CreatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DerivationDetail{}, err
	}
	defer tx.Rollback()

	// Conditional on the sender still holding the case; a concurrent handoff
	// that committed first leaves nothing to revoke.
	revoked, err := e.Repo.DeactivateAssignment(ctx, tx, d.CaseID, d.FromUserID, now)
	if err != nil {
		return domain.DerivationDetail{}, fmt.Errorf("revoke assignment: %w", err)
	}
	if !revoked {
		return domain.DerivationDetail{}, e.refused("create", notCurrentResponsible())
	}
	if err := e.Repo.InsertDerivation(ctx, tx, d); err != nil {
		return domain.DerivationDetail{}, fmt.Errorf("insert derivation: %w", err)
	}
	if err := e.Repo.InsertAssignment(ctx, tx, domain.Assignment{
		ID:           uuid.NewString(),
		CaseID:       d.CaseID,
		UserID:       d.ToUserID,
		DerivationID: &d.ID,
		AssignedAt:   now,
		IsActive:     true,
	}); err != nil {
		return domain.DerivationDetail{}, fmt.Errorf("insert assignment: %w", err)
	}
	note := e.notifyTx(ctx, tx, d.ID, domain.Notification{
		UserID:  d.ToUserID,
		Title:   "Case handed off to you",
		Message: handoffMessage(c, d),
		Route:   e.route("derivation", d.ID),
	})
	if err := e.events().Append(ctx, tx, events.DerivationCreated, d.CaseID, "derivation", d.ID, d.FromUserID, events.EventPayload{
		"from_user_id": d.FromUserID,
		"to_user_id":   d.ToUserID,
		"priority":     d.Priority,
	}); err != nil {
		return domain.DerivationDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DerivationDetail{}, err
	}
	e.afterCommit(ctx, "created", note, d.FromUserID, d.ToUserID)
	return e.Repo.GetDerivationDetail(ctx, nil, d.ID)
}

func (e Engine) validateCreate(ctx context.Context, opts *CreateDerivationOptions) (domain.Derivation, domain.Case, error) {
	opts.CaseID = strings.TrimSpace(opts.CaseID)
	opts.FromUserID = strings.TrimSpace(opts.FromUserID)
	opts.ToUserID = strings.TrimSpace(opts.ToUserID)
	if opts.CaseID == "" {
		return domain.Derivation{}, domain.Case{}, invalid("case_id", CodeRequired, "case is required")
	}
	if opts.ToUserID == "" {
		return domain.Derivation{}, domain.Case{}, invalid("to_user_id", CodeRequired, "receiver is required")
	}
	if opts.FromUserID == "" {
		return domain.Derivation{}, domain.Case{}, invalid("from_user_id", CodeRequired, "sender is required")
	}
	priority := domain.PriorityNormal
	if opts.Priority != "" {
		priority = domain.Priority(strings.ToLower(opts.Priority))
		if !priority.Valid() {
			return domain.Derivation{}, domain.Case{}, invalid("priority", CodeInvalid, "priority must be low, normal, high or urgent")
		}
	}

	c, err := e.Repo.GetCase(ctx, nil, opts.CaseID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Derivation{}, domain.Case{}, invalid("case_id", CodeCaseNotFound, "case not found")
	}
	if err != nil {
		return domain.Derivation{}, domain.Case{}, err
	}
	if !c.IsActive() {
		return domain.Derivation{}, domain.Case{}, invalid("case_id", CodeCaseInactive, "case is not active")
	}
	to, err := e.Repo.GetUser(ctx, nil, opts.ToUserID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Derivation{}, domain.Case{}, invalid("to_user_id", CodeUserNotFound, "receiver not found")
	}
	if err != nil {
		return domain.Derivation{}, domain.Case{}, err
	}
	if !to.Active {
		return domain.Derivation{}, domain.Case{}, invalid("to_user_id", CodeUserInactive, "receiver is not active")
	}
	if opts.FromUserID == opts.ToUserID {
		return domain.Derivation{}, domain.Case{}, invalid("to_user_id", CodeSelfDerivation, "a case cannot be derived to its own sender")
	}
	current, err := e.Repo.ActiveAssignment(ctx, nil, opts.CaseID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Derivation{}, domain.Case{}, err
	}
	if err != nil || current.UserID != opts.FromUserID {
		return domain.Derivation{}, domain.Case{}, notCurrentResponsible()
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return domain.Derivation{
		ID:         id,
		CaseID:     opts.CaseID,
		FromUserID: opts.FromUserID,
		ToUserID:   opts.ToUserID,
		Reason:     strings.TrimSpace(opts.Reason),
		Priority:   priority,
		Comment:    strings.TrimSpace(opts.Comment),
		IsActive:   true,
	}, c, nil
}

func notCurrentResponsible() error {
	return invalid("from_user_id", CodeNotCurrentResponsible, "only the current responsible may hand off the case")
}

// ensureCancellable checks the sender-side preconditions. A viewed derivation
// cannot be cancelled by anyone.
func ensureCancellable(d domain.Derivation, callerID string) error {
	if !d.IsActive {
		return stateErr(CodeAlreadyTerminated, "derivation is already terminated")
	}
	if d.IsViewed {
		return stateErr(CodeAlreadyViewed, "cannot cancel a viewed derivation")
	}
	if callerID != d.FromUserID {
		return stateErr(CodeNotAuthorized, "only the sender may cancel this derivation")
	}
	return nil
}

// ensureRejectable checks the receiver-side preconditions; viewing does not
// matter here.
func ensureRejectable(d domain.Derivation, callerID string) error {
	if !d.IsActive {
		return stateErr(CodeAlreadyTerminated, "derivation is already terminated")
	}
	if d.IsAccepted {
		return stateErr(CodeAlreadyAccepted, "derivation is already accepted")
	}
	if callerID != d.ToUserID {
		return stateErr(CodeNotAuthorized, "only the receiver may reject this derivation")
	}
	return nil
}

func (e Engine) loadDerivation(ctx context.Context, q repo.Queryer, id string) (domain.Derivation, error) {
	d, err := e.Repo.GetDerivation(ctx, q, id)
	if errors.Is(err, repo.ErrNotFound) {
		return d, stateErr(CodeDerivationNotFound, "derivation not found")
	}
	return d, err
}

// CancelDerivation withdraws an unviewed derivation and gives the case back to
// its sender.
func (e Engine) CancelDerivation(ctx context.Context, derivationID, callerID, reason string) (det domain.DerivationDetail, err error) {
	ctx, span := e.start(ctx, "derivation.cancel",
		observability.AttrDerivationID.String(derivationID), observability.AttrUserID.String(callerID))
	defer func() { observability.EndSpan(span, err) }()

	d, err := e.loadDerivation(ctx, nil, derivationID)
	if err != nil {
		return domain.DerivationDetail{}, e.refused("cancel", err)
	}
	if err := ensureCancellable(d, callerID); err != nil {
		return domain.DerivationDetail{}, e.refused("cancel", err)
	}
	term := domain.Termination{
		Kind:   domain.TerminationCancelled,
		Reason: strings.TrimSpace(reason),
		At:     e.stamp(),
		By:     callerID,
	}
	note := domain.Notification{
		UserID:  d.ToUserID,
		Title:   "Case handoff withdrawn",
		Message: withdrawnMessage(d, term),
		Route:   e.route("derivation", d.ID),
	}
	sent, err := e.terminate(ctx, d, term, true, ensureCancellable, note, events.DerivationCancelled)
	if err != nil {
		return domain.DerivationDetail{}, e.refused("cancel", err)
	}
	e.afterCommit(ctx, "cancelled", sent, d.FromUserID, d.ToUserID)
	return e.Repo.GetDerivationDetail(ctx, nil, d.ID)
}

// RejectDerivation lets the receiver refuse a derivation, viewed or not, and
// gives the case back to its sender.
func (e Engine) RejectDerivation(ctx context.Context, derivationID, callerID, reason string) (det domain.DerivationDetail, err error) {
	ctx, span := e.start(ctx, "derivation.reject",
		observability.AttrDerivationID.String(derivationID), observability.AttrUserID.String(callerID))
	defer func() { observability.EndSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.DerivationDetail{}, e.refused("reject", invalid("reason", CodeRequired, "a rejection reason is required"))
	}
	d, err := e.loadDerivation(ctx, nil, derivationID)
	if err != nil {
		return domain.DerivationDetail{}, e.refused("reject", err)
	}
	if err := ensureRejectable(d, callerID); err != nil {
		return domain.DerivationDetail{}, e.refused("reject", err)
	}
	term := domain.Termination{
		Kind:   domain.TerminationRejected,
		Reason: reason,
		At:     e.stamp(),
		By:     callerID,
	}
	note := domain.Notification{
		UserID:  d.FromUserID,
		Title:   "Case handoff rejected",
		Message: term.Describe(),
		Route:   e.route("derivation", d.ID),
	}
	sent, err := e.terminate(ctx, d, term, false, ensureRejectable, note, events.DerivationRejected)
	if err != nil {
		return domain.DerivationDetail{}, e.refused("reject", err)
	}
	e.afterCommit(ctx, "rejected", sent, d.FromUserID, d.ToUserID)
	return e.Repo.GetDerivationDetail(ctx, nil, d.ID)
}

// terminate ends d and restores the sender's responsibility in one
// transaction. When the conditional update loses a race, check is re-run
// against the fresh row to report why.
func (e Engine) terminate(ctx context.Context, d domain.Derivation, term domain.Termination, requireUnviewed bool,
	check func(domain.Derivation, string) error, note domain.Notification, evtType string) (*domain.Notification, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	changed, err := e.Repo.TerminateDerivation(ctx, tx, d.ID, term, requireUnviewed)
	if err != nil {
		return nil, fmt.Errorf("terminate derivation: %w", err)
	}
	if !changed {
		fresh, err := e.loadDerivation(ctx, tx, d.ID)
		if err != nil {
			return nil, err
		}
		if err := check(fresh, term.By); err != nil {
			return nil, err
		}
		return nil, stateErr(CodeAlreadyTerminated, "derivation is already terminated")
	}
	if err := e.restoreSender(ctx, tx, d, term.At); err != nil {
		return nil, err
	}
	sent := e.notifyTx(ctx, tx, d.ID, note)
	if err := e.events().Append(ctx, tx, evtType, d.CaseID, "derivation", d.ID, term.By, events.EventPayload{
		"kind":   term.Kind,
		"reason": term.Reason,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sent, nil
}

// restoreSender revokes the receiver's assignment created by d and reactivates
// the sender's most recent assignment on the case.
func (e Engine) restoreSender(ctx context.Context, tx *sql.Tx, d domain.Derivation, now string) error {
	revoked, err := e.Repo.DeactivateDerivedAssignment(ctx, tx, d.ID, now)
	if err != nil {
		return fmt.Errorf("revoke derived assignment: %w", err)
	}
	if !revoked {
		return stateErr(CodeResponsibilityMoved, "the case has moved on since this derivation; it can no longer be undone")
	}
	prior, err := e.Repo.LatestAssignmentFor(ctx, tx, d.CaseID, d.FromUserID)
	switch {
	case err == nil:
		if err := e.Repo.ReactivateAssignment(ctx, tx, prior.ID); err != nil {
			return fmt.Errorf("reactivate assignment: %w", err)
		}
	case errors.Is(err, repo.ErrNotFound):
		if err := e.Repo.InsertAssignment(ctx, tx, domain.Assignment{
			ID:         uuid.NewString(),
			CaseID:     d.CaseID,
			UserID:     d.FromUserID,
			AssignedAt: now,
			IsActive:   true,
		}); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
	default:
		return err
	}
	return nil
}

// MsgAlreadyViewed is reported when MarkViewed finds nothing to change.
const MsgAlreadyViewed = "derivation already viewed"

// ViewResult is the outcome of MarkViewed.
type ViewResult struct {
	Derivation domain.DerivationDetail
	// AlreadyViewed is set when the call changed nothing.
	AlreadyViewed bool
}

// Message describes a repeated view; empty for the first one.
func (r ViewResult) Message() string {
	if r.AlreadyViewed {
		return MsgAlreadyViewed
	}
	return ""
}

// MarkViewed records that the receiver has opened the derivation. Repeating it
// is harmless and reports AlreadyViewed.
func (e Engine) MarkViewed(ctx context.Context, derivationID, callerID string) (res ViewResult, err error) {
	ctx, span := e.start(ctx, "derivation.view",
		observability.AttrDerivationID.String(derivationID), observability.AttrUserID.String(callerID))
	defer func() { observability.EndSpan(span, err) }()

	d, err := e.loadDerivation(ctx, nil, derivationID)
	if err != nil {
		return ViewResult{}, e.refused("view", err)
	}
	if callerID != d.ToUserID {
		return ViewResult{}, e.refused("view", stateErr(CodeNotAuthorized, "only the receiver may mark this derivation viewed"))
	}
	if !d.IsViewed {
		changed, err := e.markViewedTx(ctx, d)
		if err != nil {
			return ViewResult{}, err
		}
		res.AlreadyViewed = !changed
	} else {
		res.AlreadyViewed = true
	}
	res.Derivation, err = e.Repo.GetDerivationDetail(ctx, nil, d.ID)
	return res, err
}

func (e Engine) markViewedTx(ctx context.Context, d domain.Derivation) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	now := e.stamp()
	changed, err := e.Repo.MarkDerivationViewed(ctx, tx, d.ID, now)
	if err != nil {
		return false, fmt.Errorf("mark viewed: %w", err)
	}
	if !changed {
		return false, nil
	}
	if err := e.events().Append(ctx, tx, events.DerivationViewed, d.CaseID, "derivation", d.ID, d.ToUserID, events.EventPayload{
		"viewed_at": now,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.Metrics.RecordTransition("viewed")
	e.invalidateStats(ctx, d.ToUserID)
	return true, nil
}

// FindOne returns a derivation to its sender or receiver. Everyone else gets
// the same error whether or not the derivation exists.
func (e Engine) FindOne(ctx context.Context, derivationID, callerID string) (domain.DerivationDetail, error) {
	det, err := e.Repo.GetDerivationDetail(ctx, nil, derivationID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DerivationDetail{}, unavailable()
	}
	if err != nil {
		return domain.DerivationDetail{}, err
	}
	if callerID != det.FromUserID && callerID != det.ToUserID {
		return domain.DerivationDetail{}, unavailable()
	}
	return det, nil
}

func unavailable() error {
	return stateErr(CodeDerivationUnavailable, "derivation not available")
}

// FindOneAndMarkViewed reads a derivation and, when the caller is its
// receiver, marks it viewed first.
func (e Engine) FindOneAndMarkViewed(ctx context.Context, derivationID, callerID string) (domain.DerivationDetail, error) {
	det, err := e.FindOne(ctx, derivationID, callerID)
	if err != nil {
		return domain.DerivationDetail{}, err
	}
	if callerID != det.ToUserID || det.IsViewed {
		return det, nil
	}
	res, err := e.MarkViewed(ctx, derivationID, callerID)
	if err != nil {
		return domain.DerivationDetail{}, err
	}
	return res.Derivation, nil
}

// notifyTx writes the notification to the inbox inside tx. Failures are logged
// and counted; they never abort the surrounding handoff. The returned
// notification is published after commit.
func (e Engine) notifyTx(ctx context.Context, tx *sql.Tx, derivationID string, n domain.Notification) *domain.Notification {
	n.ID = uuid.NewString()
	n.CreatedAt = e.stamp()
	if e.Inbox == nil {
		return &n
	}
	if err := e.Inbox.Enqueue(ctx, tx, n); err != nil {
		e.Metrics.RecordNotificationFailure("inbox")
		e.log().Warn("notification not stored",
			zap.String("sink", "inbox"),
			zap.String("derivation_id", derivationID),
			zap.String("user_id", n.UserID),
			zap.Error(err))
	}
	return &n
}

func (e Engine) afterCommit(ctx context.Context, transition string, note *domain.Notification, userIDs ...string) {
	e.Metrics.RecordTransition(transition)
	e.invalidateStats(ctx, userIDs...)
	if note == nil || e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(ctx, *note); err != nil {
		e.log().Warn("notification not published",
			zap.String("sink", "publisher"),
			zap.String("user_id", note.UserID),
			zap.String("notification_id", note.ID),
			zap.Error(err))
	}
}

func handoffMessage(c domain.Case, d domain.Derivation) string {
	msg := fmt.Sprintf("Case %q is now yours (priority %s).", c.Title, d.Priority)
	if d.Reason != "" {
		msg += " Reason: " + d.Reason
	}
	return msg
}

func withdrawnMessage(d domain.Derivation, t domain.Termination) string {
	msg := "The handoff of case " + d.CaseID + " was withdrawn by its sender."
	if t.Reason != "" {
		msg += " Reason: " + t.Reason
	}
	return msg
}
