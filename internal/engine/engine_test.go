package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"casedesk/internal/config"
	"casedesk/internal/db"
	"casedesk/internal/domain"
	"casedesk/internal/engine"
	"casedesk/internal/events"
	"casedesk/internal/migrate"
	"casedesk/internal/notify"
	"casedesk/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// newTestEnv returns an engine over a fresh sqlite workspace with a clock
// that advances one second per call, and users alice, bob and carol.
// alice owns case-1 (balance 1500).
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	eng.Inbox = notify.Inbox{Repo: eng.Repo}
	for _, u := range []engine.CreateUserOptions{
		{ID: "alice", Name: "Alice", Roles: []string{engine.RoleStaff}},
		{ID: "bob", Name: "Bob", Roles: []string{engine.RoleStaff}},
		{ID: "carol", Name: "Carol", Roles: []string{engine.RoleStaff}},
	} {
		if _, err := eng.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user %s: %v", u.ID, err)
		}
	}
	if _, err := eng.OpenCase(ctx, engine.OpenCaseOptions{
		ID: "case-1", Title: "Smith debt", ClientName: "Smith", Balance: 1500, OwnerID: "alice",
	}); err != nil {
		t.Fatalf("open case: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) derive(t *testing.T, caseID, from, to string) domain.DerivationDetail {
	t.Helper()
	d, err := env.Engine.CreateDerivation(env.Ctx, engine.CreateDerivationOptions{
		CaseID: caseID, FromUserID: from, ToUserID: to, Reason: "workload", Priority: "high",
	})
	if err != nil {
		t.Fatalf("derive %s -> %s: %v", from, to, err)
	}
	return d
}

// assertOwner checks that caseID has exactly one active assignment, held by want.
func (env testEnv) assertOwner(t *testing.T, caseID, want string) {
	t.Helper()
	n, err := env.Engine.Repo.CountActiveAssignments(env.Ctx, caseID)
	if err != nil {
		t.Fatalf("count assignments: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one active assignment on %s, got %d", caseID, n)
	}
	a, err := env.Engine.CurrentResponsible(env.Ctx, caseID)
	if err != nil {
		t.Fatalf("current responsible: %v", err)
	}
	if a.UserID != want {
		t.Fatalf("expected %s to own %s, got %s", want, caseID, a.UserID)
	}
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := engine.ErrorCode(err); got != code {
		t.Fatalf("expected code %s, got %q (%v)", code, got, err)
	}
}

func TestCreateDerivationMovesResponsibility(t *testing.T) {
	env := newTestEnv(t)
	d := env.derive(t, "case-1", "alice", "bob")
	if d.State() != domain.StatePending || !d.IsActive || d.IsViewed || d.IsAccepted {
		t.Fatalf("unexpected flags: %+v", d.Derivation)
	}
	if d.Priority != domain.PriorityHigh || d.Case.Title != "Smith debt" || d.ToUser.Name != "Bob" {
		t.Fatalf("detail not denormalized: %+v", d)
	}
	env.assertOwner(t, "case-1", "bob")

	history, err := env.Engine.AssignmentHistory(env.Ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(history))
	}
	if history[1].DerivationID == nil || *history[1].DerivationID != d.ID {
		t.Fatalf("receiver assignment should reference the derivation: %+v", history[1])
	}

	notes, err := env.Engine.Notifications(env.Ctx, repo.NotificationFilters{UserID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Route != "/derivations/"+d.ID {
		t.Fatalf("expected one routed notification for bob, got %+v", notes)
	}
}

func TestCreateDerivationValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		opts  engine.CreateDerivationOptions
		field string
		code  string
	}{
		{"missing case", engine.CreateDerivationOptions{FromUserID: "alice", ToUserID: "bob"}, "case_id", engine.CodeRequired},
		{"missing receiver", engine.CreateDerivationOptions{CaseID: "case-1", FromUserID: "alice"}, "to_user_id", engine.CodeRequired},
		{"unknown case", engine.CreateDerivationOptions{CaseID: "nope", FromUserID: "alice", ToUserID: "bob"}, "case_id", engine.CodeCaseNotFound},
		{"unknown receiver", engine.CreateDerivationOptions{CaseID: "case-1", FromUserID: "alice", ToUserID: "zed"}, "to_user_id", engine.CodeUserNotFound},
		{"self", engine.CreateDerivationOptions{CaseID: "case-1", FromUserID: "alice", ToUserID: "alice"}, "to_user_id", engine.CodeSelfDerivation},
		{"bad priority", engine.CreateDerivationOptions{CaseID: "case-1", FromUserID: "alice", ToUserID: "bob", Priority: "asap"}, "priority", engine.CodeInvalid},
		{"not owner", engine.CreateDerivationOptions{CaseID: "case-1", FromUserID: "bob", ToUserID: "carol"}, "from_user_id", engine.CodeNotCurrentResponsible},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateDerivation(env.Ctx, tc.opts)
			var ve *engine.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if ve.Field != tc.field || ve.Code != tc.code {
				t.Fatalf("expected %s/%s, got %s/%s", tc.field, tc.code, ve.Field, ve.Code)
			}
		})
	}
	// nothing was written by any refused attempt
	env.assertOwner(t, "case-1", "alice")
	history, err := env.Engine.AssignmentHistory(env.Ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("refused derivations must not create assignments, got %d", len(history))
	}
}

func TestCreateDerivationRejectsInactiveReceiverAndClosedCase(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.DeactivateUser(env.Ctx, "carol", "alice"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateDerivation(env.Ctx, engine.CreateDerivationOptions{CaseID: "case-1", FromUserID: "alice", ToUserID: "carol"})
	expectCode(t, err, engine.CodeUserInactive)

	if _, err := env.Engine.CloseCase(env.Ctx, "case-1", "alice"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateDerivation(env.Ctx, engine.CreateDerivationOptions{CaseID: "case-1", FromUserID: "alice", ToUserID: "bob"})
	expectCode(t, err, engine.CodeCaseInactive)
}

func TestConcurrentHandoffsOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	receivers := []string{"bob", "carol"}
	errs := make([]error, len(receivers))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, to := range receivers {
		wg.Add(1)
		go func(i int, to string) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.CreateDerivation(env.Ctx, engine.CreateDerivationOptions{
				CaseID: "case-1", FromUserID: "alice", ToUserID: to,
			})
		}(i, to)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		expectCode(t, err, engine.CodeNotCurrentResponsible)
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful handoff, got %d (%v)", wins, errs)
	}
	n, err := env.Engine.Repo.CountActiveAssignments(env.Ctx, "case-1")
	if err != nil || n != 1 {
		t.Fatalf("expected one active assignment, got %d (%v)", n, err)
	}
}

func TestCancelRestoresSender(t *testing.T) {
	env := newTestEnv(t)
	d := env.derive(t, "case-1", "alice", "bob")

	_, err := env.Engine.CancelDerivation(env.Ctx, d.ID, "bob", "")
	expectCode(t, err, engine.CodeNotAuthorized)

	out, err := env.Engine.CancelDerivation(env.Ctx, d.ID, "alice", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.State() != domain.StateCancelled || out.IsActive {
		t.Fatalf("expected cancelled, got %+v", out.Derivation)
	}
	if out.Termination == nil || out.Termination.By != "alice" || out.Termination.Describe() != "cancelled by sender" {
		t.Fatalf("unexpected termination: %+v", out.Termination)
	}
	env.assertOwner(t, "case-1", "alice")

	history, err := env.Engine.AssignmentHistory(env.Ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	// alice's original assignment is reactivated rather than duplicated
	if len(history) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(history))
	}

	_, err = env.Engine.CancelDerivation(env.Ctx, d.ID, "alice", "")
	expectCode(t, err, engine.CodeAlreadyTerminated)

	notes, err := env.Engine.Notifications(env.Ctx, repo.NotificationFilters{UserID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 || notes[0].Title != "Case handoff withdrawn" {
		t.Fatalf("expected withdrawal notification first, got %+v", notes)
	}
}

func TestCancelAfterViewFails(t *testing.T) {
	env := newTestEnv(t)
	d := env.derive(t, "case-1", "alice", "bob")
	if _, err := env.Engine.MarkViewed(env.Ctx, d.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CancelDerivation(env.Ctx, d.ID, "alice", "changed my mind")
	expectCode(t, err, engine.CodeAlreadyViewed)
	var se *engine.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected state error, got %T", err)
	}
	env.assertOwner(t, "case-1", "bob")
}

func TestRejectRestoresSenderAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	d := env.derive(t, "case-1", "alice", "bob")
	if _, err := env.Engine.MarkViewed(env.Ctx, d.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.RejectDerivation(env.Ctx, d.ID, "bob", "   ")
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "reason" {
		t.Fatalf("expected reason validation error, got %v", err)
	}
	_, err = env.Engine.RejectDerivation(env.Ctx, d.ID, "alice", "not mine")
	expectCode(t, err, engine.CodeNotAuthorized)

	out, err := env.Engine.RejectDerivation(env.Ctx, d.ID, "bob", "wrong team")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.State() != domain.StateRejected || out.Termination.Describe() != "rejected by receiver: wrong team" {
		t.Fatalf("unexpected result: %+v", out.Termination)
	}
	env.assertOwner(t, "case-1", "alice")

	notes, err := env.Engine.Notifications(env.Ctx, repo.NotificationFilters{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Message != "rejected by receiver: wrong team" {
		t.Fatalf("expected rejection notice for alice, got %+v", notes)
	}

	_, err = env.Engine.RejectDerivation(env.Ctx, d.ID, "bob", "again")
	expectCode(t, err, engine.CodeAlreadyTerminated)
}

func TestUndoAfterResponsibilityMoved(t *testing.T) {
	env := newTestEnv(t)
	first := env.derive(t, "case-1", "alice", "bob")
	env.derive(t, "case-1", "bob", "carol")

	_, err := env.Engine.CancelDerivation(env.Ctx, first.ID, "alice", "")
	expectCode(t, err, engine.CodeResponsibilityMoved)

	// the refused cancel rolled back completely
	got, err := env.Engine.FindOne(env.Ctx, first.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsActive || got.Termination != nil {
		t.Fatalf("derivation should still be active: %+v", got.Derivation)
	}
	env.assertOwner(t, "case-1", "carol")
}

func TestMarkViewedIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	d := env.derive(t, "case-1", "alice", "bob")

	_, err := env.Engine.MarkViewed(env.Ctx, d.ID, "alice")
	expectCode(t, err, engine.CodeNotAuthorized)

	first, err := env.Engine.MarkViewed(env.Ctx, d.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if first.AlreadyViewed || !first.Derivation.IsViewed || first.Derivation.ViewedAt == nil {
		t.Fatalf("first view should change the derivation: %+v", first)
	}
	second, err := env.Engine.MarkViewed(env.Ctx, d.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyViewed || *second.Derivation.ViewedAt != *first.Derivation.ViewedAt {
		t.Fatalf("second view must not change viewed_at: %+v", second)
	}
	if first.Message() != "" || second.Message() != engine.MsgAlreadyViewed {
		t.Fatalf("unexpected view messages %q / %q", first.Message(), second.Message())
	}

	evts, err := env.Engine.Repo.CaseEvents(env.Ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	viewed := 0
	for _, e := range evts {
		if e.Type == events.DerivationViewed {
			viewed++
		}
	}
	if viewed != 1 {
		t.Fatalf("expected one viewed event, got %d", viewed)
	}

	_, err = env.Engine.MarkViewed(env.Ctx, "missing", "bob")
	expectCode(t, err, engine.CodeDerivationNotFound)
}

func TestFindOneHidesForeignDerivations(t *testing.T) {
	env := newTestEnv(t)
	d := env.derive(t, "case-1", "alice", "bob")

	for _, caller := range []string{"alice", "bob"} {
		if _, err := env.Engine.FindOne(env.Ctx, d.ID, caller); err != nil {
			t.Fatalf("%s should see the derivation: %v", caller, err)
		}
	}
	_, foreign := env.Engine.FindOne(env.Ctx, d.ID, "carol")
	_, missing := env.Engine.FindOne(env.Ctx, "missing", "carol")
	expectCode(t, foreign, engine.CodeDerivationUnavailable)
	expectCode(t, missing, engine.CodeDerivationUnavailable)
	if foreign.Error() != missing.Error() {
		t.Fatalf("foreign and missing must be indistinguishable: %q vs %q", foreign, missing)
	}

	// the sender opening it does not mark it viewed
	got, err := env.Engine.FindOneAndMarkViewed(env.Ctx, d.ID, "alice")
	if err != nil || got.IsViewed {
		t.Fatalf("sender open: %+v %v", got.Derivation, err)
	}
	got, err = env.Engine.FindOneAndMarkViewed(env.Ctx, d.ID, "bob")
	if err != nil || !got.IsViewed {
		t.Fatalf("receiver open: %+v %v", got.Derivation, err)
	}
}

func TestListingsAndStats(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.OpenCase(env.Ctx, engine.OpenCaseOptions{ID: "case-2", Title: "Jones", OwnerID: "alice"}); err != nil {
		t.Fatal(err)
	}
	d1 := env.derive(t, "case-1", "alice", "bob")
	d2 := env.derive(t, "case-2", "alice", "bob")
	if _, err := env.Engine.CancelDerivation(env.Ctx, d2.ID, "alice", ""); err != nil {
		t.Fatal(err)
	}

	sent, err := env.Engine.SentBy(env.Ctx, "alice", repo.DerivationFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 2 || sent[0].ID != d2.ID {
		t.Fatalf("expected newest first, got %d items", len(sent))
	}
	active := true
	received, err := env.Engine.ReceivedBy(env.Ctx, "bob", repo.DerivationFilters{IsActive: &active})
	if err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 || received[0].ID != d1.ID {
		t.Fatalf("expected only the active derivation, got %+v", received)
	}
	history, err := env.Engine.CaseHistory(env.Ctx, "case-2")
	if err != nil || len(history) != 1 {
		t.Fatalf("case history: %d %v", len(history), err)
	}

	bob, err := env.Engine.Stats(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	want := domain.Stats{ReceivedPending: 1, ReceivedUnviewed: 1, CasesWithBalance: 1, Terminated: 1, TotalActive: 1}
	if bob != want {
		t.Fatalf("bob stats: got %+v want %+v", bob, want)
	}
	alice, err := env.Engine.Stats(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if alice.SentPending != 1 || alice.ReceivedPending != 0 {
		t.Fatalf("alice stats: %+v", alice)
	}
}

type failingInbox struct{}

func (failingInbox) Enqueue(context.Context, *sql.Tx, domain.Notification) error {
	return errors.New("inbox unavailable")
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

func TestNotificationFailureDoesNotAbortHandoff(t *testing.T) {
	env := newTestEnv(t)
	pub := &recordingPublisher{}
	env.Engine.Inbox = failingInbox{}
	env.Engine.Publisher = pub

	d := env.derive(t, "case-1", "alice", "bob")
	env.assertOwner(t, "case-1", "bob")
	notes, err := env.Engine.Notifications(env.Ctx, repo.NotificationFilters{UserID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 0 {
		t.Fatalf("inbox failed, expected no stored notification, got %d", len(notes))
	}
	if len(pub.sent) != 1 || pub.sent[0].UserID != "bob" {
		t.Fatalf("publisher should still receive the notification: %+v", pub.sent)
	}
	if _, err := env.Engine.RejectDerivation(env.Ctx, d.ID, "bob", "busy"); err != nil {
		t.Fatalf("reject with failing inbox: %v", err)
	}
	env.assertOwner(t, "case-1", "alice")
}

func TestHandoffChainScenario(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.derive(t, "case-1", "alice", "bob")
	if _, err := env.Engine.FindOneAndMarkViewed(env.Ctx, d1.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	d2 := env.derive(t, "case-1", "bob", "carol")
	if _, err := env.Engine.RejectDerivation(env.Ctx, d2.ID, "carol", "out of office"); err != nil {
		t.Fatal(err)
	}
	env.assertOwner(t, "case-1", "bob")
	d3 := env.derive(t, "case-1", "bob", "alice")
	if _, err := env.Engine.CancelDerivation(env.Ctx, d3.ID, "bob", "sent by mistake"); err != nil {
		t.Fatal(err)
	}
	env.assertOwner(t, "case-1", "bob")

	evts, err := env.Engine.Repo.CaseEvents(env.Ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	want := []string{
		events.CaseOpened, events.CaseStaffed,
		events.DerivationCreated, events.DerivationViewed,
		events.DerivationCreated, events.DerivationRejected,
		events.DerivationCreated, events.DerivationCancelled,
	}
	if len(types) != len(want) {
		t.Fatalf("events: got %v want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: got %s want %s (%v)", i, types[i], want[i], types)
		}
	}
}

func TestWhoAmIResolvesRolePermissions(t *testing.T) {
	env := newTestEnv(t)
	who, err := env.Engine.WhoAmI(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(who.Roles) != 1 || who.Roles[0] != engine.RoleStaff {
		t.Fatalf("roles: %v", who.Roles)
	}
	if len(who.Permissions) == 0 {
		t.Fatalf("staff should have permissions")
	}
}
