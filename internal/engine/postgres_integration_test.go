//go:build integration

package engine_test

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"casedesk/internal/config"
	"casedesk/internal/db"
	"casedesk/internal/domain"
	"casedesk/internal/engine"
	"casedesk/internal/migrate"
	"casedesk/internal/notify"
	"casedesk/internal/repo"
)

// Run with: go test -tags=integration -timeout 120s ./internal/engine/...
func newPostgresEnv(t *testing.T) testEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("casedesk"),
		postgres.WithUsername("casedesk"),
		postgres.WithPassword("casedesk"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	})
	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	conn, err := db.Open(ctx, db.Config{Driver: db.Postgres, DSN: dsn})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// a second run is a no-op
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}

	eng := engine.New(conn, config.Default())
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
		ID: "case-1", Title: "Smith debt", Balance: 1500, OwnerID: "alice",
	}); err != nil {
		t.Fatalf("open case: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestPostgresDerivationLifecycle(t *testing.T) {
	env := newPostgresEnv(t)

	d := env.derive(t, "case-1", "alice", "bob")
	env.assertOwner(t, "case-1", "bob")
	if _, err := env.Engine.MarkViewed(env.Ctx, d.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CancelDerivation(env.Ctx, d.ID, "alice", "")
	expectCode(t, err, engine.CodeAlreadyViewed)

	out, err := env.Engine.RejectDerivation(env.Ctx, d.ID, "bob", "wrong team")
	if err != nil {
		t.Fatal(err)
	}
	if out.State() != domain.StateRejected {
		t.Fatalf("expected rejected, got %s", out.State())
	}
	env.assertOwner(t, "case-1", "alice")

	notes, err := env.Engine.Notifications(env.Ctx, repo.NotificationFilters{UserID: "alice", UnreadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Message != "rejected by receiver: wrong team" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
	if err := env.Engine.MarkNotificationRead(env.Ctx, "alice", notes[0].ID); err != nil {
		t.Fatal(err)
	}

	stats, err := env.Engine.Stats(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Terminated != 1 || stats.TotalActive != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPostgresConcurrentHandoffs(t *testing.T) {
	env := newPostgresEnv(t)
	receivers := []string{"bob", "carol", "bob", "carol"}
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
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful handoff, got %d (%v)", wins, errs)
	}
	n, err := env.Engine.Repo.CountActiveAssignments(env.Ctx, "case-1")
	if err != nil || n != 1 {
		t.Fatalf("expected one active assignment, got %d (%v)", n, err)
	}
}
