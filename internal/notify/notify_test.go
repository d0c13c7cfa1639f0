package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/db"
	"casedesk/internal/domain"
	"casedesk/internal/migrate"
	"casedesk/internal/observability"
	"casedesk/internal/repo"
)

func sampleNotification(userID string) domain.Notification {
	return domain.Notification{
		ID:        "n-1",
		UserID:    userID,
		Title:     "Case handed off to you",
		Message:   "Case \"Smith\" is now yours",
		Route:     "/derivations/d-1",
		CreatedAt: "2024-01-01T00:00:00.000000Z",
	}
}

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.Repo{DB: conn}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.InsertUser(ctx, tx, domain.User{ID: "u1", Name: "Ana", Active: true, CreatedAt: "2024-01-01T00:00:00.000000Z"}))
	require.NoError(t, tx.Commit())
	return r
}

func TestInbox_enqueueStoresNotification(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	inbox := Inbox{Repo: r}

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, inbox.Enqueue(ctx, tx, sampleNotification("u1")))
	require.NoError(t, tx.Commit())

	list, err := r.ListNotifications(ctx, repo.NotificationFilters{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/derivations/d-1", list[0].Route)
	assert.Nil(t, list[0].ReadAt)
}

func TestInbox_failureKeepsTransactionUsable(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	inbox := Inbox{Repo: r}

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	// Unknown user violates the foreign key.
	err = inbox.Enqueue(ctx, tx, sampleNotification("ghost"))
	require.Error(t, err)

	require.NoError(t, r.InsertCase(ctx, tx, domain.Case{
		ID: "c1", Title: "Smith", Status: domain.CaseActive,
		CreatedAt: "2024-01-01T00:00:00.000000Z", UpdatedAt: "2024-01-01T00:00:00.000000Z",
	}))
	require.NoError(t, tx.Commit())

	_, err = r.GetCase(ctx, nil, "c1")
	require.NoError(t, err)
	list, err := r.ListNotifications(ctx, repo.NotificationFilters{UserID: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedisPublisher_publishesSharedAndUserChannels(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub, err := NewRedisPublisher(client, "casedesk.notifications")
	require.NoError(t, err)

	ctx := context.Background()
	sub := client.Subscribe(ctx, "casedesk.notifications", pub.UserChannel("u1"))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, sampleNotification("u1")))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		var n domain.Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		assert.Equal(t, "u1", n.UserID)
		got[msg.Channel] = true
	}
	assert.True(t, got["casedesk.notifications"])
	assert.True(t, got["casedesk.notifications:u1"])
}

func TestRedisPublisher_validation(t *testing.T) {
	_, err := NewRedisPublisher(nil, "x")
	assert.Error(t, err)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	_, err = NewRedisPublisher(client, " ")
	assert.Error(t, err)
}

func TestRedisPublisher_reportsConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer client.Close()
	pub, err := NewRedisPublisher(client, "c")
	require.NoError(t, err)
	mr.Close()
	assert.Error(t, pub.Publish(context.Background(), sampleNotification("u1")))
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092"}})
	assert.Error(t, err)
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestKafkaPublisher_keysByUser(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}
	require.NoError(t, p.Publish(context.Background(), sampleNotification("u2")))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u2", string(w.msgs[0].Key))
	assert.Equal(t, "n-1", string(w.msgs[0].Headers[0].Value))

	var nilPub *KafkaPublisher
	assert.Error(t, nilPub.Publish(context.Background(), sampleNotification("u2")))
	assert.NoError(t, nilPub.Close())
}

type stubSink struct {
	name  string
	err   error
	calls int
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Publish(ctx context.Context, n domain.Notification) error {
	s.calls++
	return s.err
}

func TestFanout_continuesPastFailures(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	bad := &stubSink{name: "kafka", err: errors.New("broker down")}
	good := &stubSink{name: "redis"}
	f := Fanout{Sinks: []Sink{bad, good}, Metrics: m}

	err := f.Publish(context.Background(), sampleNotification("u1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: broker down")
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 1, good.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationFailuresTotal.WithLabelValues("kafka")))

	assert.NoError(t, Fanout{}.Publish(context.Background(), sampleNotification("u1")))
}
