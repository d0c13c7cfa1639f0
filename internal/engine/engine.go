package engine

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"casedesk/internal/config"
	"casedesk/internal/db"
	"casedesk/internal/domain"
	"casedesk/internal/engine/auth"
	"casedesk/internal/events"
	"casedesk/internal/observability"
	"casedesk/internal/repo"
)

// Inbox stores a notification inside the caller's transaction.
type Inbox interface {
	Enqueue(ctx context.Context, tx *sql.Tx, n domain.Notification) error
}

// Publisher delivers a committed notification to out-of-process channels.
type Publisher interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// StatsCache holds recently computed dashboard counters per user.
type StatsCache interface {
	Get(ctx context.Context, userID string) (domain.Stats, bool, error)
	Set(ctx context.Context, userID string, s domain.Stats) error
	Invalidate(ctx context.Context, userIDs ...string) error
}

type Engine struct {
	DB         *db.Conn
	Repo       repo.Repo
	Events     events.Writer
	Auth       auth.Service
	Config     *config.Config
	Inbox      Inbox
	Publisher  Publisher
	StatsCache StatsCache
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Tracer     trace.Tracer
	Now        func() time.Time
}

func New(conn *db.Conn, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{Dialect: conn.Dialect},
		Auth:   auth.Service{Repo: repo.Repo{DB: conn}},
		Config: cfg,
		Logger: zap.NewNop(),
		Tracer: observability.Tracer(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.FormatTime(e.now())
}

func (e Engine) log() *zap.Logger {
	return observability.OrNop(e.Logger)
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := e.Tracer
	if tr == nil {
		tr = observability.Tracer()
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

// refused counts a refused operation; infrastructure errors are not counted.
func (e Engine) refused(op string, err error) error {
	if code := ErrorCode(err); code != "" {
		e.Metrics.RecordFailure(op, code)
	}
	return err
}

func (e Engine) route(kind, id string) string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Route(kind, id)
}
