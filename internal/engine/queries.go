package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"casedesk/internal/domain"
	"casedesk/internal/repo"
)

// ListDerivations filters derivations, newest first unless Ascending is set.
func (e Engine) ListDerivations(ctx context.Context, f repo.DerivationFilters) ([]domain.DerivationDetail, error) {
	if f.Priority != "" && !domain.Priority(f.Priority).Valid() {
		return nil, invalid("priority", CodeInvalid, "priority must be low, normal, high or urgent")
	}
	return e.Repo.ListDerivations(ctx, f)
}

// SentBy lists derivations the user handed off.
func (e Engine) SentBy(ctx context.Context, userID string, f repo.DerivationFilters) ([]domain.DerivationDetail, error) {
	f.FromUserID = userID
	f.ToUserID = ""
	f.InvolvingUserID = ""
	return e.ListDerivations(ctx, f)
}

// ReceivedBy lists derivations handed to the user.
func (e Engine) ReceivedBy(ctx context.Context, userID string, f repo.DerivationFilters) ([]domain.DerivationDetail, error) {
	f.ToUserID = userID
	f.FromUserID = ""
	f.InvolvingUserID = ""
	return e.ListDerivations(ctx, f)
}

// CaseHistory lists every derivation of a case, oldest first.
func (e Engine) CaseHistory(ctx context.Context, caseID string) ([]domain.DerivationDetail, error) {
	if _, err := e.Repo.GetCase(ctx, nil, caseID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, invalid("case_id", CodeCaseNotFound, "case not found")
		}
		return nil, err
	}
	return e.Repo.ListDerivations(ctx, repo.DerivationFilters{CaseID: caseID, Ascending: true})
}

// Stats returns the caller's dashboard counters. Values may come from the
// cache and lag the write path by up to the cache TTL.
func (e Engine) Stats(ctx context.Context, userID string) (domain.Stats, error) {
	if e.StatsCache != nil {
		s, ok, err := e.StatsCache.Get(ctx, userID)
		if err != nil {
			e.log().Warn("stats cache read failed", zap.String("user_id", userID), zap.Error(err))
		}
		if ok {
			e.Metrics.RecordStatsCache(true)
			return s, nil
		}
		e.Metrics.RecordStatsCache(false)
	}
	s, err := e.Repo.DerivationStats(ctx, userID)
	if err != nil {
		return domain.Stats{}, err
	}
	if e.StatsCache != nil {
		if err := e.StatsCache.Set(ctx, userID, s); err != nil {
			e.log().Warn("stats cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return s, nil
}

func (e Engine) invalidateStats(ctx context.Context, userIDs ...string) {
	if e.StatsCache == nil || len(userIDs) == 0 {
		return
	}
	if err := e.StatsCache.Invalidate(ctx, userIDs...); err != nil {
		e.log().Warn("stats cache invalidation failed", zap.Strings("user_ids", userIDs), zap.Error(err))
	}
}

// Notifications lists the caller's inbox.
func (e Engine) Notifications(ctx context.Context, f repo.NotificationFilters) ([]domain.Notification, error) {
	return e.Repo.ListNotifications(ctx, f)
}

// MarkNotificationRead marks one of the caller's notifications read.
func (e Engine) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	return e.Repo.MarkNotificationRead(ctx, userID, notificationID, e.stamp())
}
