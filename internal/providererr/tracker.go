// Package providererr tracks provider call failures per credential and
// auto-disables credentials whose error pattern matches the disable policy.
//
// Fatal errors (bad key, suspended account, exhausted quota) accumulate in a
// per-credential aggregate; transient errors land in a bounded warning list.
// Every error also feeds a per-provider summary and a global recent feed so
// operators can see failures across the fleet. Disable decisions run under a
// distributed lock so concurrent gateway instances reach one verdict.
package providererr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"omnigate/internal/cache"
	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/events"
	"omnigate/internal/lock"
	"omnigate/internal/telemetry"
)

// =============================================================================
// Key Layout
// =============================================================================

const recentErrorsKey = "provider:errors:recent"

func fatalKey(credentialID string) string {
	return "provider:errors:key:" + credentialID + ":fatal"
}

func warningsKey(credentialID string) string {
	return "provider:errors:key:" + credentialID + ":warnings"
}

func summaryKey(providerID string) string {
	return "provider:errors:provider:" + providerID + ":summary"
}

func gateCacheKey(providerID string) string {
	return "provider-enabled:" + providerID
}

const (
	fieldDisabledAt     = "disabled_at"
	disabledFieldPrefix = "disabled:"
	gateLookupTimeout   = 2 * time.Second
)

// =============================================================================
// Tracker
// =============================================================================

// Tracker is the provider error accountant and credential circuit breaker.
type Tracker struct {
	cfg      config.ProviderErrorsConfig
	client   *redis.Client
	store    CredentialStore
	locks    lock.Service
	cache    *cache.Manager
	bus      events.Bus
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	clock    clockwork.Clock
	policies map[domain.ProviderErrorType]Policy
}

func NewTracker(cfg config.ProviderErrorsConfig, client *redis.Client, store CredentialStore, locks lock.Service, cacheMgr *cache.Manager, bus events.Bus, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) *Tracker {
	if cfg.WarningCap <= 0 {
		cfg.WarningCap = 100
	}
	if cfg.WarningRetention.Duration <= 0 {
		cfg.WarningRetention = config.Duration{Duration: 30 * 24 * time.Hour}
	}
	if cfg.RecentCap <= 0 {
		cfg.RecentCap = 1000
	}
	if cfg.DisableLockTTL.Duration <= 0 {
		cfg.DisableLockTTL = config.Duration{Duration: 30 * time.Second}
	}
	if cfg.GateTTL.Duration <= 0 {
		cfg.GateTTL = config.Duration{Duration: 30 * time.Second}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		cfg:      cfg,
		client:   client,
		store:    store,
		locks:    locks,
		cache:    cacheMgr,
		bus:      bus,
		logger:   logger.With("component", "provider_error_tracker"),
		metrics:  metrics,
		clock:    clock,
		policies: buildPolicies(cfg.Policies),
	}
}

// =============================================================================
// Recording
// =============================================================================

// TrackError records one observed provider failure. Fatal errors update the
// credential's aggregate hash; warnings go to the bounded warning list. Both
// update the provider summary and the global recent feed.
func (t *Tracker) TrackError(ctx context.Context, rec *domain.ProviderErrorRecord) error {
	if rec == nil {
		return errors.New("providererr: nil record")
	}
	if rec.CredentialID == "" && rec.ProviderID == "" {
		return errors.New("providererr: record needs a credential or provider id")
	}
	now := t.clock.Now().UTC()
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = now
	}
	rec.IsFatal = rec.ErrorType.Fatal()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding error record: %w", err)
	}

	score := float64(rec.OccurredAt.Unix())
	stamp := rec.OccurredAt.Format(time.RFC3339Nano)
	retentionCutoff := strconv.FormatInt(now.Add(-t.cfg.WarningRetention.Duration).Unix(), 10)

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if rec.CredentialID != "" {
			if rec.IsFatal {
				key := fatalKey(rec.CredentialID)
				prefix := string(rec.ErrorType)
				pipe.HIncrBy(ctx, key, prefix+":count", 1)
				pipe.HSetNX(ctx, key, prefix+":first_seen", stamp)
				pipe.HSet(ctx, key,
					prefix+":last_seen", stamp,
					prefix+":last_message", rec.Message,
					prefix+":last_status", rec.StatusCode,
				)
			} else {
				key := warningsKey(rec.CredentialID)
				pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: data})
				pipe.ZRemRangeByScore(ctx, key, "-inf", "("+retentionCutoff)
				pipe.ZRemRangeByRank(ctx, key, 0, int64(-(t.cfg.WarningCap + 1)))
				pipe.Expire(ctx, key, t.cfg.WarningRetention.Duration)
			}
		}
		if rec.ProviderID != "" {
			key := summaryKey(rec.ProviderID)
			pipe.HIncrBy(ctx, key, "total_errors", 1)
			if rec.IsFatal {
				pipe.HIncrBy(ctx, key, "fatal_errors", 1)
			} else {
				pipe.HIncrBy(ctx, key, "warnings", 1)
			}
			pipe.HSet(ctx, key, "last_error_at", stamp, "last_error_type", string(rec.ErrorType))
		}
		pipe.ZAdd(ctx, recentErrorsKey, redis.Z{Score: score, Member: data})
		pipe.ZRemRangeByRank(ctx, recentErrorsKey, 0, int64(-(t.cfg.RecentCap + 1)))
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording provider error: %w", err)
	}

	if t.metrics != nil {
		t.metrics.RecordProviderError(rec.ProviderID, rec.ErrorType)
	}
	if rec.IsFatal {
		t.logger.Warn("fatal provider error",
			"provider_id", rec.ProviderID,
			"credential_id", rec.CredentialID,
			"error_type", rec.ErrorType,
			"status", rec.StatusCode)
	} else {
		t.logger.Debug("provider warning",
			"provider_id", rec.ProviderID,
			"credential_id", rec.CredentialID,
			"error_type", rec.ErrorType)
	}
	return nil
}

// Observe is the composite entry point for a classified provider failure:
// record it, consult the policy table, and disable the credential when the
// policy says so.
func (t *Tracker) Observe(ctx context.Context, perr *domain.ProviderError) error {
	if perr == nil {
		return nil
	}
	rec := &domain.ProviderErrorRecord{
		CredentialID: perr.CredentialID,
		ProviderID:   perr.ProviderID,
		ErrorType:    perr.Type,
		StatusCode:   perr.StatusCode,
		Message:      perr.Message,
		OccurredAt:   perr.OccurredAt,
	}
	if err := t.TrackError(ctx, rec); err != nil {
		return err
	}
	if perr.CredentialID == "" {
		return nil
	}
	disable, err := t.ShouldDisable(ctx, perr.CredentialID, perr.Type)
	if err != nil {
		return err
	}
	if !disable {
		return nil
	}
	reason := fmt.Sprintf("Auto-disabled due to %s: %s", perr.Type, perr.Message)
	if err := t.Disable(ctx, perr.CredentialID, reason); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.RecordCredentialDisabled(perr.ProviderID, perr.Type)
	}
	return nil
}

// =============================================================================
// Disable Policy
// =============================================================================

// ShouldDisable consults the policy table for the error type. Immediate
// policies answer true at once; windowed policies count occurrences of the
// type for this credential inside the policy window.
func (t *Tracker) ShouldDisable(ctx context.Context, credentialID string, errorType domain.ProviderErrorType) (bool, error) {
	policy, ok := t.policies[errorType]
	if !ok {
		return false, nil
	}
	if policy.DisableImmediately {
		return true, nil
	}
	if policy.RequiredOccurrences <= 0 || credentialID == "" {
		return false, nil
	}
	count, err := t.windowedCount(ctx, credentialID, errorType, policy.TimeWindow)
	if err != nil {
		return false, err
	}
	return count >= policy.RequiredOccurrences, nil
}

// windowedCount reads the recent feed and counts this credential's
// occurrences of one error type inside the window. The feed is the only
// structure holding fatal and non-fatal records side by side, which windowed
// policy overrides on fatal types rely on.
func (t *Tracker) windowedCount(ctx context.Context, credentialID string, errorType domain.ProviderErrorType, window time.Duration) (int, error) {
	cutoff := t.clock.Now().UTC().Add(-window)
	members, err := t.client.ZRangeByScore(ctx, recentErrorsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reading recent errors: %w", err)
	}
	count := 0
	for _, m := range members {
		var rec domain.ProviderErrorRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			continue
		}
		if rec.CredentialID != credentialID || rec.ErrorType != errorType {
			continue
		}
		// Scores are second granularity; check the precise timestamp.
		if rec.OccurredAt.Before(cutoff) {
			continue
		}
		count++
	}
	return count, nil
}

// Disable turns off a credential, and its provider when the credential is
// primary or was the last one enabled. The decision runs under a distributed
// lock; losing the lock race means another instance is already deciding, so
// the call returns nil. Disabling is idempotent.
func (t *Tracker) Disable(ctx context.Context, credentialID, reason string) error {
	l, err := t.locks.Acquire(ctx, "credential-disable:"+credentialID, t.cfg.DisableLockTTL.Duration)
	if errors.Is(err, lock.ErrNotAcquired) {
		t.logger.Info("credential disable already in progress", "credential_id", credentialID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("locking credential disable: %w", err)
	}
	defer func() {
		if err := t.locks.Release(ctx, l); err != nil {
			t.logger.Warn("releasing disable lock", "credential_id", credentialID, "error", err)
		}
	}()

	cred, err := t.store.Credential(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("loading credential: %w", err)
	}

	providerDisabled := false
	if cred.IsPrimary {
		enabled, err := t.store.ProviderEnabled(ctx, cred.ProviderID)
		if err != nil {
			return fmt.Errorf("checking provider: %w", err)
		}
		if !enabled {
			return nil
		}
		if err := t.store.SetProviderEnabled(ctx, cred.ProviderID, false); err != nil {
			return fmt.Errorf("disabling provider: %w", err)
		}
		providerDisabled = true
	} else {
		if !cred.IsEnabled {
			return nil
		}
		if err := t.store.SetCredentialEnabled(ctx, credentialID, false); err != nil {
			return fmt.Errorf("disabling credential: %w", err)
		}
		remaining, err := t.store.EnabledCredentialCount(ctx, cred.ProviderID)
		if err != nil {
			return fmt.Errorf("counting enabled credentials: %w", err)
		}
		if remaining == 0 {
			if err := t.store.SetProviderEnabled(ctx, cred.ProviderID, false); err != nil {
				return fmt.Errorf("disabling provider: %w", err)
			}
			providerDisabled = true
		}
	}

	now := t.clock.Now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	if _, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fatalKey(credentialID), fieldDisabledAt, stamp)
		pipe.HSet(ctx, summaryKey(cred.ProviderID), disabledFieldPrefix+credentialID, stamp)
		return nil
	}); err != nil {
		t.logger.Warn("marking disabled in redis", "credential_id", credentialID, "error", err)
	}

	if t.cache != nil && providerDisabled {
		t.cache.Remove(ctx, domain.RegionProviderHealth, gateCacheKey(cred.ProviderID))
	}

	if t.bus != nil {
		ev := events.CredentialDisabled{
			KeyID:      credentialID,
			ProviderID: cred.ProviderID,
			Reason:     reason,
			DisabledAt: now,
		}
		if err := t.bus.Publish(ctx, "credential:"+credentialID, ev); err != nil {
			t.logger.Warn("publishing credential disabled", "credential_id", credentialID, "error", err)
		}
	}

	t.logger.Warn("credential disabled",
		"credential_id", credentialID,
		"provider_id", cred.ProviderID,
		"provider_disabled", providerDisabled,
		"reason", reason)
	return nil
}

// =============================================================================
// Routing Gate
// =============================================================================

// ProviderEnabled reports whether the provider may receive traffic. The
// answer comes from the durable store through a short-lived cache entry and
// fails open, so a store outage cannot black-hole every request.
func (t *Tracker) ProviderEnabled(providerID string) bool {
	if providerID == "" || t.cache == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), gateLookupTimeout)
	defer cancel()
	enabled, err := cache.GetOrCreate(ctx, t.cache, domain.RegionProviderHealth, gateCacheKey(providerID), t.cfg.GateTTL.Duration, func(ctx context.Context) (bool, error) {
		return t.store.ProviderEnabled(ctx, providerID)
	})
	if err != nil {
		t.logger.Warn("provider gate lookup failed, failing open", "provider_id", providerID, "error", err)
		return true
	}
	return enabled
}

// =============================================================================
// Queries
// =============================================================================

// RecentErrorFilter narrows the recent-errors feed.
type RecentErrorFilter struct {
	ProviderID   string
	CredentialID string
	Limit        int
}

// RecentErrors returns the newest entries of the global feed, newest first.
func (t *Tracker) RecentErrors(ctx context.Context, filter RecentErrorFilter) ([]domain.ProviderErrorRecord, error) {
	members, err := t.client.ZRevRange(ctx, recentErrorsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading recent errors: %w", err)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = t.cfg.RecentCap
	}
	records := make([]domain.ProviderErrorRecord, 0, min(limit, len(members)))
	for _, m := range members {
		if len(records) >= limit {
			break
		}
		var rec domain.ProviderErrorRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			continue
		}
		if filter.ProviderID != "" && rec.ProviderID != filter.ProviderID {
			continue
		}
		if filter.CredentialID != "" && rec.CredentialID != filter.CredentialID {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// CredentialErrorCounts returns this credential's error counts by type
// inside the window.
func (t *Tracker) CredentialErrorCounts(ctx context.Context, credentialID string, window time.Duration) (map[domain.ProviderErrorType]int, error) {
	cutoff := t.clock.Now().UTC().Add(-window)
	members, err := t.client.ZRangeByScore(ctx, recentErrorsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading recent errors: %w", err)
	}
	counts := make(map[domain.ProviderErrorType]int)
	for _, m := range members {
		var rec domain.ProviderErrorRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			continue
		}
		if rec.CredentialID != credentialID || rec.OccurredAt.Before(cutoff) {
			continue
		}
		counts[rec.ErrorType]++
	}
	return counts, nil
}

// CredentialErrorDetail is everything tracked for one credential.
type CredentialErrorDetail struct {
	CredentialID string                       `json:"credential_id"`
	Fatal        []domain.ErrorAggregate      `json:"fatal"`
	Warnings     []domain.ProviderErrorRecord `json:"warnings"`
	DisabledAt   *time.Time                   `json:"disabled_at,omitempty"`
}

// CredentialDetail returns the fatal aggregates, the recent warnings (newest
// first) and the disabled marker for one credential.
func (t *Tracker) CredentialDetail(ctx context.Context, credentialID string) (*CredentialErrorDetail, error) {
	fields, err := t.client.HGetAll(ctx, fatalKey(credentialID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading fatal aggregate: %w", err)
	}

	detail := &CredentialErrorDetail{CredentialID: credentialID}
	byType := make(map[domain.ProviderErrorType]*domain.ErrorAggregate)
	for field, value := range fields {
		if field == fieldDisabledAt {
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				detail.DisabledAt = &ts
			}
			continue
		}
		name, attr, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		errType := domain.ProviderErrorType(name)
		agg := byType[errType]
		if agg == nil {
			agg = &domain.ErrorAggregate{ErrorType: errType}
			byType[errType] = agg
		}
		switch attr {
		case "count":
			agg.Count, _ = strconv.ParseInt(value, 10, 64)
		case "first_seen":
			agg.FirstSeen, _ = time.Parse(time.RFC3339Nano, value)
		case "last_seen":
			agg.LastSeen, _ = time.Parse(time.RFC3339Nano, value)
		case "last_message":
			agg.LastMessage = value
		case "last_status":
			agg.LastStatusCode, _ = strconv.Atoi(value)
		}
	}
	for _, agg := range byType {
		agg.DisabledAt = detail.DisabledAt
		detail.Fatal = append(detail.Fatal, *agg)
	}
	sort.Slice(detail.Fatal, func(i, j int) bool {
		return detail.Fatal[i].ErrorType < detail.Fatal[j].ErrorType
	})

	members, err := t.client.ZRevRange(ctx, warningsKey(credentialID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading warnings: %w", err)
	}
	for _, m := range members {
		var rec domain.ProviderErrorRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			continue
		}
		detail.Warnings = append(detail.Warnings, rec)
	}
	return detail, nil
}

// ProviderErrorSummary is the per-provider rollup.
type ProviderErrorSummary struct {
	ProviderID          string                   `json:"provider_id"`
	TotalErrors         int64                    `json:"total_errors"`
	FatalErrors         int64                    `json:"fatal_errors"`
	Warnings            int64                    `json:"warnings"`
	LastErrorAt         *time.Time               `json:"last_error_at,omitempty"`
	LastErrorType       domain.ProviderErrorType `json:"last_error_type,omitempty"`
	DisabledCredentials []string                 `json:"disabled_credentials,omitempty"`
}

// ProviderSummary returns the rollup for one provider.
func (t *Tracker) ProviderSummary(ctx context.Context, providerID string) (*ProviderErrorSummary, error) {
	fields, err := t.client.HGetAll(ctx, summaryKey(providerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading provider summary: %w", err)
	}
	summary := &ProviderErrorSummary{ProviderID: providerID}
	for field, value := range fields {
		switch {
		case field == "total_errors":
			summary.TotalErrors, _ = strconv.ParseInt(value, 10, 64)
		case field == "fatal_errors":
			summary.FatalErrors, _ = strconv.ParseInt(value, 10, 64)
		case field == "warnings":
			summary.Warnings, _ = strconv.ParseInt(value, 10, 64)
		case field == "last_error_at":
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				summary.LastErrorAt = &ts
			}
		case field == "last_error_type":
			summary.LastErrorType = domain.ProviderErrorType(value)
		case strings.HasPrefix(field, disabledFieldPrefix):
			summary.DisabledCredentials = append(summary.DisabledCredentials, strings.TrimPrefix(field, disabledFieldPrefix))
		}
	}
	sort.Strings(summary.DisabledCredentials)
	return summary, nil
}

// ErrorStatistics is the fleet-wide error picture over a window.
type ErrorStatistics struct {
	CountsByType        map[domain.ProviderErrorType]int64 `json:"counts_by_type"`
	TotalErrors         int64                              `json:"total_errors"`
	FatalErrors         int64                              `json:"fatal_errors"`
	Warnings            int64                              `json:"warnings"`
	DisabledCredentials int                                `json:"disabled_credentials"`
}

// Statistics aggregates the recent feed over the window and adds the durable
// count of disabled credentials.
func (t *Tracker) Statistics(ctx context.Context, window time.Duration) (*ErrorStatistics, error) {
	cutoff := t.clock.Now().UTC().Add(-window)
	members, err := t.client.ZRangeByScore(ctx, recentErrorsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading recent errors: %w", err)
	}

	stats := &ErrorStatistics{CountsByType: make(map[domain.ProviderErrorType]int64)}
	for _, m := range members {
		var rec domain.ProviderErrorRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			continue
		}
		if rec.OccurredAt.Before(cutoff) {
			continue
		}
		stats.CountsByType[rec.ErrorType]++
		stats.TotalErrors++
		if rec.IsFatal {
			stats.FatalErrors++
		} else {
			stats.Warnings++
		}
	}

	disabled, err := t.store.DisabledCredentialCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting disabled credentials: %w", err)
	}
	stats.DisabledCredentials = disabled
	return stats, nil
}
