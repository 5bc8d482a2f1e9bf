package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy sets the age in days after which rows are purged.
// Zero keeps a category forever.
type RetentionPolicy struct {
	MessagesDays int
	SessionsDays int
	AuditDays    int
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedMessages  int64 `json:"purged_messages"`
	PurgedSessions  int64 `json:"purged_sessions"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

func (r RetentionResult) Total() int64 {
	return r.PurgedMessages + r.PurgedSessions + r.PurgedAuditLogs
}

// RunRetention deletes records older than the policy windows. Sessions are
// purged by inactivity and take their messages with them. Running it twice
// is harmless.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy) (RetentionResult, error) {
	var result RetentionResult
	now := time.Now().UTC()

	purge := func(days int, query string, into *int64) error {
		if days <= 0 {
			return nil
		}
		cutoff := now.AddDate(0, 0, -days)
		return retryOnBusy(ctx, 5, func() error {
			res, err := s.db.ExecContext(ctx, query, cutoff)
			if err != nil {
				return err
			}
			*into, _ = res.RowsAffected()
			return nil
		})
	}

	if err := purge(p.MessagesDays, `DELETE FROM messages WHERE created_at < ?;`, &result.PurgedMessages); err != nil {
		return result, fmt.Errorf("purge messages: %w", err)
	}
	if err := purge(p.SessionsDays, `DELETE FROM sessions WHERE updated_at < ?;`, &result.PurgedSessions); err != nil {
		return result, fmt.Errorf("purge sessions: %w", err)
	}
	if err := purge(p.AuditDays, `DELETE FROM audit_log WHERE created_at < ?;`, &result.PurgedAuditLogs); err != nil {
		return result, fmt.Errorf("purge audit_log: %w", err)
	}
	return result, nil
}
