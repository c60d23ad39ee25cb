package store

import (
	"database/sql"
	"time"

	"github.com/classtrader/trading-core/internal/model"
)

// InsertBreaker records and activates a circuit breaker event.
func (s *Store) InsertBreaker(e model.CircuitBreakerEvent) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO circuit_breaker_events (event_type, sleeve, reason, triggered_at, active)
		 VALUES (?, ?, ?, ?, 1)`,
		e.EventType, string(e.Sleeve), e.Reason, fmtTime(e.TriggeredAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ActiveBreaker returns an unresolved breaker halting the sleeve, if any.
// A breaker with an empty sleeve is system-wide and halts every sleeve.
func (s *Store) ActiveBreaker(sleeve model.Sleeve) (*model.CircuitBreakerEvent, error) {
	row := s.db.QueryRow(selectBreaker+
		` WHERE active = 1 AND (sleeve = ? OR sleeve = '') ORDER BY id LIMIT 1`,
		string(sleeve))
	return scanBreaker(row)
}

// GetBreaker returns one breaker event by ID.
func (s *Store) GetBreaker(id int64) (*model.CircuitBreakerEvent, error) {
	row := s.db.QueryRow(selectBreaker+` WHERE id = ?`, id)
	return scanBreaker(row)
}

// ResolveBreaker deactivates a breaker. Resolving an already-resolved
// breaker is a no-op that returns the record unchanged.
func (s *Store) ResolveBreaker(id int64, resolvedBy string, at time.Time) (*model.CircuitBreakerEvent, error) {
	_, err := s.db.Exec(
		`UPDATE circuit_breaker_events SET active = 0, resolved_at = ?, resolved_by = ?
		 WHERE id = ? AND active = 1`,
		fmtTime(at), resolvedBy, id)
	if err != nil {
		return nil, err
	}
	return s.GetBreaker(id)
}

// ListBreakers returns breaker events, optionally only unresolved ones.
func (s *Store) ListBreakers(activeOnly bool) ([]model.CircuitBreakerEvent, error) {
	query := selectBreaker + ` ORDER BY id DESC`
	if activeOnly {
		query = selectBreaker + ` WHERE active = 1 ORDER BY id DESC`
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CircuitBreakerEvent
	for rows.Next() {
		e, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// BreakerResolvedSince reports whether any breaker for the sleeve was
// resolved after the cutoff; the post-resolution cooldown forces manual
// approval of new trades.
func (s *Store) BreakerResolvedSince(sleeve model.Sleeve, cutoff time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM circuit_breaker_events
		 WHERE active = 0 AND (sleeve = ? OR sleeve = '') AND resolved_at >= ?`,
		string(sleeve), fmtTime(cutoff)).Scan(&n)
	return n > 0, err
}

const selectBreaker = `SELECT id, event_type, sleeve, reason, triggered_at, resolved_at, resolved_by, active
	FROM circuit_breaker_events`

func scanBreaker(row rowScanner) (*model.CircuitBreakerEvent, error) {
	var e model.CircuitBreakerEvent
	var triggeredAt string
	var sleeve, resolvedAt, resolvedBy sql.NullString
	var active int
	err := row.Scan(&e.ID, &e.EventType, &sleeve, &e.Reason, &triggeredAt,
		&resolvedAt, &resolvedBy, &active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Sleeve = model.Sleeve(sleeve.String)
	e.TriggeredAt = parseTime(triggeredAt)
	e.ResolvedAt = parseTimePtr(resolvedAt)
	e.ResolvedBy = resolvedBy.String
	e.Active = active != 0
	return &e, nil
}
