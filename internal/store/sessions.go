package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/ClaudeGateAPI/internal/apierr"
)

// Session binds a gateway session ID to the CLI conversation it resumes.
// The upstream token is never exposed to clients.
type Session struct {
	ID                string    `json:"id"`
	UpstreamSessionID string    `json:"-"`
	OwnerFingerprint  string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	LastAccessedAt    time.Time `json:"last_accessed_at"`
}

// SessionStore persists sessions and owns their in-process lock table.
type SessionStore struct {
	db          *sql.DB
	locks       *SessionLocks
	maxPerOwner int
}

// NewSessionStore returns a session store enforcing maxPerOwner live
// sessions per credential; zero or negative disables the quota.
func NewSessionStore(db *DB, maxPerOwner int) *SessionStore {
	return &SessionStore{
		db:          db.db,
		locks:       NewSessionLocks(),
		maxPerOwner: maxPerOwner,
	}
}

// Create registers a new session for the given credential, mapping it to the
// upstream conversation token reported by the CLI.
func (s *SessionStore) Create(ctx context.Context, upstreamSessionID, credential string) (*Session, error) {
	owner := Fingerprint(credential)
	if s.maxPerOwner > 0 {
		count, err := s.CountByOwner(ctx, owner)
		if err != nil {
			return nil, err
		}
		if count >= s.maxPerOwner {
			return nil, apierr.SessionLimit(s.maxPerOwner)
		}
	}

	now := time.Now().UTC()
	session := &Session{
		ID:                uuid.NewString(),
		UpstreamSessionID: upstreamSessionID,
		OwnerFingerprint:  owner,
		CreatedAt:         now,
		LastAccessedAt:    now,
	}

	stmt := `INSERT INTO sessions (id, upstream_session_id, owner_fingerprint, created_at, last_accessed_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, session.ID, session.UpstreamSessionID, session.OwnerFingerprint, formatTime(now), formatTime(now)); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return session, nil
}

// Get returns the session with the given ID if it belongs to the credential.
// Sessions owned by other credentials are indistinguishable from missing ones.
func (s *SessionStore) Get(ctx context.Context, id, credential string) (*Session, error) {
	stmt := `SELECT id, upstream_session_id, owner_fingerprint, created_at, last_accessed_at FROM sessions WHERE id = ?`
	session, err := scanSession(s.db.QueryRowContext(ctx, stmt, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.SessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if session.OwnerFingerprint != Fingerprint(credential) {
		return nil, apierr.SessionNotFound(id)
	}
	return session, nil
}

// Touch refreshes the idle clock of a session.
func (s *SessionStore) Touch(ctx context.Context, id string) error {
	stmt := `UPDATE sessions SET last_accessed_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, stmt, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// SetUpstream replaces the stored upstream token. The CLI rotates the
// conversation ID on every resumed turn, so each run rewrites the mapping.
func (s *SessionStore) SetUpstream(ctx context.Context, id, upstreamSessionID string) error {
	stmt := `UPDATE sessions SET upstream_session_id = ?, last_accessed_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, stmt, upstreamSessionID, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("failed to update session upstream token: %w", err)
	}
	return nil
}

// Delete removes a session owned by the credential and purges its lock.
func (s *SessionStore) Delete(ctx context.Context, id, credential string) error {
	stmt := `DELETE FROM sessions WHERE id = ? AND owner_fingerprint = ?`
	res, err := s.db.ExecContext(ctx, stmt, id, Fingerprint(credential))
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return apierr.SessionNotFound(id)
	}
	s.locks.Purge(id)
	return nil
}

// List returns the credential's sessions, most recently used first.
func (s *SessionStore) List(ctx context.Context, credential string) ([]*Session, error) {
	stmt := `SELECT id, upstream_session_id, owner_fingerprint, created_at, last_accessed_at FROM sessions WHERE owner_fingerprint = ? ORDER BY last_accessed_at DESC`
	rows, err := s.db.QueryContext(ctx, stmt, Fingerprint(credential))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]*Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// CountByOwner counts live sessions for an owner fingerprint.
func (s *SessionStore) CountByOwner(ctx context.Context, owner string) (int, error) {
	var count int
	stmt := `SELECT COUNT(*) FROM sessions WHERE owner_fingerprint = ?`
	if err := s.db.QueryRowContext(ctx, stmt, owner).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// Count counts all live sessions.
func (s *SessionStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// DeleteExpired removes sessions idle since before cutoff and purges their
// locks. It returns the IDs it removed.
func (s *SessionStore) DeleteExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	stmt := `DELETE FROM sessions WHERE last_accessed_at < ? RETURNING id`
	rows, err := s.db.QueryContext(ctx, stmt, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired sessions: %w", err)
	}
	for _, id := range ids {
		s.locks.Purge(id)
	}
	return ids, nil
}

// Acquire serializes access to a session. It blocks until the caller holds
// the session's lock or ctx is done.
func (s *SessionStore) Acquire(ctx context.Context, id string) error {
	return s.locks.Acquire(ctx, id)
}

// Release hands the session's lock to the next waiter.
func (s *SessionStore) Release(id string) {
	s.locks.Release(id)
}

// Stats reports the live session count and held lock count.
type Stats struct {
	Sessions    int `json:"sessions"`
	ActiveLocks int `json:"active_locks"`
}

// Stats returns current store statistics.
func (s *SessionStore) Stats(ctx context.Context) (Stats, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Sessions: count, ActiveLocks: s.locks.Len()}, nil
}

// StartSweeper expires idle sessions every interval until ctx is done.
func (s *SessionStore) StartSweeper(ctx context.Context, ttl, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ids, err := s.DeleteExpired(ctx, time.Now().Add(-ttl))
				if err != nil {
					if ctx.Err() == nil {
						log.Errorf("session sweep failed: %v", err)
					}
					continue
				}
				if len(ids) > 0 {
					log.Debugf("session sweep expired %d session(s)", len(ids))
				}
			}
		}
	}()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var createdAt, lastAccessedAt string
	if err := row.Scan(&session.ID, &session.UpstreamSessionID, &session.OwnerFingerprint, &createdAt, &lastAccessedAt); err != nil {
		return nil, err
	}
	var err error
	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if session.LastAccessedAt, err = parseTime(lastAccessedAt); err != nil {
		return nil, fmt.Errorf("invalid last_accessed_at %q: %w", lastAccessedAt, err)
	}
	return &session, nil
}
