package unitstore

import (
	"context"
	"time"
)

// TryLock claims the named lock for owner until ttl elapses. It never waits:
// false means another owner holds an unexpired claim.
func (s *Store) TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?
	`, name, owner, toMillis(now.Add(ttl)), toMillis(now))
	if err != nil {
		return false, storeErr("try lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("try lock", err)
	}
	return n == 1, nil
}

// Unlock releases the named lock if owner still holds it
func (s *Store) Unlock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return storeErr("unlock", err)
	}
	return nil
}
