package nib

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pdsno/pdsno/pkg/model"
)

// AcquireLock takes the advisory lock on resourceKey for holderID with the
// given TTL. On success it returns the new fencing token, which strictly
// increases across successive acquisitions of the same resource. An
// unexpired lock produces a HeldError.
func (s *Store) AcquireLock(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (int64, error) {
	var token int64
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		token, err = tx.AcquireLock(ctx, resourceKey, holderID, ttl)
		return err
	})
	return token, err
}

// AcquireLock is the transactional form of Store.AcquireLock.
func (tx *Tx) AcquireLock(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (int64, error) {
	if resourceKey == "" || holderID == "" || ttl <= 0 {
		return 0, invalidf("lock requires resource_key, holder_id, and a positive ttl")
	}
	now := tx.s.now()

	var (
		holder  string
		expires string
		token   int64
	)
	err := tx.tx.QueryRowContext(ctx, tx.s.rebind(
		`SELECT holder_id, expires_at, fencing_token FROM locks WHERE resource_key = ?`), resourceKey).
		Scan(&holder, &expires, &token)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.tx.ExecContext(ctx, tx.s.rebind(
			`INSERT INTO locks (resource_key, holder_id, acquired_at, expires_at, fencing_token) VALUES (?, ?, ?, ?, ?)`),
			resourceKey, holderID, formatTime(now), formatTime(now.Add(ttl)), 1)
		if err != nil {
			return 0, fmt.Errorf("insert lock: %w", err)
		}
		return 1, nil
	case err != nil:
		return 0, fmt.Errorf("read lock: %w", err)
	}

	if parseTime(expires).After(now) {
		return 0, &HeldError{HolderID: holder, ExpiresAt: parseTime(expires)}
	}

	// Expired: the row stays so the fencing token keeps climbing.
	next := token + 1
	_, err = tx.tx.ExecContext(ctx, tx.s.rebind(
		`UPDATE locks SET holder_id = ?, acquired_at = ?, expires_at = ?, fencing_token = ? WHERE resource_key = ?`),
		holderID, formatTime(now), formatTime(now.Add(ttl)), next, resourceKey)
	if err != nil {
		return 0, fmt.Errorf("reacquire lock: %w", err)
	}
	return next, nil
}

// ReleaseLock releases the lock identified by its fencing token. A token
// superseded by a reacquisition fails with ErrStaleToken, so a slow holder
// can never release a lock it no longer owns.
func (s *Store) ReleaseLock(ctx context.Context, resourceKey string, fencingToken int64) error {
	return s.Transaction(ctx, func(tx *Tx) error {
		return tx.ReleaseLock(ctx, resourceKey, fencingToken)
	})
}

// ReleaseLock is the transactional form of Store.ReleaseLock.
func (tx *Tx) ReleaseLock(ctx context.Context, resourceKey string, fencingToken int64) error {
	now := tx.s.now()

	var (
		expires string
		token   int64
	)
	err := tx.tx.QueryRowContext(ctx, tx.s.rebind(
		`SELECT expires_at, fencing_token FROM locks WHERE resource_key = ?`), resourceKey).
		Scan(&expires, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotHeld
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}

	if token != fencingToken {
		return ErrStaleToken
	}
	if !parseTime(expires).After(now) {
		return ErrNotHeld
	}

	_, err = tx.tx.ExecContext(ctx, tx.s.rebind(
		`UPDATE locks SET expires_at = ? WHERE resource_key = ?`),
		formatTime(now), resourceKey)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// GetLock returns the current lock row for a resource, expired or not, or
// ErrNotFound when the resource has never been locked.
func (s *Store) GetLock(ctx context.Context, resourceKey string) (*model.Lock, error) {
	var (
		l        model.Lock
		acquired string
		expires  string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT resource_key, holder_id, acquired_at, expires_at, fencing_token FROM locks WHERE resource_key = ?`), resourceKey).
		Scan(&l.ResourceKey, &l.HolderID, &acquired, &expires, &l.FencingToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.AcquiredAt = parseTime(acquired)
	l.ExpiresAt = parseTime(expires)
	return &l, nil
}
