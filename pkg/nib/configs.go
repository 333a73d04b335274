package nib

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pdsno/pdsno/pkg/model"
)

// UpsertConfig writes a config request with optimistic concurrency. The
// partial unique index on config_hash rejects duplicate non-rejected
// requests.
func (s *Store) UpsertConfig(ctx context.Context, r *model.ConfigRequest, expected int64) (int64, error) {
	var v int64
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		v, err = tx.UpsertConfig(ctx, r, expected)
		return err
	})
	return v, err
}

// UpsertConfig is the transactional form of Store.UpsertConfig.
func (tx *Tx) UpsertConfig(ctx context.Context, r *model.ConfigRequest, expected int64) (int64, error) {
	if r.RequestID == "" || r.ConfigHash == "" || r.State == "" {
		return 0, invalidf("config request requires request_id, config_hash, and state")
	}

	current, exists, err := tx.currentVersion(ctx, "configs", "request_id", r.RequestID)
	if err != nil {
		return 0, err
	}
	if !exists {
		if expected != 0 {
			return 0, &ConflictError{CurrentVersion: 0}
		}
		stored := *r
		stored.Version = 1
		doc, err := json.Marshal(&stored)
		if err != nil {
			return 0, invalidf("encode config request: %v", err)
		}
		_, err = tx.tx.ExecContext(ctx, tx.s.rebind(
			`INSERT INTO configs (request_id, config_hash, state, version, doc) VALUES (?, ?, ?, ?, ?)`),
			stored.RequestID, stored.ConfigHash, string(stored.State), stored.Version, string(doc))
		if err != nil {
			if uniqueViolation(err) {
				return 0, duplicatef("config hash %s already submitted", r.ConfigHash)
			}
			return 0, fmt.Errorf("insert config request: %w", err)
		}
		return 1, nil
	}

	if current != expected {
		return 0, &ConflictError{CurrentVersion: current}
	}
	stored := *r
	stored.Version = expected + 1
	doc, err := json.Marshal(&stored)
	if err != nil {
		return 0, invalidf("encode config request: %v", err)
	}
	res, err := tx.tx.ExecContext(ctx, tx.s.rebind(
		`UPDATE configs SET config_hash = ?, state = ?, version = ?, doc = ? WHERE request_id = ? AND version = ?`),
		stored.ConfigHash, string(stored.State), stored.Version, string(doc), stored.RequestID, expected)
	if err != nil {
		if uniqueViolation(err) {
			return 0, duplicatef("config hash %s already submitted", r.ConfigHash)
		}
		return 0, fmt.Errorf("update config request: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		current, _, _ := tx.currentVersion(ctx, "configs", "request_id", r.RequestID)
		return 0, &ConflictError{CurrentVersion: current}
	}
	return stored.Version, nil
}

// GetConfig returns the config request or ErrNotFound.
func (s *Store) GetConfig(ctx context.Context, requestID string) (*model.ConfigRequest, error) {
	return scanDoc[model.ConfigRequest](s, s.db.QueryRowContext(ctx, s.rebind(
		`SELECT doc FROM configs WHERE request_id = ?`), requestID))
}

// GetConfig is the transactional form of Store.GetConfig.
func (tx *Tx) GetConfig(ctx context.Context, requestID string) (*model.ConfigRequest, error) {
	return scanDoc[model.ConfigRequest](tx.s, tx.tx.QueryRowContext(ctx, tx.s.rebind(
		`SELECT doc FROM configs WHERE request_id = ?`), requestID))
}

// QueryConfigsByState returns config requests in the given state.
func (s *Store) QueryConfigsByState(ctx context.Context, state model.RequestState) ([]*model.ConfigRequest, error) {
	return scanDocs[model.ConfigRequest](ctx, s, s.db,
		`SELECT doc FROM configs WHERE state = ? ORDER BY request_id`, string(state))
}

// UpsertPolicy writes a classification policy with optimistic concurrency.
func (s *Store) UpsertPolicy(ctx context.Context, p *model.Policy, expected int64) (int64, error) {
	var v int64
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		v, err = tx.UpsertPolicy(ctx, p, expected)
		return err
	})
	return v, err
}

// UpsertPolicy is the transactional form of Store.UpsertPolicy.
func (tx *Tx) UpsertPolicy(ctx context.Context, p *model.Policy, expected int64) (int64, error) {
	if p.PolicyID == "" || p.SemVer == "" {
		return 0, invalidf("policy requires policy_id and semver")
	}

	current, exists, err := tx.currentVersion(ctx, "policies", "policy_id", p.PolicyID)
	if err != nil {
		return 0, err
	}
	if !exists {
		if expected != 0 {
			return 0, &ConflictError{CurrentVersion: 0}
		}
		stored := *p
		stored.Version = 1
		doc, err := json.Marshal(&stored)
		if err != nil {
			return 0, invalidf("encode policy: %v", err)
		}
		_, err = tx.tx.ExecContext(ctx, tx.s.rebind(
			`INSERT INTO policies (policy_id, semver, version, doc) VALUES (?, ?, ?, ?)`),
			stored.PolicyID, stored.SemVer, stored.Version, string(doc))
		if err != nil {
			return 0, fmt.Errorf("insert policy: %w", err)
		}
		return 1, nil
	}

	if current != expected {
		return 0, &ConflictError{CurrentVersion: current}
	}
	stored := *p
	stored.Version = expected + 1
	doc, err := json.Marshal(&stored)
	if err != nil {
		return 0, invalidf("encode policy: %v", err)
	}
	res, err := tx.tx.ExecContext(ctx, tx.s.rebind(
		`UPDATE policies SET semver = ?, version = ?, doc = ? WHERE policy_id = ? AND version = ?`),
		stored.SemVer, stored.Version, string(doc), stored.PolicyID, expected)
	if err != nil {
		return 0, fmt.Errorf("update policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		current, _, _ := tx.currentVersion(ctx, "policies", "policy_id", p.PolicyID)
		return 0, &ConflictError{CurrentVersion: current}
	}
	return stored.Version, nil
}

// GetPolicy returns the policy or ErrNotFound.
func (s *Store) GetPolicy(ctx context.Context, policyID string) (*model.Policy, error) {
	return scanDoc[model.Policy](s, s.db.QueryRowContext(ctx, s.rebind(
		`SELECT doc FROM policies WHERE policy_id = ?`), policyID))
}
