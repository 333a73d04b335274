package nib

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pdsno/pdsno/pkg/model"
)

// UpsertController writes a controller record with optimistic concurrency.
func (s *Store) UpsertController(ctx context.Context, c *model.Controller, expected int64) (int64, error) {
	var v int64
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		v, err = tx.UpsertController(ctx, c, expected)
		return err
	})
	return v, err
}

// UpsertController is the transactional form of Store.UpsertController.
func (tx *Tx) UpsertController(ctx context.Context, c *model.Controller, expected int64) (int64, error) {
	if c.ControllerID == "" || !c.Role.Valid() || c.Status == "" {
		return 0, invalidf("controller requires controller_id, a valid role, and status")
	}
	if c.Role != model.RoleGlobal && c.Region == "" {
		return 0, invalidf("%s controller requires a region", c.Role)
	}

	current, exists, err := tx.currentVersion(ctx, "controllers", "controller_id", c.ControllerID)
	if err != nil {
		return 0, err
	}
	if !exists {
		if expected != 0 {
			return 0, &ConflictError{CurrentVersion: 0}
		}
		stored := *c
		stored.Version = 1
		doc, err := json.Marshal(&stored)
		if err != nil {
			return 0, invalidf("encode controller: %v", err)
		}
		_, err = tx.tx.ExecContext(ctx, tx.s.rebind(
			`INSERT INTO controllers (controller_id, role, region, status, version, doc) VALUES (?, ?, ?, ?, ?, ?)`),
			stored.ControllerID, string(stored.Role), stored.Region, string(stored.Status), stored.Version, string(doc))
		if err != nil {
			return 0, fmt.Errorf("insert controller: %w", err)
		}
		return 1, nil
	}

	if current != expected {
		return 0, &ConflictError{CurrentVersion: current}
	}
	stored := *c
	stored.Version = expected + 1
	doc, err := json.Marshal(&stored)
	if err != nil {
		return 0, invalidf("encode controller: %v", err)
	}
	res, err := tx.tx.ExecContext(ctx, tx.s.rebind(
		`UPDATE controllers SET role = ?, region = ?, status = ?, version = ?, doc = ? WHERE controller_id = ? AND version = ?`),
		string(stored.Role), stored.Region, string(stored.Status), stored.Version, string(doc), stored.ControllerID, expected)
	if err != nil {
		return 0, fmt.Errorf("update controller: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		current, _, _ := tx.currentVersion(ctx, "controllers", "controller_id", c.ControllerID)
		return 0, &ConflictError{CurrentVersion: current}
	}
	return stored.Version, nil
}

// GetController returns the controller or ErrNotFound.
func (s *Store) GetController(ctx context.Context, controllerID string) (*model.Controller, error) {
	return scanDoc[model.Controller](s, s.db.QueryRowContext(ctx, s.rebind(
		`SELECT doc FROM controllers WHERE controller_id = ?`), controllerID))
}

// QueryControllers returns controllers filtered by role and/or status;
// empty arguments match everything.
func (s *Store) QueryControllers(ctx context.Context, role model.Role, status model.ControllerStatus) ([]*model.Controller, error) {
	query := `SELECT doc FROM controllers WHERE 1=1`
	args := []any{}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, string(role))
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY controller_id`
	return scanDocs[model.Controller](ctx, s, s.db, query, args...)
}

// CountControllers returns the number of controllers with the given role and
// region prefix, used by the admission protocol's sequence allocator.
func (tx *Tx) CountControllers(ctx context.Context, role model.Role, region string) (int64, error) {
	var n int64
	err := tx.tx.QueryRowContext(ctx, tx.s.rebind(
		`SELECT COUNT(*) FROM controllers WHERE role = ? AND region = ?`),
		string(role), region).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count controllers: %w", err)
	}
	return n, nil
}
