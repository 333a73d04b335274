package nib

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pdsno/pdsno/pkg/model"
)

// UpsertDevice writes a device with optimistic concurrency: the write
// succeeds only when the stored version equals expected (0 for first
// insert). It returns the new version, a ConflictError carrying the current
// version, or an InvalidError.
func (s *Store) UpsertDevice(ctx context.Context, d *model.Device, expected int64) (int64, error) {
	var v int64
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		v, err = tx.UpsertDevice(ctx, d, expected)
		return err
	})
	return v, err
}

// UpsertDevice is the transactional form of Store.UpsertDevice.
func (tx *Tx) UpsertDevice(ctx context.Context, d *model.Device, expected int64) (int64, error) {
	if d.DeviceID == "" || d.Region == "" || d.MAC == "" || d.Status == "" {
		return 0, invalidf("device requires device_id, region, mac, and status")
	}

	current, exists, err := tx.currentVersion(ctx, "devices", "device_id", d.DeviceID)
	if err != nil {
		return 0, err
	}
	if !exists {
		if expected != 0 {
			return 0, &ConflictError{CurrentVersion: 0}
		}
		stored := *d
		stored.Version = 1
		doc, err := json.Marshal(&stored)
		if err != nil {
			return 0, invalidf("encode device: %v", err)
		}
		_, err = tx.tx.ExecContext(ctx, tx.s.rebind(
			`INSERT INTO devices (device_id, region, mac, status, version, doc) VALUES (?, ?, ?, ?, ?, ?)`),
			stored.DeviceID, stored.Region, stored.MAC, string(stored.Status), stored.Version, string(doc))
		if err != nil {
			if uniqueViolation(err) {
				return 0, duplicatef("mac %s already registered in region %s", d.MAC, d.Region)
			}
			return 0, fmt.Errorf("insert device: %w", err)
		}
		return 1, nil
	}

	if current != expected {
		return 0, &ConflictError{CurrentVersion: current}
	}
	stored := *d
	stored.Version = expected + 1
	doc, err := json.Marshal(&stored)
	if err != nil {
		return 0, invalidf("encode device: %v", err)
	}
	res, err := tx.tx.ExecContext(ctx, tx.s.rebind(
		`UPDATE devices SET region = ?, mac = ?, status = ?, version = ?, doc = ? WHERE device_id = ? AND version = ?`),
		stored.Region, stored.MAC, string(stored.Status), stored.Version, string(doc), stored.DeviceID, expected)
	if err != nil {
		if uniqueViolation(err) {
			return 0, duplicatef("mac %s already registered in region %s", d.MAC, d.Region)
		}
		return 0, fmt.Errorf("update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		current, _, _ := tx.currentVersion(ctx, "devices", "device_id", d.DeviceID)
		return 0, &ConflictError{CurrentVersion: current}
	}
	return stored.Version, nil
}

// GetDevice returns the device or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	return scanDoc[model.Device](s, s.db.QueryRowContext(ctx, s.rebind(
		`SELECT doc FROM devices WHERE device_id = ?`), deviceID))
}

// GetDevice is the transactional form of Store.GetDevice.
func (tx *Tx) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	return scanDoc[model.Device](tx.s, tx.tx.QueryRowContext(ctx, tx.s.rebind(
		`SELECT doc FROM devices WHERE device_id = ?`), deviceID))
}

// GetDeviceByMAC returns the non-inactive device with the given MAC in a
// region, or ErrNotFound.
func (s *Store) GetDeviceByMAC(ctx context.Context, region, mac string) (*model.Device, error) {
	return scanDoc[model.Device](s, s.db.QueryRowContext(ctx, s.rebind(
		`SELECT doc FROM devices WHERE region = ? AND mac = ? AND status != 'inactive'`), region, mac))
}

// QueryDevices returns devices in a region, all regions when region is
// empty.
func (s *Store) QueryDevices(ctx context.Context, region string) ([]*model.Device, error) {
	query := `SELECT doc FROM devices ORDER BY device_id`
	args := []any{}
	if region != "" {
		query = `SELECT doc FROM devices WHERE region = ? ORDER BY device_id`
		args = append(args, region)
	}
	return scanDocs[model.Device](ctx, s, s.db, query, args...)
}

func (tx *Tx) currentVersion(ctx context.Context, table, idCol, id string) (int64, bool, error) {
	var v int64
	err := tx.tx.QueryRowContext(ctx, tx.s.rebind(
		fmt.Sprintf(`SELECT version FROM %s WHERE %s = ?`, table, idCol)), id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read %s version: %w", table, err)
	}
	return v, true, nil
}

func scanDoc[T any](s *Store, row *sql.Row) (*T, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var out T
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		s.markDegraded(fmt.Sprintf("corrupt document: %v", err))
		return nil, ErrUnavailable
	}
	return &out, nil
}

func scanDocs[T any](ctx context.Context, s *Store, q queryer, query string, args ...any) ([]*T, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec T
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			s.markDegraded(fmt.Sprintf("corrupt document: %v", err))
			return nil, ErrUnavailable
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func uniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
