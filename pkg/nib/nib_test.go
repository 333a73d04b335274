package nib

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nib.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDevice(id string) *model.Device {
	return &model.Device{
		DeviceID:   id,
		Region:     "zone-A",
		MAC:        "aa:bb:cc:dd:ee:" + id[len(id)-2:],
		IP:         "10.0.0.1",
		Status:     model.DeviceQuarantined,
		LastSeenBy: "local_cntl_zone-A_1",
		LastSeenAt: time.Now().UTC(),
	}
}

func TestSchemaVersionRecorded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nib.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Re-open succeeds against the recorded version.
	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSchemaVersionMismatchAbortsStartup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nib.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE meta SET value = '99' WHERE key = 'schema_version'`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrMigrationRequired)
}

func TestUpsertDeviceFirstInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.UpsertDevice(ctx, testDevice("dev-01"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	got, err := s.GetDevice(ctx, "dev-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, model.DeviceQuarantined, got.Status)
}

func TestUpsertDeviceVersionIncrement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := testDevice("dev-01")

	_, err := s.UpsertDevice(ctx, d, 0)
	require.NoError(t, err)

	d.IP = "10.0.0.2"
	v, err := s.UpsertDevice(ctx, d, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestUpsertDeviceConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := testDevice("dev-01")

	_, err := s.UpsertDevice(ctx, d, 0)
	require.NoError(t, err)
	_, err = s.UpsertDevice(ctx, d, 1)
	require.NoError(t, err)
	_, err = s.UpsertDevice(ctx, d, 2)
	require.NoError(t, err)

	// Two writers race from version 3; only one can win.
	d.Hostname = "winner"
	v, err := s.UpsertDevice(ctx, d, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	d.Hostname = "loser"
	_, err = s.UpsertDevice(ctx, d, 3)
	current, ok := IsConflict(err)
	require.True(t, ok, "expected conflict, got %v", err)
	assert.Equal(t, int64(4), current)

	got, err := s.GetDevice(ctx, "dev-01")
	require.NoError(t, err)
	assert.Equal(t, "winner", got.Hostname)
	assert.Equal(t, int64(4), got.Version)
}

func TestUpsertDeviceInsertConflictWhenExpectedNonZero(t *testing.T) {
	s := openTestStore(t)
	_, err := s.UpsertDevice(context.Background(), testDevice("dev-01"), 3)
	current, ok := IsConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(0), current)
}

func TestDeviceMACUniquePerRegion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testDevice("dev-01")
	b := testDevice("dev-02")
	b.MAC = a.MAC

	_, err := s.UpsertDevice(ctx, a, 0)
	require.NoError(t, err)
	_, err = s.UpsertDevice(ctx, b, 0)
	var ie *InvalidError
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Duplicate)

	// An inactive device frees its (region, mac) slot.
	a.Status = model.DeviceInactive
	_, err = s.UpsertDevice(ctx, a, 1)
	require.NoError(t, err)
	_, err = s.UpsertDevice(ctx, b, 0)
	assert.NoError(t, err)
}

func TestGetDeviceByMAC(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	d := testDevice("dev-01")
	_, err := s.UpsertDevice(ctx, d, 0)
	require.NoError(t, err)

	got, err := s.GetDeviceByMAC(ctx, "zone-A", d.MAC)
	require.NoError(t, err)
	assert.Equal(t, "dev-01", got.DeviceID)

	_, err = s.GetDeviceByMAC(ctx, "zone-B", d.MAC)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertControllerValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertController(ctx, &model.Controller{ControllerID: "x", Role: "weird", Status: model.ControllerActive}, 0)
	var ie *InvalidError
	assert.ErrorAs(t, err, &ie)

	// A regional controller needs a region.
	_, err = s.UpsertController(ctx, &model.Controller{ControllerID: "x", Role: model.RoleRegional, Status: model.ControllerActive}, 0)
	assert.ErrorAs(t, err, &ie)

	v, err := s.UpsertController(ctx, &model.Controller{
		ControllerID: "regional_cntl_zone-A_1",
		Role:         model.RoleRegional,
		Region:       "zone-A",
		Status:       model.ControllerActive,
		ValidatedBy:  "global_cntl_1",
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestConfigHashUniqueAcrossNonRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &model.ConfigRequest{RequestID: "req-1", ConfigHash: "h1", State: model.StateProposed}
	_, err := s.UpsertConfig(ctx, first, 0)
	require.NoError(t, err)

	dup := &model.ConfigRequest{RequestID: "req-2", ConfigHash: "h1", State: model.StateProposed}
	_, err = s.UpsertConfig(ctx, dup, 0)
	var ie *InvalidError
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Duplicate)

	// Once the first is rejected the hash may be resubmitted.
	first.State = model.StateRejected
	_, err = s.UpsertConfig(ctx, first, 1)
	require.NoError(t, err)
	_, err = s.UpsertConfig(ctx, dup, 0)
	assert.NoError(t, err)
}

func TestAppendEventAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &model.Event{
		EventID:   "ev-1",
		EventType: model.EventControllerValidated,
		ActorID:   "global_cntl_1",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"assigned_id": "regional_cntl_zone-A_1"},
	}
	require.NoError(t, s.AppendEvent(ctx, e))

	got, err := s.GetEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, model.EventControllerValidated, got.EventType)
	assert.Equal(t, "regional_cntl_zone-A_1", got.Payload["assigned_id"])
}

func TestAppendEventMissingFieldRejected(t *testing.T) {
	s := openTestStore(t)
	e := &model.Event{EventID: "ev-1", EventType: "X", Timestamp: time.Now()}
	var ie *InvalidError
	assert.ErrorAs(t, s.AppendEvent(context.Background(), e), &ie)
	assert.False(t, ie.Duplicate)
}

func TestEventsAppendOnlyEnforcedByStorage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, &model.Event{
		EventID:   "ev-1",
		EventType: "X",
		ActorID:   "a",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{},
	}))

	// Straight at the storage layer, bypassing the API.
	_, err := s.db.Exec(`UPDATE events SET actor_id = 'tampered' WHERE event_id = 'ev-1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = s.db.Exec(`DELETE FROM events WHERE event_id = 'ev-1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestLockAcquireReleaseCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	token, err := s.AcquireLock(ctx, "device:dev-01", "req-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), token)

	// Second acquirer is refused while the lock is live.
	_, err = s.AcquireLock(ctx, "device:dev-01", "req-2", time.Minute)
	var he *HeldError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "req-1", he.HolderID)

	require.NoError(t, s.ReleaseLock(ctx, "device:dev-01", token))

	token2, err := s.AcquireLock(ctx, "device:dev-01", "req-2", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, token2, token)
}

func TestLockExpiryAndStaleRelease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	token1, err := s.AcquireLock(ctx, "k", "slow-holder", time.Minute)
	require.NoError(t, err)

	// TTL lapses; another holder takes over.
	now = now.Add(2 * time.Minute)
	token2, err := s.AcquireLock(ctx, "k", "fast-holder", time.Minute)
	require.NoError(t, err)
	assert.Greater(t, token2, token1)

	// The slow holder's release must not disturb the new holder.
	assert.ErrorIs(t, s.ReleaseLock(ctx, "k", token1), ErrStaleToken)

	lock, err := s.GetLock(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "fast-holder", lock.HolderID)
}

func TestLockReleaseNotHeld(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.ReleaseLock(ctx, "never-locked", 1), ErrNotHeld)
}

func TestFencingTokensStrictlyIncrease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	var last int64
	for i := 0; i < 20; i++ {
		token, err := s.AcquireLock(ctx, "k", "h", time.Minute)
		require.NoError(t, err)
		assert.Greater(t, token, last)
		last = token
		if i%2 == 0 {
			require.NoError(t, s.ReleaseLock(ctx, "k", token))
		} else {
			now = now.Add(2 * time.Minute)
		}
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := s.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.UpsertDevice(ctx, testDevice("dev-01"), 0); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &model.Event{
			EventID:   "ev-1",
			EventType: "X",
			ActorID:   "a",
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{},
		}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = s.GetDevice(ctx, "dev-01")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEvent(ctx, "ev-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCorruptDocumentDegradesStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertDevice(ctx, testDevice("dev-01"), 0)
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE devices SET doc = 'not json' WHERE device_id = 'dev-01'`)
	require.NoError(t, err)

	_, err = s.GetDevice(ctx, "dev-01")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, s.Degraded())

	// Writes are refused from now on.
	_, err = s.UpsertDevice(ctx, testDevice("dev-02"), 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}
