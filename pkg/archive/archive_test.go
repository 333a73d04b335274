package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdsno/pdsno/pkg/model"
	"github.com/pdsno/pdsno/pkg/nib"
)

func seededStore(t *testing.T, n int) *nib.Store {
	t.Helper()
	store, err := nib.Open(filepath.Join(t.TempDir(), "nib.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		eventType := model.EventStateTransition
		if i%2 == 1 {
			eventType = model.EventTokenIssued
		}
		require.NoError(t, store.AppendEvent(ctx, &model.Event{
			EventID:   uuid.NewString(),
			EventType: eventType,
			ActorID:   "regional_cntl_zone-A_1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Payload:   map[string]any{"seq": i},
		}))
	}
	return store
}

func readZipEntry(t *testing.T, data []byte, name string) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		return body
	}
	t.Fatalf("entry %s not found in pack", name)
	return nil
}

func TestGeneratePackContents(t *testing.T) {
	store := seededStore(t, 6)
	fixed := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	exp := NewExporter(store, nil).WithClock(func() time.Time { return fixed })

	pack, err := exp.GeneratePack(context.Background(), ExportRequest{})
	require.NoError(t, err)
	assert.Equal(t, 6, pack.EventCount)
	assert.Equal(t, fixed, pack.GeneratedAt)
	assert.Len(t, pack.Checksum, 64)

	var events []*model.Event
	require.NoError(t, json.Unmarshal(readZipEntry(t, pack.Data, "events.json"), &events))
	require.Len(t, events, 6)
	assert.Equal(t, model.EventStateTransition, events[0].EventType)

	var manifest struct {
		GeneratedAt string            `json:"generated_at"`
		EventCount  int               `json:"event_count"`
		Files       map[string]string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(readZipEntry(t, pack.Data, "manifest.json"), &manifest))
	assert.Equal(t, 6, manifest.EventCount)
	assert.Contains(t, manifest.Files["events.json"], "sha256:")

	readme := readZipEntry(t, pack.Data, "README.txt")
	assert.Contains(t, string(readme), "Events: 6")
}

func TestGeneratePackAppliesFilter(t *testing.T) {
	store := seededStore(t, 6)
	exp := NewExporter(store, nil)

	pack, err := exp.GeneratePack(context.Background(), ExportRequest{EventType: model.EventTokenIssued})
	require.NoError(t, err)
	assert.Equal(t, 3, pack.EventCount)

	_, err = exp.GeneratePack(context.Background(), ExportRequest{EventType: "NO_SUCH_TYPE"})
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestGeneratePackWithoutStore(t *testing.T) {
	exp := NewExporter(nil, nil)
	_, err := exp.GeneratePack(context.Background(), ExportRequest{})
	assert.ErrorIs(t, err, ErrStoreNotConfigured)
}

func TestExportPersistsThroughStore(t *testing.T) {
	store := seededStore(t, 4)
	blobs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	exp := NewExporter(store, blobs)
	pack, err := exp.Export(context.Background(), ExportRequest{})
	require.NoError(t, err)
	require.NotEmpty(t, pack.Reference)
	assert.Equal(t, "sha256:"+pack.Checksum, pack.Reference)

	stored, err := blobs.Get(context.Background(), pack.Reference)
	require.NoError(t, err)
	assert.Equal(t, pack.Data, stored)
}

func TestFileStoreRoundTrip(t *testing.T) {
	blobs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("evidence pack bytes")
	ref, err := blobs.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Reference(data), ref)

	// Re-storing the same bytes yields the same reference.
	again, err := blobs.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	ok, err := blobs.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := blobs.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, blobs.Delete(ctx, ref))
	ok, err = blobs.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = blobs.Get(ctx, ref)
	assert.Error(t, err)
}

func TestFileStoreRejectsMalformedReference(t *testing.T) {
	blobs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, ref := range []string{"md5:abc", "sha256:zz", "plainstring"} {
		_, err := blobs.Get(ctx, ref)
		assert.Error(t, err, fmt.Sprintf("ref %q", ref))
	}
}
