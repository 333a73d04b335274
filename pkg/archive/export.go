package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pdsno/pdsno/pkg/nib"
)

var (
	// ErrStoreNotConfigured fails exports closed when no NIB is attached.
	ErrStoreNotConfigured = errors.New("archive: event store not configured")
	// ErrNoEvents reports an export that matched nothing.
	ErrNoEvents = errors.New("archive: no events matched the filter")
)

// ExportRequest selects the events to pack.
type ExportRequest struct {
	EventType string `json:"event_type,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Pack is one generated evidence pack.
type Pack struct {
	Data        []byte    `json:"-"`
	Checksum    string    `json:"checksum"`
	Reference   string    `json:"reference,omitempty"`
	EventCount  int       `json:"event_count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Exporter builds evidence packs from the NIB event stream.
type Exporter struct {
	store  *nib.Store
	blobs  ObjectStore
	clock  func() time.Time
	logger *slog.Logger
}

// NewExporter creates an exporter; blobs may be nil when callers only
// generate packs without persisting them.
func NewExporter(store *nib.Store, blobs ObjectStore) *Exporter {
	return &Exporter{
		store:  store,
		blobs:  blobs,
		clock:  time.Now,
		logger: slog.Default().With("component", "archive"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// GeneratePack zips the matching events with a manifest carrying per-file
// checksums.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) (*Pack, error) {
	if e.store == nil {
		return nil, ErrStoreNotConfigured
	}

	events, err := e.store.QueryEvents(ctx, nib.EventFilter{
		EventType: req.EventType,
		ActorID:   req.ActorID,
		Limit:     req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}

	now := e.clock().UTC()
	eventsSum := sha256.Sum256(eventsJSON)
	manifest := map[string]any{
		"generated_at": now.Format(time.RFC3339Nano),
		"event_count":  len(events),
		"filter":       req,
		"files": map[string]string{
			"events.json": "sha256:" + hex.EncodeToString(eventsSum[:]),
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, entry := range []struct {
		name string
		body []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("PDSNO audit evidence pack\nGenerated at %s\nEvents: %d\n", now.Format(time.RFC3339), len(events)))},
	} {
		f, err := w.Create(entry.name)
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", entry.name, err)
		}
		if _, err := f.Write(entry.body); err != nil {
			return nil, fmt.Errorf("zip %s: %w", entry.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish zip: %w", err)
	}

	data := buf.Bytes()
	sum := sha256.Sum256(data)
	return &Pack{
		Data:        data,
		Checksum:    hex.EncodeToString(sum[:]),
		EventCount:  len(events),
		GeneratedAt: now,
	}, nil
}

// Export generates a pack and persists it to the object store, returning
// the pack with its storage reference filled in.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (*Pack, error) {
	if e.blobs == nil {
		return nil, errors.New("archive: object store not configured")
	}
	pack, err := e.GeneratePack(ctx, req)
	if err != nil {
		return nil, err
	}
	ref, err := e.blobs.Put(ctx, pack.Data)
	if err != nil {
		return nil, fmt.Errorf("persist pack: %w", err)
	}
	pack.Reference = ref
	e.logger.Info("evidence pack exported", "reference", ref, "events", pack.EventCount)
	return pack, nil
}
