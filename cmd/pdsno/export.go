package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/pdsno/pdsno/pkg/archive"
	"github.com/pdsno/pdsno/pkg/config"
	"github.com/pdsno/pdsno/pkg/nib"
)

// runExport generates an audit evidence pack from the NIB and persists it to
// the configured archive backend.
func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		eventType  string
		actorID    string
		limit      int
		jsonOutput bool
	)
	cmd.StringVar(&eventType, "event-type", "", "filter by event type")
	cmd.StringVar(&actorID, "actor", "", "filter by actor controller ID")
	cmd.IntVar(&limit, "limit", 0, "maximum number of events (0 = all)")
	cmd.BoolVar(&jsonOutput, "json", false, "print the result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	setupLogging(cfg.LogLevel)

	ctx := context.Background()
	store, err := nib.Open(cfg.NIBDSN)
	if err != nil {
		fmt.Fprintf(stderr, "open nib: %v\n", err)
		return 1
	}
	defer store.Close()

	blobs, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "archive backend: %v\n", err)
		return 1
	}

	pack, err := archive.NewExporter(store, blobs).Export(ctx, archive.ExportRequest{
		EventType: eventType,
		ActorID:   actorID,
		Limit:     limit,
	})
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(pack, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	fmt.Fprintf(stdout, "exported %d events\n", pack.EventCount)
	fmt.Fprintf(stdout, "reference: %s\n", pack.Reference)
	fmt.Fprintf(stdout, "checksum:  %s\n", pack.Checksum)
	return 0
}
