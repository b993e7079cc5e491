// Check-index reports drift between a space's uploads and the
// fingerprints written by its last indexing run.
//
// Drift means files were uploaded or removed since the last run; the
// index still serves the old file set until the space is reindexed.
// Content changes to an existing file are detected at index time from
// its (size, mtime) fingerprint and do not show up here.
//
// Usage:
//
//	# Check every space
//	check-index
//
//	# Check one space, listing each drifted file
//	check-index -space "Docs A" -v
//
// Exits 1 when any checked space has drift.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"sort"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/extract"
	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
	"github.com/fyrsmithlabs/corpusd/internal/space"
)

func main() {
	var (
		spaceName = flag.String("space", "", "Space to check (default: all spaces)")
		verbose   = flag.Bool("v", false, "List each drifted file")
	)
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	store, err := objectstore.NewMinioStore(objectstore.MinioConfig{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey.Value(),
		UseSSL:    cfg.Minio.UseSSL,
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to object store: %v", err)
	}

	registry, err := space.NewRegistry(ctx, store, nil, nil)
	if err != nil {
		log.Fatalf("Failed to load space registry: %v", err)
	}

	spaces := registry.List()
	if *spaceName != "" {
		sp, err := registry.Get(*spaceName)
		if err != nil {
			log.Fatalf("Unknown space %q: %v", *spaceName, err)
		}
		spaces = []space.Space{sp}
	}

	log.Printf("Checking %d space(s)", len(spaces))

	var drifted, failed int
	for _, sp := range spaces {
		added, removed, indexed, err := drift(ctx, store, registry, sp.Name)
		if err != nil {
			failed++
			log.Printf("  %s: check failed: %v", sp.Name, err)
			continue
		}
		if len(added) == 0 && len(removed) == 0 {
			log.Printf("  %s: in sync (%d indexed files)", sp.Name, indexed)
			continue
		}
		drifted++
		log.Printf("  %s: %d new since last index, %d removed", sp.Name, len(added), len(removed))
		if *verbose {
			for _, f := range added {
				log.Printf("    + %s", f)
			}
			for _, f := range removed {
				log.Printf("    - %s", f)
			}
		}
	}

	log.Printf("\n=== Check Summary ===")
	log.Printf("Spaces checked: %d", len(spaces))
	log.Printf("Spaces with drift: %d", drifted)
	if failed > 0 {
		log.Printf("Spaces that could not be checked: %d", failed)
	}
	if drifted > 0 || failed > 0 {
		log.Printf("Reindex the drifted spaces to reconcile")
		os.Exit(1)
	}
	log.Printf("All spaces in sync")
}

// drift compares the live uploads listing against the persisted
// fingerprint map. Only files the pipeline can extract count, using
// the same eligibility rule as the indexing walk. A never-indexed
// space reports every eligible upload as new.
func drift(ctx context.Context, store objectstore.Store, registry *space.Registry, spaceName string) (added, removed []string, indexed int, err error) {
	uploads, err := store.ListObjects(ctx, spaceName, space.UploadsPrefix)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("listing uploads: %w", err)
	}
	meta, err := registry.IndexedMetadata(ctx, spaceName)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("reading fingerprints: %w", err)
	}

	live := make(map[string]bool, len(uploads))
	for _, key := range uploads {
		if !extract.Supported(key) {
			continue
		}
		live[path.Base(key)] = true
	}

	for f := range live {
		if _, ok := meta[f]; !ok {
			added = append(added, f)
		}
	}
	for f := range meta {
		if !live[f] {
			removed = append(removed, f)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed, len(meta), nil
}
