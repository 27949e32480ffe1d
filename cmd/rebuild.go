package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/snapsift/snapsift/internal/config"
	"github.com/snapsift/snapsift/internal/faceindex"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/vecstore"
	"github.com/snapsift/snapsift/internal/vision"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild an event's face index",
	Long: `Rebuild the face index of a published event from its stored photos.
Every photo is re-downloaded and re-embedded; the vector collection and
the on-disk artifact are replaced. Use after an inference model upgrade
or a lost scratch volume.`,
	RunE: runRebuild,
}

func init() {
	rootCmd.AddCommand(rebuildCmd)

	rebuildCmd.Flags().String("event", "", "Event id to rebuild (required)")
	rebuildCmd.MarkFlagRequired("event")
}

func runRebuild(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	eventID := mustGetString(cmd, "event")

	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	fmt.Printf("Connecting to PostgreSQL database...\n")
	pool, err := store.Initialize(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	ctx := context.Background()
	events := store.NewEventRepository(pool)
	images := store.NewImageRepository(pool)
	vec := vecstore.New(pool)
	models := vision.NewRegistry(cfg.Inference.URL)

	ev, err := events.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("event %s not found", eventID)
	}

	shareImages, err := images.ListShare(ctx, eventID)
	if err != nil {
		return err
	}
	if len(shareImages) == 0 {
		return fmt.Errorf("event %s has no images", eventID)
	}

	if err := vec.Create(ctx, eventID); err != nil {
		return fmt.Errorf("reset vector collection: %w", err)
	}

	fmt.Printf("Rebuilding face index for event %q (%d images)\n", ev.Name, len(shareImages))
	bar := progressbar.Default(int64(len(shareImages)), "embedding")

	idx := faceindex.New()
	var points []vecstore.Point
	var skipped int
	for _, img := range shareImages {
		data, err := fetchURL(ctx, img.DownloadURL)
		if err != nil {
			fmt.Printf("\nWarning: skipping %s: %v\n", img.OriginalName, err)
			skipped++
			bar.Add(1)
			continue
		}

		detected, err := models.Face().DetectFaces(ctx, data)
		if err != nil {
			fmt.Printf("\nWarning: skipping %s: %v\n", img.OriginalName, err)
			skipped++
			bar.Add(1)
			continue
		}
		for _, face := range detected.Faces {
			if len(face.Embedding) == 0 {
				continue
			}
			idx.Append(img.ID, face.Embedding)
			points = append(points, vecstore.Point{ImageID: img.ID, Vector: face.Embedding})
		}
		bar.Add(1)
	}

	if err := vec.Upsert(ctx, eventID, points); err != nil {
		return fmt.Errorf("upsert face points: %w", err)
	}
	if err := idx.Save(faceindex.Dir(cfg.ScratchRoot, eventID)); err != nil {
		return fmt.Errorf("save index artifact: %w", err)
	}

	fmt.Printf("Indexed %d faces from %d images (%d skipped)\n",
		idx.Len(), len(shareImages)-skipped, skipped)
	fmt.Printf("Artifact written to %s\n", faceindex.Dir(cfg.ScratchRoot, eventID))
	return nil
}

// fetchURL downloads one URL into memory.
func fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
