// File: cmd/snapshot.go
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/store"
)

func newSnapshotCmd() *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and manage persisted engine state",
	}
	snapshotCmd.AddCommand(newSnapshotShowCmd())
	snapshotCmd.AddCommand(newSnapshotArchiveCmd())
	return snapshotCmd
}

// newSnapshotShowCmd prints the current snapshot file as JSON.
func newSnapshotShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fileStore := store.NewFileStore(rootCfg.Snapshot.Path, rootLogger)
			snap, err := fileStore.Load(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to serialize snapshot: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// newSnapshotArchiveCmd pushes the snapshot file into the Postgres archive.
func newSnapshotArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Copy the snapshot file into the Postgres archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootCfg.Postgres.URL == "" {
				return fmt.Errorf("postgres.url is not configured")
			}
			ctx := cmd.Context()

			fileStore := store.NewFileStore(rootCfg.Snapshot.Path, rootLogger)
			snap, err := fileStore.Load(ctx)
			if err != nil {
				return err
			}

			pool, err := pgxpool.New(ctx, rootCfg.Postgres.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			archive, err := store.NewArchive(ctx, pool, rootLogger)
			if err != nil {
				return fmt.Errorf("failed to initialize snapshot archive: %w", err)
			}
			if err := archive.Save(ctx, snap); err != nil {
				return err
			}
			fmt.Printf("archived snapshot %s\n", snap.ID)
			return nil
		},
	}
}
