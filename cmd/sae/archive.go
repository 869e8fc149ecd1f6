package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/egorvert/Sae/api"
	"github.com/egorvert/Sae/config"
	"github.com/egorvert/Sae/storage"
)

const archiveConnectTimeout = 5 * time.Second

// archiveReader is the read side of storage.Archive.
type archiveReader interface {
	Get(ctx context.Context, taskID string) (*storage.Record, error)
	List(ctx context.Context) ([]*storage.Record, error)
}

func archiveCmd(flags *globalFlags) *cobra.Command {
	var natsURL string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Read archived task snapshots",
		Long: `Read task snapshots from the JetStream archive. The archive keeps every
task the server has seen, including tasks that were evicted from memory or
belonged to a previous run.`,
	}
	cmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default nats.url)")

	// withArchive opens the configured bucket for the duration of fn.
	withArchive := func(cmd *cobra.Command, fn func(ctx context.Context, r archiveReader) error) error {
		cfg, _, err := loadConfig(flags, cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if natsURL != "" {
			cfg.NATS.URL = natsURL
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return openArchive(ctx, cfg.NATS, fn)
	}

	var report bool
	getCmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show an archived task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, func(ctx context.Context, r archiveReader) error {
				return printArchived(ctx, r, args[0], report, cmd.OutOrStdout())
			})
		},
	}
	getCmd.Flags().BoolVar(&report, "report", false, "Print only the review report")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, func(ctx context.Context, r archiveReader) error {
				return listArchived(ctx, r, cmd.OutOrStdout())
			})
		},
	}

	cmd.AddCommand(getCmd, listCmd)
	return cmd
}

// openArchive connects to NATS and opens the existing task bucket. Unlike
// the server it never creates the bucket.
func openArchive(ctx context.Context, cfg config.NATSConfig, fn func(ctx context.Context, r archiveReader) error) error {
	if cfg.KVBucket == "" {
		return fmt.Errorf("archiving is disabled (nats.kv_bucket is empty)")
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("sae-cli"), nats.Timeout(archiveConnectTimeout))
	if err != nil {
		return wrapNATSError(err, cfg.URL)
	}
	defer conn.Close()

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	kv, err := js.KeyValue(ctx, cfg.KVBucket)
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return fmt.Errorf("no archive bucket %q; has the server run with archiving enabled?", cfg.KVBucket)
		}
		return fmt.Errorf("open task archive: %w", err)
	}

	archive := storage.NewArchive(kv)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), archiveConnectTimeout)
		defer cancel()
		_ = archive.Close(closeCtx)
	}()
	return fn(ctx, archive)
}

func printArchived(ctx context.Context, r archiveReader, taskID string, report bool, w io.Writer) error {
	rec, err := r.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("task %s is not in the archive", taskID)
		}
		return err
	}

	if report {
		printReport(w, &api.TaskResult{ID: rec.Snapshot.ID, Status: rec.Snapshot.Status, Artifacts: rec.Snapshot.Artifacts})
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func listArchived(ctx context.Context, r archiveReader, w io.Writer) error {
	records, err := r.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			rec.Snapshot.ID, rec.Snapshot.Status.State, rec.LastEvent, rec.ArchivedAt.UTC().Format(time.RFC3339))
	}
	return nil
}
