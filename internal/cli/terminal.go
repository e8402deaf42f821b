package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"stockledger/internal/models"
	"stockledger/internal/terminal"

	"github.com/spf13/cobra"
)

// TerminalOptions configures the point-of-sale side of offline sync.
type TerminalOptions struct {
	*RootOptions
	QueuePath  string
	TerminalID string
	ServerURL  string
	Token      string
}

func (o *TerminalOptions) openQueue() (*terminal.Queue, error) {
	if o.QueuePath == "" {
		return nil, errors.New("--queue is required")
	}
	store, err := terminal.OpenSQLiteStore(o.QueuePath)
	if err != nil {
		return nil, err
	}
	return terminal.NewQueue(store), nil
}

func NewTerminalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TerminalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "terminal",
		Short: "Manage a terminal's offline operation queue",
	}
	cmd.PersistentFlags().StringVar(&opts.QueuePath, "queue", envOr("TERMINAL_QUEUE", "terminal-queue.db"), "path to the local queue database")
	cmd.PersistentFlags().StringVar(&opts.TerminalID, "terminal", os.Getenv("TERMINAL_ID"), "terminal id")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", envOr("STOCKLEDGER_URL", "http://localhost:8080"), "API base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("STOCKLEDGER_TOKEN"), "bearer token for the API")

	cmd.AddCommand(newTerminalEnqueueCommand(opts))
	cmd.AddCommand(newTerminalPushCommand(opts))
	cmd.AddCommand(newTerminalListCommand(opts, "pending", "List operations waiting to be pushed"))
	cmd.AddCommand(newTerminalListCommand(opts, "rejected", "List operations the server refused"))

	return cmd
}

func newTerminalEnqueueCommand(opts *TerminalOptions) *cobra.Command {
	var (
		key     string
		actorID string
		payload string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <kind>",
		Short: "Record an operation for later sync",
		Long: `Record an operation in the local queue. kind is one of sale, void,
refund, adjustment, count or note. The payload is JSON, or @file to read it
from a file.`,
		Example: `  stockledger terminal enqueue sale --key T1-000042 --actor cash-1 \
    --payload '{"items":[{"product_id":"...","quantity":1}]}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(payload)
			if err != nil {
				return err
			}
			q, err := opts.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			e, err := q.Enqueue(cmd.Context(), models.SyncOperationKind(args[0]), key, actorID, raw)
			if err != nil {
				return err
			}
			return printJSON(cmd, e)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (required)")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor performing the operation")
	cmd.Flags().StringVar(&payload, "payload", "", "operation payload as JSON or @file (required)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func newTerminalPushCommand(opts *TerminalOptions) *cobra.Command {
	var (
		watch     time.Duration
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push pending operations to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.TerminalID == "" {
				return errors.New("--terminal is required")
			}
			q, err := opts.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			syncOpts := terminal.DefaultSyncerOptions()
			if batchSize > 0 {
				syncOpts.BatchSize = batchSize
			}
			syncer := terminal.NewSyncer(q, terminal.NewHTTPTransport(opts.ServerURL, opts.Token, 30*time.Second), opts.TerminalID, syncOpts)

			if watch > 0 {
				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				if err := syncer.Run(ctx, watch); err != nil && !errors.Is(err, ctx.Err()) {
					return err
				}
				return nil
			}

			report, err := syncer.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "keep syncing at this interval until interrupted")
	cmd.Flags().IntVar(&batchSize, "batch", 0, "operations per request")
	return cmd
}

func newTerminalListCommand(opts *TerminalOptions, which, short string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   which,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.openQueue()
			if err != nil {
				return err
			}
			defer q.Close()

			var entries []terminal.Entry
			if which == "rejected" {
				entries, err = q.Rejected(cmd.Context(), limit)
			} else {
				entries, err = q.Pending(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []terminal.Entry{}
			}
			return printJSON(cmd, entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")
	return cmd
}

func readPayload(arg string) (json.RawMessage, error) {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return json.RawMessage(data), nil
	}
	return json.RawMessage(arg), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
