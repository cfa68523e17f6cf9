package cli

import (
	"log/slog"

	"skydiff/internal/config"
	"skydiff/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, svc *Services) *cobra.Command {
	return newCommand(NewRoot(svc, cfg, log, store))
}

func newCommand(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skydiff",
		Short: "Skydiff finds transients by differencing survey images",
		Long: `Skydiff subtracts reference images from science exposures, extracts
significant residuals, links them into event tracks across epochs and
cross-matches the tracks against a known-source catalog.`,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newRevalidateCmd(root))
	rootCmd.AddCommand(newBatchesCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWorkerCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		batchID string
		asOf    string
	)

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Process one batch manifest and wait for its report",
		Long: `Queue every image pair of the manifest as a map unit, link the candidates
into tracks and print the batch summary. Exits non-zero when the batch halts
on a storage failure.

Examples:
  skydiff run /data/night-2024-03-01.yaml
  skydiff run night.yaml --batch rerun-7 --as-of 2024-03-04T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdRun(cmd.Context(), args[0], batchID, asOf)
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "override the manifest's batch id")
	cmd.Flags().StringVar(&asOf, "as-of", "", "expire confirmed tracks silent since before this RFC3339 time")
	return cmd
}

func newRevalidateCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "revalidate <batch-id>",
		Short: "Repeat catalog cross-matching for a stored batch",
		Long: `Reload the batch's tracks from the database and retry the catalog lookups,
typically after the catalog was unreachable during the original run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdRevalidate(cmd.Context(), args[0])
		},
	}
}

func newBatchesCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List processed batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdBatches(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of batches")

	var state string
	showCmd := &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch, its skipped units and its tracks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdBatchShow(args[0], state)
		},
	}
	showCmd.Flags().StringVar(&state, "state", "", "only tracks in this state (new, confirmed, validated, rejected, expired)")

	cmd.AddCommand(showCmd)
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		opts    serveOptions
		noInbox bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the manifest inbox",
		Long: `Start an HTTP server for submitting batches and browsing results, with
live track updates over /ws and job events over /stream. Manifests dropped
into the inbox directory are queued automatically.

Examples:
  # Defaults from the config file
  skydiff serve

  # API only
  skydiff serve --addr :8081 --no-inbox`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noInbox {
				opts.Inbox = ""
			}
			root.log.Info("starting server", "addr", opts.Addr, "inbox", opts.Inbox)
			return root.serveFn(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", root.cfg.Server.HTTPAddr, "server address (host:port)")
	cmd.Flags().StringVar(&opts.Inbox, "inbox", root.cfg.Paths.InboxDir, "directory watched for batch manifests")
	cmd.Flags().BoolVar(&noInbox, "no-inbox", false, "do not watch the inbox directory")
	return cmd
}

func newWorkerCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve map units to a remote coordinator over gRPC",
		Long: `Run the alignment, subtraction and extraction stages for units sent by a
coordinator listing this host in server.remote_workers. The worker reads
manifests and images from the same paths as the coordinator.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.workerFn(cmd.Context(), root, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.GRPCAddr, "gRPC listen address")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
		Long:  "Show or validate the effective skydiff configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion()
		},
	}
}
