package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/chatvault/archive"
	"github.com/dshills/chatvault/archive/httpd"
	"github.com/dshills/chatvault/archive/ingest"
	"github.com/dshills/chatvault/archive/query"
	"github.com/dshills/chatvault/archive/store"
)

// errUsage marks argument mistakes so main can map them to the user-error
// exit code.
var errUsage = errors.New("usage error")

var (
	flagConfig string
	flagDB     string
	flagAddr   string

	config Config
)

var rootCmd = &cobra.Command{
	Use:           "chatvault",
	Short:         "Local archive and full-text search for chat-assistant conversations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(flagConfig)
		if err != nil {
			return err
		}
		if flagDB != "" {
			cfg.DBPath = flagDB
		}
		if flagAddr != "" {
			cfg.Addr = flagAddr
		}
		config = cfg
		setupLogging(cfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "path to the database file")
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "HTTP bind address for serve")

	rootCmd.AddCommand(initCmd, importCmd, searchCmd, serveCmd, importsCmd, rebuildIndexCmd, backupCmd)
}

// openStore opens the configured database.
func openStore() (*store.Store, error) {
	return store.Open(config.DBPath)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		fmt.Printf("initialized %s\n", config.DBPath)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <provider> <path>",
	Short: "Ingest a provider export file or directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := archive.ParseProvider(args[0])
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		runner := ingest.NewRunner(st)
		ev, err := runner.Run(cmd.Context(), provider, args[1])
		if ev != nil {
			fmt.Printf("import %s: %s (seen %d, inserted %d, updated %d, messages %d, warnings %d)\n",
				provider, ev.Status, ev.ConversationsSeen, ev.ConversationsInserted,
				ev.ConversationsUpdated, ev.MessagesInserted, ev.Warnings)
			for _, d := range ev.Diagnostics {
				fmt.Println("  warning:", d)
			}
		}
		// A source path that does not exist is a user error, not a data error.
		if err != nil {
			if _, statErr := os.Stat(args[1]); statErr != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
		}
		return err
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a one-shot search and print the results",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		q := ""
		for i, arg := range args {
			if i > 0 {
				q += " "
			}
			q += arg
		}

		svc := query.NewService(st)
		results, info, err := svc.Search(cmd.Context(), q, store.Filters{}, 1)
		if err != nil {
			return err
		}

		fmt.Printf("%d matching conversations\n", info.Total)
		for _, r := range results {
			title := r.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("[%d] %s  %s  %s\n", r.ConversationID, r.Provider, r.CreatedAt.Format("2006-01-02"), title)
			if r.Snippet != "" {
				fmt.Printf("    %s\n", r.Snippet)
			}
		}
		return nil
	},
}

var importsCmd = &cobra.Command{
	Use:   "imports",
	Short: "List recent import events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		events, err := st.ListImportEvents(cmd.Context(), store.DefaultListPageSize)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("[%d] %s %s %s  seen %d, inserted %d, updated %d, warnings %d\n",
				ev.ID, ev.StartedAt.Format("2006-01-02 15:04:05"), ev.Provider, ev.Status,
				ev.ConversationsSeen, ev.ConversationsInserted, ev.ConversationsUpdated, ev.Warnings)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		// Install a tracer provider so ingest/search spans have a home;
		// exporters can be attached here when needed.
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		defer func() { _ = tp.Shutdown(context.Background()) }()

		metrics := httpd.NewMetrics()
		runner := ingest.NewRunner(st,
			ingest.WithObserver(metrics.ConversationStored, metrics.WarningRecorded))
		server := httpd.NewServer(query.NewService(st), runner, slog.Default(), metrics)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Run(ctx, config.Addr) })
		return g.Wait()
	},
}

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild the full-text index from the messages table",
	Long:  "Operator tool for corrupt-index recovery. Normal operation keeps the index current automatically.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if err := st.RebuildFTS(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("full-text index rebuilt")
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <dest>",
	Short: "Write a self-contained online backup of the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == config.DBPath {
			return fmt.Errorf("%w: backup destination matches the live database", errUsage)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if err := st.Backup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("backup written to %s\n", args[0])
		return nil
	},
}
