package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"omfs/api/internal/app"
	"omfs/api/internal/archive"
	"omfs/api/internal/config"
	"omfs/api/internal/logging"
	"omfs/api/internal/search"
	"omfs/api/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openDB loads the configuration and connects to Postgres. The caller must
// close the returned db.
func openDB(ctx context.Context) (config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.StoreBackend != "postgres" {
		return config.Config{}, nil, fmt.Errorf("STORE_BACKEND=%s has no database to operate on", cfg.StoreBackend)
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, db, nil
}

// newService builds a coordinator over the configured database, with the
// search index attached when Meilisearch is configured.
func newService(ctx context.Context) (*app.Service, func(), error) {
	cfg, db, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)

	opts := app.Options{Logger: logger}
	closeFn := func() { db.Close() }
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey, cfg.MeiliIndex, logger)
		opts.Search = search.NewService(meiliClient, search.NewPgFTS(db), logger)
		closeFn = func() {
			meiliClient.Close()
			db.Close()
		}
	}
	return app.New(cfg, store.NewPostgresStore(db), opts), closeFn, nil
}

var rootCmd = &cobra.Command{
	Use:          "contentctl",
	Short:        "Operator tool for the content repository",
	SilenceUsage: true,
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.MigrateUp(db); err != nil {
			return err
		}
		status, err := store.CheckMigrations(db)
		if err != nil {
			return err
		}
		fmt.Printf("Schema at version %d\n", status.Current)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		status, err := store.CheckMigrations(db)
		if err != nil {
			return err
		}
		state := "up to date"
		switch {
		case status.Dirty:
			state = "dirty"
		case !status.UpToDate():
			state = fmt.Sprintf("%d pending", status.Latest-status.Current)
		}
		fmt.Printf("Current: %d\nLatest:  %d\nState:   %s\n", status.Current, status.Latest, state)
		return nil
	},
}

// tags command
var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Manage tags",
}

var tagsRecountCmd = &cobra.Command{
	Use:   "recount",
	Short: "Recompute tag usage counts from live blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		fixed, err := svc.RecountTagUsage(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Corrected %d tag(s)\n", fixed)
		return nil
	},
}

// search command
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Manage the search index",
}

var searchReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every live block to Meilisearch",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := svc.ReindexSearch(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Indexed %d block(s)\n", n)
		return nil
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect the git mirror of block versions",
}

func openArchive() (*archive.GitArchive, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if strings.TrimSpace(cfg.ArchiveDir) == "" {
		return nil, fmt.Errorf("ARCHIVE_DIR is not set")
	}
	return archive.New(cfg.ArchiveDir), nil
}

var archiveLogCmd = &cobra.Command{
	Use:   "log BLOCK_ID",
	Short: "View a block's mirrored versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openArchive()
		if err != nil {
			return err
		}
		commits, err := a.History(args[0], limit)
		if err != nil {
			return err
		}
		if len(commits) == 0 {
			fmt.Println("No archived versions.")
			return nil
		}
		for _, c := range commits {
			fmt.Printf("%s  %s  %-20s  %s\n",
				c.Hash[:12],
				c.CreatedAt.Format("2006-01-02 15:04:05"),
				c.Author,
				c.Message,
			)
		}
		return nil
	},
}

var archiveShowCmd = &cobra.Command{
	Use:   "show BLOCK_ID VERSION",
	Short: "Print an archived version's content",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("version must be a number: %w", err)
		}
		a, err := openArchive()
		if err != nil {
			return err
		}
		snap, err := a.ReadVersion(args[0], number)
		if err != nil {
			return err
		}
		fmt.Printf("Version %d of %s\nTitle:   %s\nSection: %s\nTags:    %s\n\n%s\n",
			snap.VersionNumber, snap.BlockID, snap.Title, snap.SectionType,
			strings.Join(snap.Tags, ", "), snap.Body)
		return nil
	},
}

var archiveSyncCmd = &cobra.Command{
	Use:   "sync BLOCK_ID",
	Short: "Mirror any stored versions missing from the archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openArchive()
		if err != nil {
			return err
		}
		_, db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := store.NewPostgresStore(db).ListVersions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		// Oldest first so commits keep version order.
		for i := len(items) - 1; i >= 0; i-- {
			if _, err := a.RecordVersion(items[i]); err != nil {
				return fmt.Errorf("version %d: %w", items[i].VersionNumber, err)
			}
		}
		fmt.Printf("Archived %d version(s)\n", len(items))
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		redacted := cfg.Redacted()
		if err := toml.NewEncoder(os.Stdout).Encode(redacted); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		fmt.Printf("cache_ttl_seconds = %d\n", int(redacted.CacheTTL.Seconds()))
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)

	tagsCmd.AddCommand(tagsRecountCmd)

	searchCmd.AddCommand(searchReindexCmd)

	archiveCmd.AddCommand(archiveLogCmd)
	archiveLogCmd.Flags().IntP("limit", "n", 20, "Maximum number of versions to show")
	archiveCmd.AddCommand(archiveShowCmd)
	archiveCmd.AddCommand(archiveSyncCmd)

	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tagsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(configCmd)
}
