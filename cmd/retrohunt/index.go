package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/retrohunt/retrohunt/internal/db"
	"github.com/retrohunt/retrohunt/internal/hits"
)

var indexDBPath string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the hit index",
}

var indexImportCmd = &cobra.Command{
	Use:   "import <file.jsonl|->",
	Short: "Load file metadata into the hit index",
	Long: `Load file metadata into the hit index.

Each line is one JSON file record. Records are keyed by "id", or by
"sha256" when no id is given; existing records are replaced.

Examples:
  retrohunt index import files.jsonl
  zcat files.jsonl.gz | retrohunt index import -`,
	Args: cobra.ExactArgs(1),
	RunE: runIndexImport,
}

func init() {
	indexCmd.PersistentFlags().StringVar(&indexDBPath, "db", envOr("RETROHUNT_DB_PATH", "retrohunt.db"), "SQLite database path")
	indexCmd.AddCommand(indexImportCmd)
}

func runIndexImport(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open import: %w", err)
		}
		defer f.Close()
		in = f
	}

	conn, err := db.Open(indexDBPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	index, err := hits.NewSQLiteIndex(conn)
	if err != nil {
		return fmt.Errorf("hit index: %w", err)
	}

	n, err := hits.Import(cmd.Context(), index, in)
	if err != nil {
		return fmt.Errorf("import after %d files: %w", n, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d files into %s\n", n, indexDBPath)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
