// Package main is the entry point for filerelay-meta, the metadata
// export/import tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/filerelay/filerelay/internal/config"
	"github.com/filerelay/filerelay/internal/metadata"
	"github.com/filerelay/filerelay/internal/serialization"
)

const usage = "Usage: filerelay-meta <export|import> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

// openStore loads the config and opens its metadata store. A non-empty db
// forces the SQLite engine at that path.
func openStore(ctx context.Context, configPath, db string) (metadata.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if db == "" {
			return nil, err
		}
		cfg = config.Default()
	}
	if db != "" {
		cfg.Metadata.Engine = "sqlite"
		cfg.Metadata.SQLite.Path = db
	}
	return metadata.Open(ctx, &cfg.Metadata)
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "filerelay.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	includePasswords := fs.Bool("include-passwords", false, "Include upload passwords instead of REDACTED")
	fs.Parse(args)

	ctx := context.Background()
	store, err := openStore(ctx, *configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening metadata store: %v\n", err)
		return 1
	}
	defer store.Close()

	result, err := serialization.ExportMetadata(ctx, store, &serialization.ExportOptions{
		IncludePasswords: *includePasswords,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
	} else {
		if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	}
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "filerelay.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Delete every existing record before importing")
	fs.Parse(args)

	var (
		jsonData []byte
		err      error
	)
	if *input == "-" {
		jsonData, err = io.ReadAll(os.Stdin)
	} else {
		jsonData, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := openStore(ctx, *configPath, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening metadata store: %v\n", err)
		return 1
	}
	defer store.Close()

	result, err := serialization.ImportMetadata(ctx, store, string(jsonData), &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	msg := fmt.Sprintf("  file_records: %d imported", result.Imported)
	if result.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", result.Skipped)
	}
	fmt.Fprintln(os.Stderr, msg)
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}
