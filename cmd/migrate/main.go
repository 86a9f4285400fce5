package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"lorachat/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./lorachat.db", "Path to the database file")
	status := flag.Bool("status", false, "Report the schema version and pending migrations without applying them")
	flag.Parse()

	if err := run(context.Background(), os.Stdout, *dbPath, *status); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, out io.Writer, dbPath string, statusOnly bool) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database file not found: %s", dbPath)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if statusOnly {
		return printStatus(ctx, out, db)
	}

	applied, err := migrations.Apply(ctx, db)
	for _, v := range applied {
		fmt.Fprintf(out, "Applied migration %d\n", v)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "Schema already up to date")
		return nil
	}
	fmt.Fprintln(out, "Database schema updated. You can now restart lorachat.")
	return nil
}

func printStatus(ctx context.Context, out io.Writer, db *sql.DB) error {
	current := 0
	var exists int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'").Scan(&exists); err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if exists > 0 {
		v, err := migrations.CurrentVersion(ctx, db)
		if err != nil {
			return err
		}
		current = v
	}

	all, err := migrations.All()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Schema version: %d\n", current)
	pending := 0
	for _, m := range all {
		if m.Version > current {
			fmt.Fprintf(out, "Pending: %s\n", m.Name)
			pending++
		}
	}
	if pending == 0 {
		fmt.Fprintln(out, "No pending migrations")
	}
	return nil
}
