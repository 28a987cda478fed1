// Command migrate applies database migrations with goose.
//
// Usage:
//
//	DATABASE_URL=postgres://... migrate [-dir migrations] up|down|status|version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	dir := flag.String("dir", "migrations", "directory with migration files")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: migrate [-dir migrations] <command> [args]")
		os.Exit(1)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := goose.OpenDBWithDriver("postgres", dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := goose.RunContext(context.Background(), args[0], db, *dir, args[1:]...); err != nil {
		fmt.Fprintf(os.Stderr, "goose %s: %v\n", args[0], err)
		os.Exit(1)
	}
}
