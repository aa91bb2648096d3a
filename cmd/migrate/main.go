// Applies every migrations/*.sql file, in lexical order, against the audit
// database named by the DSN environment variable. An optional argument
// overrides the migrations directory.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ragops-api/internal/shared"

	_ "github.com/go-sql-driver/mysql"
)

func main() {
	dsn, err := shared.SafeEnv("DSN")
	if err != nil {
		fatalf("DSN environment variable is required: %v", err)
	}

	dir := "migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		fatalf("failed listing migrations in %s: %v", dir, err)
	}
	if len(files) == 0 {
		fatalf("no migration files found in %s", dir)
	}
	sort.Strings(files)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		fatalf("failed connecting to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fatalf("failed ping to database: %v", err)
	}

	for _, file := range files {
		script, err := os.ReadFile(file)
		if err != nil {
			fatalf("failed reading %s: %v", file, err)
		}
		if err := apply(db, string(script)); err != nil {
			fatalf("failed applying %s: %v", file, err)
		}
		fmt.Printf("applied %s\n", filepath.Base(file))
	}
}

// apply runs each semicolon-separated statement in the script. Comment-only
// and blank statements are skipped.
func apply(db *sql.DB, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = stripComments(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	return nil
}

func stripComments(stmt string) string {
	var kept []string
	for _, line := range strings.Split(stmt, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
