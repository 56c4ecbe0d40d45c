package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RunMigrations executes all SQL files in dir in lexicographic order.
// Each file may contain multiple statements separated by ';'.
func (s *Store) RunMigrations(ctx context.Context, dir string) (int, error) {
	entries := make([]string, 0)
	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil { return err }
		if d.IsDir() { return nil }
		if strings.HasSuffix(strings.ToLower(d.Name()), ".sql") {
			entries = append(entries, path)
		}
		return nil
	}
	if err := filepath.WalkDir(dir, walkFn); err != nil { return 0, err }
	sort.Strings(entries)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	applied := 0
	for _, p := range entries {
		b, err := os.ReadFile(p)
		if err != nil { return applied, fmt.Errorf("read migration %s: %w", p, err) }
		for _, stmt := range splitStatements(string(b)) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return applied, fmt.Errorf("exec migration %s: %w", p, err)
			}
		}
		applied++
	}
	return applied, nil
}

// splitStatements splits on ';' and drops empty chunks. Statements must not
// contain literal semicolons.
func splitStatements(sqlText string) []string {
	var out []string
	for _, c := range strings.Split(sqlText, ";") {
		if stmt := strings.TrimSpace(c); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// FindMigrationsDir returns the first candidate directory that exists.
func FindMigrationsDir(candidates ...string) (string, error) {
	var lastErr error
	for _, p := range candidates {
		if p == "" { continue }
		st, err := os.Stat(p)
		if err != nil {
			lastErr = err
			continue
		}
		if !st.IsDir() {
			lastErr = fmt.Errorf("%s is not a directory", p)
			continue
		}
		return p, nil
	}
	return "", fmt.Errorf("no usable migrations path; last error: %v", lastErr)
}
