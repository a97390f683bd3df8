package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hbollon/go-edlib"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/filter"
	"github.com/treesync/treesync/internal/mirror/schema"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// openDB opens the configured mirror database and makes sure its schema exists.
func openDB() *db.DB {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		fatalf("opening mirror database: %v", err)
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		fatalf("initializing schema: %v", err)
	}
	return database
}

func buildFilter() *filter.Filter {
	f, err := cfg.BuildFilter()
	if err != nil {
		fatalf("invalid filter rules: %v", err)
	}
	return f
}

// findProject resolves a project by name, falling back to a numeric id.
func findProject(ctx context.Context, database *db.DB, ref string) (*schema.Project, error) {
	p, err := database.GetProjectByName(ctx, ref)
	if err == nil || !errors.Is(err, schema.ErrProjectNotFound) {
		return p, err
	}
	if id, convErr := strconv.ParseInt(ref, 10, 64); convErr == nil {
		return database.GetProject(ctx, id)
	}
	return nil, err
}

func mustFindProject(ctx context.Context, database *db.DB, ref string) *schema.Project {
	p, err := findProject(ctx, database, ref)
	if err != nil {
		if errors.Is(err, schema.ErrProjectNotFound) {
			if name := suggestProject(ctx, database, ref); name != "" {
				fatalf("%v (did you mean %q?)", err, name)
			}
		}
		fatalf("%v", err)
	}
	return p
}

// suggestProject returns the registered project name most similar to ref, or
// "" if none is close.
func suggestProject(ctx context.Context, database *db.DB, ref string) string {
	projects, err := database.ListProjects(ctx, false)
	if err != nil {
		return ""
	}

	best, bestScore := "", float32(0.8)
	for _, p := range projects {
		score, err := edlib.StringsSimilarity(strings.ToLower(ref), strings.ToLower(p.Name), edlib.JaroWinkler)
		if err == nil && score > bestScore {
			best, bestScore = p.Name, score
		}
	}
	return best
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encoding JSON: %v", err)
	}
}

// parseCutoff turns user input into an absolute time. It accepts a duration
// ("72h", meaning that long before now), a date ("2025-01-02" or RFC 3339)
// or an English phrase ("3 days ago", "last week").
func parseCutoff(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", s)
	}
	return r.Time, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
