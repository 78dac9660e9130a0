package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/aluiziolira/go-form-autofill/locator"
)

// runSnapshotCheck resolves every profile role against a saved copy of the
// form and reports what it found. It returns the process exit code.
func runSnapshotCheck(path string, profile locator.Profile, cacheSize int, out io.Writer) int {
	f, err := os.Open(path)
	if err != nil {
		slog.Error("Opening snapshot failed", slog.Any("error", err))
		return 1
	}
	defer f.Close()

	doc, err := locator.NewDocument(f)
	if err != nil {
		slog.Error("Parsing snapshot failed", slog.Any("error", err))
		return 1
	}

	ctx := context.Background()
	dismissed, err := locator.NewDismisser(doc, profile).DismissKnownDialogs(ctx)
	if err != nil {
		slog.Warn("Dismissing dialogs in snapshot failed", slog.Any("error", err))
	}

	loc, err := locator.New(doc, profile, cacheSize)
	if err != nil {
		slog.Error("Building locator failed", slog.Any("error", err))
		return 1
	}

	roles := make([]string, 0, len(profile.Targets))
	for role := range profile.Targets {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)

	code := 0
	fmt.Fprintf(out, "Snapshot %s (profile %s)\n", path, profile.Name)
	fmt.Fprintf(out, "  dialogs dismissed: %d\n", dismissed)
	for _, name := range roles {
		role := locator.Role(name)
		el, err := loc.Locate(ctx, role)
		if err != nil {
			fmt.Fprintf(out, "  %-14s missing (%v)\n", role, err)
			if role == locator.RoleSearchInput || role == locator.RoleSearchSubmit {
				code = 1
			}
			continue
		}
		attrs, err := el.Describe(ctx)
		if err != nil {
			fmt.Fprintf(out, "  %-14s found, describe failed: %v\n", role, err)
			continue
		}
		fmt.Fprintf(out, "  %-14s <%s id=%q name=%q type=%q>\n", role, attrs.Tag, attrs.ID, attrs.Name, attrs.Type)
	}
	return code
}
