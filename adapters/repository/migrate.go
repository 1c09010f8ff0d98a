package repository

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

const migrationTable = "schema_migrations"

type migration struct {
	name string
	up   string
}

// loadMigrations reads the Up sections of every .sql file under root, in name order.
func loadMigrations(fsys fs.FS, root string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	migrations := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, root+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		up := upSection(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}
		migrations = append(migrations, migration{name: name, up: up})
	}
	return migrations, nil
}

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// upSection keeps the lines inside Up blocks. A file without markers is all Up.
func upSection(content string) string {
	if !strings.Contains(content, upMarker) {
		return content
	}

	var b strings.Builder
	inUp := false
	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case upMarker:
			inUp = true
			continue
		case downMarker:
			inUp = false
			continue
		}
		if inUp {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
