package migrator

import (
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.*)$`)
)

// ParseMigration parses the content of a single migration named filename.
func ParseMigration(filename string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upMarkerLine := -1
	noTransaction := false
	for i, line := range lines {
		if m := upMarkerRegex.FindStringSubmatch(line); m != nil {
			upMarkerLine = i
			noTransaction = strings.TrimSpace(m[1]) == "notransaction"
			break
		}
	}
	if upMarkerLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	// Depends directives may only appear between the Up marker and the first statement.
	var dependencies []int
	sqlStartLine := len(lines)
	for i := upMarkerLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		if m := dependsRegex.FindStringSubmatch(line); m != nil {
			deps, err := parseDependencies(filename, m[1])
			if err != nil {
				return nil, err
			}
			dependencies = append(dependencies, deps...)
			continue
		}
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		sqlStartLine = i
		break
	}

	var body string
	if sqlStartLine < len(lines) {
		body = strings.TrimSpace(strings.Join(lines[sqlStartLine:], "\n"))
	}
	if body == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version:       version,
		Name:          matches[2],
		UpSQL:         body,
		NoTransaction: noTransaction,
		Dependencies:  dependencies,
	}, nil
}

func parseDependencies(filename, list string) ([]int, error) {
	fields := strings.Fields(list)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty dependency list in migration file: %s", filename)
	}

	deps := make([]int, 0, len(fields))
	for _, f := range fields {
		dep, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid dependency version '%s' in migration file: %s", f, filename)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// LoadMigrations reads every NNN_name.sql file at the root of fsys, validates
// the set and returns it sorted by version. Other files are ignored.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}

		migration, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := detectCycle(migrations); err != nil {
		return nil, err
	}

	versionSet := make(map[int]bool, len(migrations))
	for _, m := range migrations {
		if versionSet[m.Version] {
			return nil, fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		versionSet[m.Version] = true
	}

	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versionSet[dep] {
				return nil, fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	for i, m := range migrations {
		if m.Version != i+1 {
			return nil, fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
	}

	return migrations, nil
}

// detectCycle reports the first dependency cycle found by a three-color DFS.
func detectCycle(migrations []Migration) error {
	const (
		unvisited = iota
		visiting
		done
	)

	deps := make(map[int][]int, len(migrations))
	color := make(map[int]int, len(migrations))
	for _, m := range migrations {
		deps[m.Version] = m.Dependencies
		color[m.Version] = unvisited
	}

	var visit func(node int, path []int) error
	visit = func(node int, path []int) error {
		color[node] = visiting
		path = append(path, node)

		for _, dep := range deps[node] {
			switch color[dep] {
			case visiting:
				return fmt.Errorf("circular dependency detected: %v", append(path, dep))
			case unvisited:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}

		color[node] = done
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == unvisited {
			if err := visit(m.Version, nil); err != nil {
				return err
			}
		}
	}

	return nil
}
