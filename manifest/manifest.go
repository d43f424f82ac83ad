// Package manifest discovers migration descriptors from a deployed artifact:
// a directory of SQL scripts, optionally described by a migrations.yaml
// manifest. It provides both the migration catalog and the scripts the schema
// executor runs.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

// FileName is the manifest looked up at the root of an artifact directory.
const FileName = "migrations.yaml"

// Header directives recognised in the leading comments of a SQL script.
const (
	directiveSchemaUnit = "-- +schema-unit"
	directivePolicy     = "-- +policy"
)

// Entry describes one migration in a manifest.
type Entry struct {
	ID         string `yaml:"id" json:"id"`
	SchemaUnit string `yaml:"schemaUnit,omitempty" json:"schemaUnit,omitempty"`
	Policy     string `yaml:"policy,omitempty" json:"policy,omitempty"`
	// File is the script path relative to the manifest; defaults to <id>.sql.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Manifest is the parsed form of migrations.yaml.
type Manifest struct {
	DefaultSchemaUnit string  `yaml:"defaultSchemaUnit,omitempty" json:"defaultSchemaUnit,omitempty"`
	Migrations        []Entry `yaml:"migrations" json:"migrations"`
}

// Options controls Load.
type Options struct {
	// Manifest is the manifest path inside the filesystem. Empty disables it.
	Manifest string
	// DefaultSchemaUnit applies to migrations that name no schema unit.
	DefaultSchemaUnit string
	// ScanScripts adds every *.sql file at the root that the manifest does not
	// reference.
	ScanScripts bool
}

// Catalog is a migration.Catalog and migration.ScriptSource read from an
// artifact filesystem.
type Catalog struct {
	fsys        fs.FS
	descriptors map[string]migration.Descriptor
	files       map[string]string
}

// Open loads the artifact at location. A directory is scanned for scripts
// and its migrations.yaml, when present. A file is read as a manifest and
// only the migrations it lists are used.
func Open(location, defaultSchemaUnit string) (*Catalog, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", location, err)
	}
	if info.IsDir() {
		return Load(os.DirFS(location), Options{
			Manifest:          FileName,
			DefaultSchemaUnit: defaultSchemaUnit,
			ScanScripts:       true,
		})
	}
	return Load(os.DirFS(filepath.Dir(location)), Options{
		Manifest:          filepath.Base(location),
		DefaultSchemaUnit: defaultSchemaUnit,
	})
}

// Load discovers descriptors in fsys.
func Load(fsys fs.FS, opts Options) (*Catalog, error) {
	c := &Catalog{
		fsys:        fsys,
		descriptors: make(map[string]migration.Descriptor),
		files:       make(map[string]string),
	}
	defaultUnit := opts.DefaultSchemaUnit
	referenced := make(map[string]bool)

	if opts.Manifest != "" {
		m, err := readManifest(fsys, opts.Manifest)
		switch {
		case err == nil:
			if m.DefaultSchemaUnit != "" {
				defaultUnit = m.DefaultSchemaUnit
			}
			base := path.Dir(filepath.ToSlash(opts.Manifest))
			for i, e := range m.Migrations {
				file, err := c.addEntry(e, base, defaultUnit)
				if err != nil {
					return nil, fmt.Errorf("manifest entry %d: %w", i, err)
				}
				if file != "" {
					referenced[file] = true
				}
			}
		case errors.Is(err, fs.ErrNotExist) && opts.ScanScripts:
			// scripts only
		default:
			return nil, err
		}
	}

	if opts.ScanScripts {
		if err := c.scan(referenced, defaultUnit); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func readManifest(fsys fs.FS, name string) (*Manifest, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", name, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", name, err)
	}
	return &m, nil
}

func (c *Catalog) addEntry(e Entry, base, defaultUnit string) (string, error) {
	policy, err := migration.ParsePolicy(e.Policy)
	if err != nil {
		return "", fmt.Errorf("migration %s: %w", e.ID, err)
	}
	unit := e.SchemaUnit
	if unit == "" {
		unit = defaultUnit
	}

	file := e.File
	if file == "" {
		file = e.ID + ".sql"
	}
	file = path.Clean(path.Join(base, filepath.ToSlash(file)))
	if _, err := fs.Stat(c.fsys, file); err != nil {
		if policy != migration.PolicySkip || !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migration %s: script %s: %w", e.ID, file, err)
		}
		file = ""
	}

	if err := c.add(migration.Descriptor{ID: e.ID, SchemaUnit: unit, Policy: policy}, file); err != nil {
		return "", err
	}
	return file, nil
}

func (c *Catalog) scan(referenced map[string]bool, defaultUnit string) error {
	entries, err := fs.ReadDir(c.fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") && !referenced[entry.Name()] {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, name := range sqlFiles {
		content, err := fs.ReadFile(c.fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		d, err := parseHeader(string(content))
		if err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		d.ID = strings.TrimSuffix(name, ".sql")
		if d.SchemaUnit == "" {
			d.SchemaUnit = defaultUnit
		}
		if err := c.add(d, name); err != nil {
			return err
		}
	}
	return nil
}

// parseHeader reads directives from the leading comment block of a script.
func parseHeader(content string) (migration.Descriptor, error) {
	var d migration.Descriptor
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
		switch {
		case strings.HasPrefix(line, directiveSchemaUnit):
			d.SchemaUnit = strings.TrimSpace(strings.TrimPrefix(line, directiveSchemaUnit))
		case strings.HasPrefix(line, directivePolicy):
			p, err := migration.ParsePolicy(strings.TrimPrefix(line, directivePolicy))
			if err != nil {
				return d, err
			}
			d.Policy = p
		}
	}
	return d, sc.Err()
}

func (c *Catalog) add(d migration.Descriptor, file string) error {
	if err := (migration.Record{MigrationID: d.ID}).Validate(); err != nil {
		return err
	}
	if _, exists := c.descriptors[d.ID]; exists {
		return fmt.Errorf("%w: %s", migration.ErrDuplicateMigration, d.ID)
	}
	c.descriptors[d.ID] = d
	if file != "" {
		c.files[d.ID] = file
	}
	return nil
}

// DescribeAll implements migration.Catalog.
func (c *Catalog) DescribeAll(schemaUnit string) []migration.Descriptor {
	var out []migration.Descriptor
	for _, d := range c.descriptors {
		if d.SchemaUnit == schemaUnit {
			out = append(out, d)
		}
	}
	return out
}

// Descriptors returns every descriptor in the artifact, ascending by id.
func (c *Catalog) Descriptors() []migration.Descriptor {
	out := make([]migration.Descriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SchemaUnits returns the distinct schema units in the artifact, sorted.
func (c *Catalog) SchemaUnits() []string {
	seen := make(map[string]struct{})
	for _, d := range c.descriptors {
		seen[d.SchemaUnit] = struct{}{}
	}
	units := make([]string, 0, len(seen))
	for u := range seen {
		units = append(units, u)
	}
	sort.Strings(units)
	return units
}

// Script implements migration.ScriptSource.
func (c *Catalog) Script(migrationID string) (string, error) {
	file, ok := c.files[migrationID]
	if !ok {
		return "", fmt.Errorf("%w: %s", migration.ErrScriptNotFound, migrationID)
	}
	content, err := fs.ReadFile(c.fsys, file)
	if err != nil {
		return "", fmt.Errorf("read migration %s: %w", file, err)
	}
	return string(content), nil
}
