package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/GoCodeAlone/migrate-orchestrator/migration"
)

func TestLoad_ScanScriptsWithDirectives(t *testing.T) {
	fsys := fstest.MapFS{
		"20230101_Init.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREATE TABLE a (id INT);"),
		},
		"20230102_AddIndex.sql": &fstest.MapFile{
			Data: []byte("-- +policy Skip\n-- +migrate Up\nCREATE INDEX a_id ON a (id);"),
		},
		"20230103_Cleanup.sql": &fstest.MapFile{
			Data: []byte("-- +schema-unit reporting\n-- +policy TryMigrate\nDROP TABLE legacy;\n-- +policy Skip"),
		},
		"README.md": &fstest.MapFile{Data: []byte("not a migration")},
	}

	c, err := Load(fsys, Options{DefaultSchemaUnit: "app", ScanScripts: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	app := c.DescribeAll("app")
	if len(app) != 2 {
		t.Fatalf("expected 2 app migrations, got %v", app)
	}
	reporting := c.DescribeAll("reporting")
	if len(reporting) != 1 {
		t.Fatalf("expected 1 reporting migration, got %v", reporting)
	}
	if reporting[0].Policy != migration.PolicyTryMigrate {
		t.Errorf("directive after the header must be ignored, got policy %s", reporting[0].Policy)
	}

	all := c.Descriptors()
	if all[1].ID != "20230102_AddIndex" || all[1].Policy != migration.PolicySkip {
		t.Errorf("unexpected descriptor: %+v", all[1])
	}
	if units := c.SchemaUnits(); len(units) != 2 || units[0] != "app" || units[1] != "reporting" {
		t.Errorf("schema units = %v", units)
	}

	script, err := c.Script("20230101_Init")
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	if !strings.Contains(script, "CREATE TABLE a") {
		t.Errorf("unexpected script: %q", script)
	}
	if _, err := c.Script("missing"); !errors.Is(err, migration.ErrScriptNotFound) {
		t.Errorf("expected ErrScriptNotFound, got %v", err)
	}
}

func TestLoad_ManifestWithScan(t *testing.T) {
	fsys := fstest.MapFS{
		FileName: &fstest.MapFile{Data: []byte(`
defaultSchemaUnit: billing
migrations:
  - id: 20230101_Init
    file: sql/init.sql
  - id: 20230102_Superseded
    policy: Skip
  - id: 20230103_Seed
    schemaUnit: identity
    policy: TryMigrate
`)},
		"sql/init.sql":      &fstest.MapFile{Data: []byte("CREATE TABLE invoices (id INT);")},
		"20230103_Seed.sql": &fstest.MapFile{Data: []byte("INSERT INTO users VALUES (1);")},
		"20230104_Extra.sql": &fstest.MapFile{
			Data: []byte("CREATE TABLE extra (id INT);"),
		},
	}

	c, err := Load(fsys, Options{Manifest: FileName, DefaultSchemaUnit: "ignored", ScanScripts: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	billing := c.DescribeAll("billing")
	if len(billing) != 3 {
		t.Fatalf("expected init, superseded and scanned extra in billing, got %v", billing)
	}
	identity := c.DescribeAll("identity")
	if len(identity) != 1 || identity[0].Policy != migration.PolicyTryMigrate {
		t.Fatalf("unexpected identity descriptors: %v", identity)
	}

	if _, err := c.Script("20230102_Superseded"); !errors.Is(err, migration.ErrScriptNotFound) {
		t.Errorf("skip entry with no file should have no script, got %v", err)
	}
	script, err := c.Script("20230101_Init")
	if err != nil || !strings.Contains(script, "invoices") {
		t.Errorf("script = %q, err = %v", script, err)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
		opts Options
	}{
		{
			name: "duplicate id between manifest and scan",
			fsys: fstest.MapFS{
				FileName:    &fstest.MapFile{Data: []byte("migrations:\n  - id: 001_a\n    file: other.sql\n")},
				"other.sql": &fstest.MapFile{Data: []byte("SELECT 1;")},
				"001_a.sql": &fstest.MapFile{Data: []byte("SELECT 1;")},
			},
			opts: Options{Manifest: FileName, ScanScripts: true},
		},
		{
			name: "unknown policy directive",
			fsys: fstest.MapFS{
				"001_a.sql": &fstest.MapFile{Data: []byte("-- +policy Rollback\nSELECT 1;")},
			},
			opts: Options{ScanScripts: true},
		},
		{
			name: "missing script for normal entry",
			fsys: fstest.MapFS{
				FileName: &fstest.MapFile{Data: []byte("migrations:\n  - id: 001_a\n")},
			},
			opts: Options{Manifest: FileName},
		},
		{
			name: "id too long",
			fsys: fstest.MapFS{
				strings.Repeat("x", migration.MaxMigrationIDLength+1) + ".sql": &fstest.MapFile{Data: []byte("SELECT 1;")},
			},
			opts: Options{ScanScripts: true},
		},
		{
			name: "invalid yaml",
			fsys: fstest.MapFS{
				FileName: &fstest.MapFile{Data: []byte("migrations: [")},
			},
			opts: Options{Manifest: FileName},
		},
		{
			name: "required manifest missing",
			fsys: fstest.MapFS{},
			opts: Options{Manifest: FileName},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.fsys, tt.opts); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
}

func TestOpen_DirectoryAndFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("001_a.sql", "SELECT 1;")
	write("002_b.sql", "SELECT 2;")
	write("only.yaml", "migrations:\n  - id: 001_a\n")

	c, err := Open(dir, "app")
	if err != nil {
		t.Fatalf("open dir: %v", err)
	}
	if len(c.DescribeAll("app")) != 2 {
		t.Errorf("expected 2 scanned migrations, got %v", c.Descriptors())
	}

	c, err = Open(filepath.Join(dir, "only.yaml"), "app")
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	if ds := c.DescribeAll("app"); len(ds) != 1 || ds[0].ID != "001_a" {
		t.Errorf("manifest file should list only its entries, got %v", ds)
	}

	if _, err := Open(filepath.Join(dir, "missing"), "app"); err == nil {
		t.Error("expected error for missing location")
	}
}
