package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/equipimport/internal/core"
	"github.com/JonMunkholm/equipimport/internal/store/sqlite"
)

const sampleCSV = "Asset Name,S/N,Widget Color\nPump,SN-1,red\nValve,SN-2,blue\n"

type cli struct {
	dir    string
	db     string
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	return &cli{dir: dir, db: filepath.Join(dir, "equipment.db")}
}

func (c *cli) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(c.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (c *cli) run(args ...string) error {
	c.stdout.Reset()
	c.stderr.Reset()
	root := newRootCmd()
	root.SetOut(&c.stdout)
	root.SetErr(&c.stderr)
	root.SetArgs(append([]string{"--db", c.db}, args...))
	return root.ExecuteContext(context.Background())
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if err != nil {
		return exitFailure
	}
	return exitOK
}

func (c *cli) stats(t *testing.T) sqlite.Stats {
	t.Helper()
	store, err := sqlite.Open(context.Background(), c.db)
	require.NoError(t, err)
	defer store.Close()
	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func TestPreview_WritesSuggestedMapping(t *testing.T) {
	c := newCLI(t)
	file := c.write(t, "equipment.csv", sampleCSV)
	out := filepath.Join(c.dir, "mapping.yaml")

	require.NoError(t, c.run("preview", file, "--out", out))
	assert.Contains(t, c.stderr.String(), "2 rows, 3 columns")

	mf, err := readMappingFile(out)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"Asset Name":   core.FieldName,
		"S/N":          core.FieldSerialNumber,
		"Widget Color": core.NewAttribute,
	}, mf.Mapping)
	assert.Equal(t, core.ConfidenceMedium, mf.Confidence)

	assert.Equal(t, sqlite.Stats{}, c.stats(t), "preview never writes")
}

func TestPreview_Stdout(t *testing.T) {
	c := newCLI(t)
	file := c.write(t, "equipment.csv", sampleCSV)

	require.NoError(t, c.run("preview", file))
	assert.Contains(t, c.stdout.String(), "mapping:")
	assert.Contains(t, c.stdout.String(), "S/N: serial_number")
}

func TestPreview_ReportsDroppedCells(t *testing.T) {
	c := newCLI(t)
	file := c.write(t, "ragged.csv", "Asset Name,S/N\nPump,SN-1,stray\n")

	require.NoError(t, c.run("preview", file))
	assert.Contains(t, c.stderr.String(), "warning: 1 rows have values beyond the last header column")
}

func TestRun_ImportsThenSkipsDuplicates(t *testing.T) {
	c := newCLI(t)
	file := c.write(t, "equipment.csv", sampleCSV)
	mapping := c.write(t, "mapping.yaml", `
mapping:
  Asset Name: name
  S/N: serial_number
  Widget Color: __new__
`)

	require.NoError(t, c.run("run", file, "--mapping", mapping))
	assert.Contains(t, c.stdout.String(), "total: 2  imported: 2  skipped: 0  failed: 0")
	assert.Contains(t, c.stdout.String(), "new attribute: Widget Color")

	require.NoError(t, c.run("run", file, "-m", mapping, "--skip-duplicates"))
	assert.Contains(t, c.stdout.String(), "imported: 0  skipped: 2  failed: 0")
	assert.NotContains(t, c.stdout.String(), "new attribute")

	assert.Equal(t, sqlite.Stats{Equipment: 2, Attributes: 1, Values: 2}, c.stats(t))
}

func TestRun_StrictFailsOnRowErrors(t *testing.T) {
	c := newCLI(t)
	file := c.write(t, "equipment.csv", "Name,Status\nPump,active\nValve,melted\n")
	mapping := c.write(t, "mapping.yaml", "mapping:\n  Name: name\n  Status: status\n")

	err := c.run("run", file, "-m", mapping)
	require.NoError(t, err)
	assert.Contains(t, c.stdout.String(), `row 2: status "melted" must be one of`)

	err = c.run("run", file, "-m", mapping, "--strict")
	assert.Equal(t, exitRowsFailed, exitCode(err))
}

func TestRun_Errors(t *testing.T) {
	c := newCLI(t)
	file := c.write(t, "equipment.csv", sampleCSV)

	tests := []struct {
		name    string
		mapping string
		args    []string
		want    int
	}{
		{"invalid mapping", "mapping:\n  S/N: serial_number\n", nil, exitUsage},
		{"unknown yaml key", "mapping:\n  Asset Name: name\nskip: true\n", nil, exitUsage},
		{"no mapping section", "skip_duplicates: true\n", nil, exitUsage},
		{"empty mapping file", "", nil, exitUsage},
		{"missing input", "mapping:\n  Asset Name: name\n", []string{filepath.Join(c.dir, "nope.csv")}, exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapping := c.write(t, "mapping.yaml", tt.mapping)
			target := file
			if len(tt.args) > 0 {
				target = tt.args[0]
			}
			assert.Equal(t, tt.want, exitCode(c.run("run", target, "-m", mapping)))
		})
	}

	assert.Equal(t, sqlite.Stats{}, c.stats(t))
}

func TestRun_UnsupportedFile(t *testing.T) {
	c := newCLI(t)
	file := c.write(t, "equipment.pdf", "%PDF-1.7")
	mapping := c.write(t, "mapping.yaml", "mapping:\n  Name: name\n")

	err := c.run("run", file, "-m", mapping)
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
	assert.Contains(t, err.Error(), "FILE002")
}
