package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixture = `
ebuilds:
  cat/pkgA-1: {RDEPEND: "!cat/pkgB"}
  dev-libs/lib-1: {}
  dev-libs/lib-2: {}
  dev-libs/testing-1: {KEYWORDS: "~x86"}
installed:
  cat/pkgB-1: {}
  dev-libs/lib-1: {}
settings:
  arch: x86
`

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o644))
	return path
}

func TestParse(t *testing.T) {
	f, opts, atoms, err := parse([]string{"--playground", "p.yaml", "-uD", "--exclude", "a/b", "--exclude", "c/d", "--autounmask", "--verbose=false", "x/y"})
	require.NoError(t, err)
	assert.Equal(t, "p.yaml", f.playground)
	assert.Equal(t, []string{"x/y"}, atoms)
	assert.Equal(t, map[string]string{
		"--update":     "true",
		"--deep":       "true",
		"--exclude":    "a/b c/d",
		"--autounmask": "y",
	}, opts)

	_, opts, _, err = parse([]string{"--playground", "p.yaml", "--backtrack", "3", "--deep=2"})
	require.NoError(t, err)
	assert.Equal(t, "3", opts["--backtrack"])
	assert.Equal(t, "2", opts["--deep"])

	_, _, _, err = parse([]string{"x/y"})
	assert.Error(t, err)
	_, _, _, err = parse([]string{"--playground", "p.yaml", "--no-such-flag"})
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	path := writeFixture(t)
	var out bytes.Buffer
	code, err := run(context.Background(), &out, []string{"--playground", path, "--jobs", "2", "cat/pkgA"})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "cat/pkgA-1")
	assert.Contains(t, out.String(), "[blocks b     ] cat/pkgB")

	out.Reset()
	code, err = run(context.Background(), &out, []string{"--playground", path, "--color", "cat/pkgA"})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "\x1b[32mcat/pkgA-1")
}

func TestRunUpdateWithBlockerCache(t *testing.T) {
	path := writeFixture(t)
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		var out bytes.Buffer
		code, err := run(context.Background(), &out, []string{"--playground", path, "--blocker-cache", dir, "-u", "dev-libs/lib"})
		require.NoError(t, err)
		assert.Equal(t, 0, code)
		assert.Contains(t, out.String(), "dev-libs/lib-2")
	}
}

func TestRunReportsProblems(t *testing.T) {
	path := writeFixture(t)
	var out bytes.Buffer
	code, err := run(context.Background(), &out, []string{"--playground", path, "--autounmask=y", "dev-libs/testing"})
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "dev-libs/testing-1")
	assert.Contains(t, out.String(), "--autounmask-continue")

	_, err = run(context.Background(), &out, []string{"--playground", path, "@nothere"})
	assert.Error(t, err)
}
