package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodYaml = `
sources:
  - name: docs
    type: "notion:fetch-all"
    command: "notion-export --space DOCS --out content/docs"
    schedule: "@every 6h"
    conditions:
      cpu_below: 80
      max_postpone: 10m
  - name: blog
    type: "notion:fetch"
    command: "notion-export --space BLOG --out content/blog"
    retry:
      max_retries: 5
`

func writeSources(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "sources.yml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestParserList(t *testing.T) {
	p := New(writeSources(t, goodYaml), time.Minute)

	specs, err := p.List()
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "docs", specs[0].Name)
	assert.Equal(t, "notion:fetch-all", specs[0].Type)
	assert.Equal(t, "@every 6h", specs[0].Schedule)
	require.NotNil(t, specs[0].Conditions)
	require.NotNil(t, specs[0].Conditions.CPUBelow)
	assert.Equal(t, 80, *specs[0].Conditions.CPUBelow)
	require.NotNil(t, specs[0].Conditions.MaxPostpone)
	assert.Equal(t, 10*time.Minute, *specs[0].Conditions.MaxPostpone)

	assert.Empty(t, specs[1].Schedule, "manual-only source")
	require.NotNil(t, specs[1].Retry)
	assert.Equal(t, 5, *specs[1].Retry.MaxRetries)
}

func TestParserListErrors(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "nope.yml"), time.Minute)
	_, err := p.List()
	assert.Error(t, err, "missing file")

	p = New(writeSources(t, "sources: [\n"), time.Minute)
	_, err = p.List()
	assert.Error(t, err, "broken yaml")

	p = New(writeSources(t, "sources:\n  - name: docs\n"), time.Minute)
	_, err = p.List()
	require.Error(t, err, "incomplete entry")
	assert.Contains(t, err.Error(), "missing name, type or command")

	dup := `
sources:
  - {name: docs, type: "notion:fetch", command: "echo 1"}
  - {name: docs, type: "notion:fetch", command: "echo 2"}
`
	p = New(writeSources(t, dup), time.Minute)
	_, err = p.List()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicated source name")
}

func TestParserChanges(t *testing.T) {
	file := writeSources(t, goodYaml)
	p := New(file, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch, err := p.Changes(ctx)
	require.NoError(t, err)

	// rewrite with one source and back-date mtime so the settle check passes
	updated := `
sources:
  - {name: docs, type: "notion:fetch", command: "echo updated"}
`
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(file, []byte(updated), 0o600))
	past := time.Now().Add(-time.Second)
	require.NoError(t, os.Chtimes(file, past, past))

	select {
	case specs := <-ch:
		require.Len(t, specs, 1)
		assert.Equal(t, "echo updated", specs[0].Command)
	case <-ctx.Done():
		t.Fatal("no update received")
	}

	cancel()
	for range ch { // drained and closed on cancellation
	}
}

func TestParserChangesNoFile(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "nope.yml"), 10*time.Millisecond)
	_, err := p.Changes(context.Background())
	assert.Error(t, err)
}

func TestParserString(t *testing.T) {
	assert.Equal(t, "some.yml", New("some.yml", time.Minute).String())
}
