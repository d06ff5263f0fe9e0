package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int64
		want  string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.bytes))
	}
}

func TestFormatAge(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "never", formatAge(time.Time{}))
	assert.Contains(t, formatAge(time.Now().Add(-30*time.Second)), "s ago")
	assert.Contains(t, formatAge(time.Now().Add(-5*time.Minute)), "m ago")
	assert.Contains(t, formatAge(time.Now().Add(-3*time.Hour)), "h ago")
}

func TestPrintTable_AlignsColumns(t *testing.T) {
	t.Parallel()

	var sb strings.Builder

	printTable(&sb, []string{"ID", "STATE"}, [][]string{
		{"short", "pending"},
		{"a-much-longer-id", "dead"},
	})

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	assert.Len(t, lines, 3)

	// Every STATE cell starts at the same column.
	col := strings.Index(lines[0], "STATE")
	assert.Equal(t, col, strings.Index(lines[1], "pending"))
	assert.Equal(t, col, strings.Index(lines[2], "dead"))
}
