package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendToFileCreatesDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "log.jsonl")
	require.NoError(t, AppendToFile(file, "a", "b"))
	require.NoError(t, AppendToFile(file, "c"))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(data))
}

func TestWriteFileAtomic(t *testing.T) {
	file := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, WriteFileAtomic(file, []byte("one")))
	require.NoError(t, WriteFileAtomic(file, []byte("two")))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
	_, err = os.Stat(file + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
