package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCrashFile(t *testing.T) {
	previous := CrashLogDir
	t.Cleanup(func() { CrashLogDir = previous })

	dir := filepath.Join(t.TempDir(), "logs")
	InstallCrashHandler(dir)

	path := WriteCrashFile("boom", "main.main()")
	require.NotEmpty(t, path)
	assert.Equal(t, dir, filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "REGISTRAR CRASH REPORT")
	assert.Contains(t, string(data), "boom")
	assert.Contains(t, string(data), "main.main()")
}
