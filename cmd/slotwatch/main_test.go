package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(good, []byte("monitor:\n  interval: 90s\n"), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte("monitor:\n  interval: soon\n"), 0o600))

	out, err := execute(t, "validate", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")

	_, err = execute(t, "validate", "-c", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor.interval")
}

func TestCatalog(t *testing.T) {
	out, err := execute(t, "catalog")
	require.NoError(t, err)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "locations:")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "slotwatch dev")
}
