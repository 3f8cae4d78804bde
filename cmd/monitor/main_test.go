package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIAddressPrefersFlag(t *testing.T) {
	addr, err := apiAddress("does-not-matter.yaml", "10.0.0.5:9000")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9000", addr)
}

func TestAPIAddressFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpuminer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_listen: 127.0.0.1:4444\n"), 0o600))

	addr, err := apiAddress(path, "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4444", addr)
}

func TestAPIAddressBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpuminer.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := apiAddress(path, "")
	assert.Error(t, err)
}
