package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDispatch(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 0, Run([]string{"pdsno", "version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "pdsno "+version)

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"pdsno", "help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Commands:")

	assert.Equal(t, 2, Run([]string{"pdsno", "frobnicate"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestKeygenWritesSecret(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bootstrap.secret")
	var stdout, stderr bytes.Buffer

	code := runKeygen([]string{"--out", out}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	// 32 bytes hex plus trailing newline.
	assert.Len(t, bytes.TrimSpace(data), 64)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestKeygenRejectsShortSecrets(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runKeygen([]string{"--out", filepath.Join(t.TempDir(), "s"), "--bytes", "16"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
}

func TestLoadIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.seed")

	first, err := loadIdentity(path)
	require.NoError(t, err)
	second, err := loadIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyHex(), second.PublicKeyHex())
}

func TestParsePeers(t *testing.T) {
	peers := parsePeers("regional_cntl_zone-A_1=http://rc-a:7420, local_cntl_zone-A_1=http://lc-a:7420")
	assert.Equal(t, "http://rc-a:7420", peers["regional_cntl_zone-A_1"])
	assert.Equal(t, "http://lc-a:7420", peers["local_cntl_zone-A_1"])

	assert.Empty(t, parsePeers(""))
	assert.Empty(t, parsePeers("garbage"))
}
