package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/keyagent/internal/keystore"
	"github.com/rcourtman/keyagent/internal/testutil"
)

func isolateConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("KEYAGENT_CONFIG", filepath.Join(dir, "config.yaml"))
	t.Setenv("KEYAGENT_DATABASE", "")
	t.Setenv("KEYAGENT_AGENT_ENABLED", "")
	t.Setenv("KEYAGENT_AGENT_SOCKET", "")
	t.Setenv("KEYAGENT_LOG_LEVEL", "disabled")
	t.Setenv("SSH_AUTH_SOCK", "")
}

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"version"}, &out, &errOut)
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "keyagent dev")
}

func TestRunPopulateRequiresDatabase(t *testing.T) {
	isolateConfig(t)

	var out, errOut bytes.Buffer
	code := run([]string{"populate"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "no database configured")
}

func TestRunPopulateRejectsExtraArgs(t *testing.T) {
	isolateConfig(t)

	var out, errOut bytes.Buffer
	code := run([]string{"populate", "a", "b"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "Error:")
}

func TestRunPopulateAgentDisabled(t *testing.T) {
	isolateConfig(t)
	dbPath := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(dbPath, []byte("entries: []\n"), 0o600))
	t.Setenv("KEYAGENT_AGENT_ENABLED", "false")

	var out, errOut bytes.Buffer
	code := run([]string{"populate", "--database", dbPath}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Equal(t, "The SSH agent is not enabled.\n", errOut.String())
	assert.Empty(t, out.String())
}

func TestRunPopulateEntryNotFound(t *testing.T) {
	isolateConfig(t)
	ka := testutil.ServeKeyring(t)
	t.Setenv("KEYAGENT_AGENT_SOCKET", ka.Socket)

	dbPath := filepath.Join(t.TempDir(), "vault.db")
	db, err := keystore.OpenSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	var out, errOut bytes.Buffer
	code := run([]string{"populate", "--database", dbPath, "Servers/db01"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Equal(t, "Could not find entry with path Servers/db01.\n", errOut.String())
	assert.Equal(t, 0, ka.Count(t))
}

func TestRunListShowsAgentKeys(t *testing.T) {
	isolateConfig(t)
	ka := testutil.ServeKeyring(t)
	t.Setenv("KEYAGENT_AGENT_SOCKET", ka.Socket)

	var out, errOut bytes.Buffer
	code := run([]string{"list"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Equal(t, "The agent has no identities.\n", out.String())
}

func TestRunListAgentDisabled(t *testing.T) {
	isolateConfig(t)

	var out, errOut bytes.Buffer
	code := run([]string{"list"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.True(t, strings.HasPrefix(errOut.String(), "Error: the SSH agent is not enabled"))
}

func TestRunListReportsUnreachableSocket(t *testing.T) {
	isolateConfig(t)
	socket := filepath.Join(t.TempDir(), "missing.sock")
	t.Setenv("KEYAGENT_AGENT_SOCKET", socket)

	var out, errOut bytes.Buffer
	code := run([]string{"list"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "list identities from "+socket)
}

func TestRunPopulateMissingDatabaseFile(t *testing.T) {
	isolateConfig(t)
	ka := testutil.ServeKeyring(t)
	t.Setenv("KEYAGENT_AGENT_SOCKET", ka.Socket)
	dbPath := filepath.Join(t.TempDir(), "vualt.db")

	var out, errOut bytes.Buffer
	code := run([]string{"populate", "--database", dbPath, "Servers/db01"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "keystore: open "+dbPath)
	assert.NotContains(t, errOut.String(), "Could not find entry")
	assert.NoFileExists(t, dbPath)
}
