//go:build unix

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rcourtman/keyagent/internal/keystore"
	"github.com/rcourtman/keyagent/internal/testutil"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunPopulateUntilHangup(t *testing.T) {
	isolateConfig(t)
	ka := testutil.ServeKeyring(t)
	t.Setenv("KEYAGENT_AGENT_SOCKET", ka.Socket)

	pemBytes, _ := testutil.NewPrivateKeyPEM(t, "db01", "")
	dbPath := filepath.Join(t.TempDir(), "vault.db")
	db, err := keystore.OpenSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Put(&keystore.Entry{
		Path:       "Servers/db01",
		PrivateKey: pemBytes,
		Agent:      keystore.AgentSettings{AllowUse: true},
	}))
	require.NoError(t, db.Close())

	out := &lockedBuffer{}
	errOut := &lockedBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- run([]string{"populate", "--database", dbPath, "Servers/db01"}, out, errOut)
	}()

	require.Eventually(t, func() bool {
		return ka.Count(t) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return out.String() != ""
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGHUP))

	select {
	case code := <-done:
		assert.Equal(t, 0, code, errOut.String())
	case <-time.After(5 * time.Second):
		t.Fatal("populate did not exit after SIGHUP")
	}

	assert.Equal(t, 0, ka.Count(t))
	assert.Equal(t, "Key(s) added to SSH agent, waiting for exit signal...\nKey(s) removed from SSH agent\n", out.String())
	assert.Empty(t, errOut.String())
}
