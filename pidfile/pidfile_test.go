package pidfile_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisstaite-go/dote/pidfile"
)

func TestCreate_emptyPathIsANoOp(t *testing.T) {
	f, err := pidfile.Create("")
	require.NoError(t, err)
	assert.NoError(t, f.Close())
}

func TestCreate_writesCurrentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dote.pid")

	f, err := pidfile.Create(path)
	require.NoError(t, err)
	defer f.Close()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestCreate_secondLockFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dote.pid")

	first, err := pidfile.Create(path)
	require.NoError(t, err)
	defer first.Close()

	_, err = pidfile.Create(path)
	assert.Error(t, err)
}

func TestClose_removesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dote.pid")

	f, err := pidfile.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCreate_afterCloseCanRelock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dote.pid")

	first, err := pidfile.Create(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := pidfile.Create(path)
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}
