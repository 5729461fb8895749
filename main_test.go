package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IR1DO/scm-app-server/store"
)

func TestValidateAddr(t *testing.T) {
	assert.NoError(t, validateAddr("127.0.0.1:8000"))
	assert.NoError(t, validateAddr("10.0.0.8:8000"))
	assert.Error(t, validateAddr("8.8.8.8:8000"))
	assert.Error(t, validateAddr("localhost:8000"))
	assert.Error(t, validateAddr("127.0.0.1"))
	assert.NoError(t, validateAddr("[::1]:8000"))
}

func TestSavePid(t *testing.T) {
	name := filepath.Join(t.TempDir(), "scm.pid")

	require.NoError(t, savePid(name, 42))
	pid, err := readPid(name)
	require.NoError(t, err)
	assert.Equal(t, 42, pid)

	// stale: no process can have a pid above pid_max.
	require.NoError(t, os.WriteFile(name, []byte("1073741824"), 0600))
	require.NoError(t, savePid(name, 43))
	pid, err = readPid(name)
	require.NoError(t, err)
	assert.Equal(t, 43, pid)

	require.NoError(t, os.WriteFile(name, []byte(strconv.Itoa(os.Getpid())), 0600))
	assert.Error(t, savePid(name, 44))

	require.NoError(t, os.WriteFile(name, []byte("garbage"), 0600))
	assert.Error(t, savePid(name, 45))

	require.NoError(t, os.WriteFile(name, nil, 0600))
	assert.NoError(t, savePid(name, 46))
}

func TestEnvDefault(t *testing.T) {
	t.Setenv("SCM_TEST_ENV_DEFAULT", "from-env")

	v := ""
	envDefault(&v, "SCM_TEST_ENV_DEFAULT", "fallback")
	assert.Equal(t, "from-env", v)

	v = "from-flag"
	envDefault(&v, "SCM_TEST_ENV_DEFAULT", "fallback")
	assert.Equal(t, "from-flag", v)

	v = ""
	envDefault(&v, "SCM_TEST_ENV_UNSET", "fallback")
	assert.Equal(t, "fallback", v)
}

func TestPutDevProfiles(t *testing.T) {
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "scm.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, putDevProfiles(s, "alice:Alice, bob"))

	p, err := s.Profile(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Name)

	p, err = s.Profile(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, p.Name)

	assert.Error(t, putDevProfiles(s, ":nobody"))
}
