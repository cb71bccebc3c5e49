package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encmirrorfs/encmirrorfs/internal/exitcodes"
)

func TestSetupMemprofile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "mem.pprof")
	stop, err := setupProfiling(&argContainer{memprofile: out})
	require.NoError(t, err)
	stop()
	st, err := os.Stat(out)
	require.NoError(t, err)
	assert.NotZero(t, st.Size())
}

func TestSetupProfilingErrors(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "nonexistent", "x.pprof")

	stop, err := setupProfiling(&argContainer{cpuprofile: bad})
	assert.Equal(t, exitcodes.Profiler, exitcodes.Code(err))
	stop()

	stop, err = setupProfiling(&argContainer{memprofile: bad})
	assert.Equal(t, exitcodes.Profiler, exitcodes.Code(err))
	stop()
}

func TestSetupProfilingNone(t *testing.T) {
	stop, err := setupProfiling(&argContainer{})
	require.NoError(t, err)
	stop()
}
