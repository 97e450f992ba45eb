package ptyalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMasterAndSlave(t *testing.T) {
	master, slaveName, err := OpenMaster()
	require.NoError(t, err)
	defer master.Close()
	assert.NotEmpty(t, slaveName)

	slave, err := OpenSlave(slaveName)
	require.NoError(t, err)
	defer slave.Close()

	require.NoError(t, Setsize(master, 40, 120))
}
