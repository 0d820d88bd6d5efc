package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secretdrop/sirr/ci"
)

func TestBytes(t *testing.T) {
	ci.Parallel(t)

	b1, err := Bytes(32)
	require.NoError(t, err)
	require.Len(t, b1, 32)

	b2, err := Bytes(32)
	require.NoError(t, err)
	require.NotEqual(t, b1, b2)

	empty, err := Bytes(0)
	require.NoError(t, err)
	require.Len(t, empty, 0)
}
