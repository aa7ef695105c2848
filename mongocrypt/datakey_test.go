package mongocrypt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalDataKeyMaterial_RoundTrips(t *testing.T) {
	crypt := testCrypt(t)

	wrapped, st := NewLocalDataKeyMaterial(crypt)
	require.True(t, st.OK())
	assert.NotEmpty(t, wrapped)

	plaintext, st := localUnwrap(crypt, wrapped)
	require.True(t, st.OK())
	assert.Len(t, plaintext, localMasterKeySize)
}

func TestNewLocalDataKeyMaterial_UniquePerCall(t *testing.T) {
	crypt := testCrypt(t)

	first, st := NewLocalDataKeyMaterial(crypt)
	require.True(t, st.OK())
	second, st := NewLocalDataKeyMaterial(crypt)
	require.True(t, st.OK())

	assert.NotEqual(t, first, second, "each call must generate fresh DEK plaintext")
}

func TestWrapLocalDataKey_RequiresMasterKey(t *testing.T) {
	emptyCrypt, st := NewCrypt(CryptOpts{})
	require.True(t, st.OK())

	_, st = WrapLocalDataKey(emptyCrypt, make([]byte, localMasterKeySize))
	require.False(t, st.OK())
	assert.Equal(t, StatusKMSError, st.Kind)
}
