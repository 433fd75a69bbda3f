package security

import (
	"testing"
	"time"

	"marketsync/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestParseIdentityVerified(t *testing.T) {
	tok, exp, err := Generate(DefaultOptions(secret), "u1", "seller", []string{"orders"})
	require.NoError(t, err)

	id, err := ParseIdentity(DefaultOptions(secret), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "seller", id.Role)
	assert.Equal(t, []string{"orders"}, id.Scopes)
	assert.WithinDuration(t, exp, id.ExpiresAt, time.Second)
}

func TestParseIdentityUnverified(t *testing.T) {
	tok, _, err := Generate(DefaultOptions([]byte("server-only")), "u2", "", nil)
	require.NoError(t, err)

	id, err := ParseIdentity(Options{}, tok)
	require.NoError(t, err)
	assert.Equal(t, "u2", id.UserID)
}

func TestParseIdentityBadSignature(t *testing.T) {
	tok, _, err := Generate(DefaultOptions([]byte("other")), "u1", "", nil)
	require.NoError(t, err)

	_, err = ParseIdentity(DefaultOptions(secret), tok)
	assert.True(t, errs.IsAuth(err))
}

func TestParseIdentityEmpty(t *testing.T) {
	_, err := ParseIdentity(Options{}, "  ")
	assert.Equal(t, errs.UnrecoverableError, errs.Code(err))
}

func TestParseIdentityExpired(t *testing.T) {
	opts := DefaultOptions(secret)
	opts.TTL = time.Nanosecond
	tok, _, err := Generate(opts, "u1", "", nil)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	_, err = ParseIdentity(DefaultOptions(secret), tok)
	assert.True(t, errs.IsAuth(err))
}
