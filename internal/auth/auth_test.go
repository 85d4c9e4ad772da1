package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testKeys(t *testing.T) []KeyRecord {
	t.Helper()
	bhash, err := bcrypt.GenerateFromPassword([]byte("secret-two"), bcrypt.MinCost)
	require.NoError(t, err)

	return []KeyRecord{
		{
			ID:          "main",
			Hash:        HashKey("secret-one"),
			MudName:     "LuminariMUD",
			Permissions: []string{"*"},
		},
		{
			ID:          "restricted",
			Hash:        "bcrypt:" + string(bhash),
			MudName:     "OtherMUD",
			Permissions: []string{"tell", "channel_*", "who"},
			AllowIPs:    []string{"127.0.0.1", "10.0.0.0/8"},
			DenyIPs:     []string{"10.9.9.9"},
		},
	}
}

func TestVerifySHA256(t *testing.T) {
	a, err := New(testKeys(t))
	require.NoError(t, err)

	id, err := a.Verify("secret-one", "203.0.113.5:4411")
	require.NoError(t, err)
	assert.Equal(t, "main", id.KeyID)
	assert.Equal(t, "LuminariMUD", id.MudName)
	assert.True(t, id.Permissions.Allows("shutdown"))
}

func TestVerifyBcrypt(t *testing.T) {
	a, err := New(testKeys(t))
	require.NoError(t, err)

	id, err := a.Verify("secret-two", "127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, "restricted", id.KeyID)
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	a, err := New(testKeys(t))
	require.NoError(t, err)

	_, err = a.Verify("wrong", "127.0.0.1:1")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = a.Verify("", "127.0.0.1:1")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestIPAllowDeny(t *testing.T) {
	a, err := New(testKeys(t))
	require.NoError(t, err)

	// In the 10/8 allow range.
	_, err = a.Verify("secret-two", "10.1.2.3:5555")
	require.NoError(t, err)

	// Denied address wins over the allow range.
	_, err = a.Verify("secret-two", "10.9.9.9:5555")
	assert.ErrorIs(t, err, ErrIPBlocked)

	// Outside every allow entry.
	_, err = a.Verify("secret-two", "192.168.1.1:5555")
	assert.ErrorIs(t, err, ErrIPBlocked)
}

func TestCompileRejectsBadHash(t *testing.T) {
	_, err := New([]KeyRecord{{ID: "bad", Hash: "sha256:zznothex"}})
	assert.Error(t, err)

	_, err = New([]KeyRecord{{ID: "bad", Hash: "bcrypt:not-a-hash"}})
	assert.Error(t, err)
}

func TestCompileRejectsBadIP(t *testing.T) {
	_, err := New([]KeyRecord{{ID: "bad", Hash: HashKey("k"), AllowIPs: []string{"10.0.0.0/99"}}})
	assert.Error(t, err)
}

func TestBareHexHashAssumesSHA256(t *testing.T) {
	bare := HashKey("plain")[len("sha256:"):]
	a, err := New([]KeyRecord{{ID: "bare", Hash: bare, MudName: "M"}})
	require.NoError(t, err)

	_, err = a.Verify("plain", "127.0.0.1:1")
	assert.NoError(t, err)
}

func TestPermissionWildcards(t *testing.T) {
	ps := NewPermissionSet([]string{"tell", "channel_*", "WHO"})

	assert.True(t, ps.Allows("tell"))
	assert.True(t, ps.Allows("who"))
	assert.True(t, ps.Allows("channel_send"))
	assert.True(t, ps.Allows("channel_join"))
	assert.False(t, ps.Allows("finger"))
	assert.False(t, ps.Allows("shutdown"))

	// Pre-auth and keepalive methods are never gated.
	assert.True(t, ps.Allows("ping"))
	assert.True(t, ps.Allows("authenticate"))
	assert.True(t, ps.Allows("resume"))
}

func TestPermissionStar(t *testing.T) {
	ps := NewPermissionSet([]string{"*"})
	assert.True(t, ps.Allows("anything_at_all"))
}

func TestPermissionListSortedDeduped(t *testing.T) {
	ps := NewPermissionSet([]string{"who", "tell", "tell", ""})
	assert.Equal(t, []string{"tell", "who"}, ps.List())
}
