package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vestnet/internal/domain"
)

func TestIssueAndParse(t *testing.T) {
	v := NewVerifier("secret", "vestnet", time.Hour)
	tok, err := v.Issue(Identity{UserID: 42, Role: RoleAdmin})
	require.NoError(t, err)

	id, err := v.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(42), id.UserID)
	assert.True(t, id.IsAdmin())
}

func TestParseRejects(t *testing.T) {
	v := NewVerifier("secret", "vestnet", time.Hour)
	good, err := v.Issue(Identity{UserID: 1, Role: RoleUser})
	require.NoError(t, err)

	other, err := NewVerifier("other", "vestnet", time.Hour).Issue(Identity{UserID: 1})
	require.NoError(t, err)
	wrongIssuer, err := NewVerifier("secret", "elsewhere", time.Hour).Issue(Identity{UserID: 1})
	require.NoError(t, err)

	expired := NewVerifier("secret", "vestnet", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue(Identity{UserID: 1})
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "root",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "1", Issuer: "vestnet", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"garbage":      "abc.def.ghi",
		"wrong secret": other,
		"wrong issuer": wrongIssuer,
		"expired":      old,
		"alg none":     none,
		"bad role":     badRole,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse(tok)
			assert.ErrorIs(t, err, domain.ErrForbidden)
		})
	}

	_, err = v.Parse(good)
	assert.NoError(t, err)
}
