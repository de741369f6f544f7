package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paykript/paykript/store"
)

type fakeCredStore struct {
	creds     map[string]*store.APICredential
	merchants map[int64]*store.Merchant
	touched   []int64
}

func (s *fakeCredStore) CredentialByPublicID(ctx context.Context, publicID string) (*store.APICredential, error) {
	c, ok := s.creds[publicID]
	if !ok || !c.IsActive {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeCredStore) TouchCredential(ctx context.Context, id int64, now time.Time) error {
	s.touched = append(s.touched, id)
	return nil
}

func (s *fakeCredStore) MerchantByID(ctx context.Context, id int64) (*store.Merchant, error) {
	m, ok := s.merchants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (s *fakeCredStore) MerchantByEmail(ctx context.Context, email string) (*store.Merchant, error) {
	for _, m := range s.merchants {
		if m.Email == email {
			return m, nil
		}
	}
	return nil, store.ErrNotFound
}

func seededStore(t *testing.T, secret string) (*fakeCredStore, *KeyPair) {
	t.Helper()
	pair, err := GenerateKeyPair(true)
	require.NoError(t, err)
	hash, err := HashSecret(secret)
	require.NoError(t, err)
	passHash, err := HashSecret("hunter22")
	require.NoError(t, err)
	return &fakeCredStore{
		creds: map[string]*store.APICredential{
			pair.PublicID: {ID: 5, MerchantID: 1, PublicID: pair.PublicID, SecretHash: hash, IsActive: true},
		},
		merchants: map[int64]*store.Merchant{
			1: {ID: 1, Email: "m@example.com", PasswordHash: passHash, IsActive: true},
		},
	}, pair
}

func TestGenerateKeyPairPrefixes(t *testing.T) {
	live, err := GenerateKeyPair(true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(live.PublicID, "pk_live_"))
	assert.True(t, strings.HasPrefix(live.Secret, "sk_live_"))
	assert.Len(t, live.PublicID, len("pk_live_")+32)
	assert.Len(t, live.Secret, len("sk_live_")+64)

	test, err := GenerateKeyPair(false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(test.PublicID, "pk_test_"))
	assert.True(t, strings.HasPrefix(test.Secret, "sk_test_"))

	other, err := GenerateKeyPair(true)
	require.NoError(t, err)
	assert.NotEqual(t, live.Secret, other.Secret)
}

func TestAuthenticateAPIKey(t *testing.T) {
	st, pair := seededStore(t, "sk_live_sekrit")
	a := NewAuthenticator(st, "jwt-secret", time.Hour)

	m, err := a.AuthenticateAPIKey(context.Background(), "Bearer "+pair.PublicID+":sk_live_sekrit")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)
	assert.Equal(t, []int64{5}, st.touched)
}

func TestAuthenticateAPIKeyFailuresAreUniform(t *testing.T) {
	st, pair := seededStore(t, "sk_live_sekrit")
	a := NewAuthenticator(st, "jwt-secret", time.Hour)

	headers := []string{
		"",
		"Bearer",
		"Bearer " + pair.PublicID,                    // no separator
		"Bearer " + pair.PublicID + ":",              // empty secret
		"Bearer " + pair.PublicID + ":wrong-secret",  // bad secret
		"Bearer pk_live_unknown:sk_live_sekrit",      // unknown public ID
		"Basic " + pair.PublicID + ":sk_live_sekrit", // wrong scheme
		"Bearer :sk_live_sekrit",                     // empty public ID
	}
	for _, h := range headers {
		_, err := a.AuthenticateAPIKey(context.Background(), h)
		assert.ErrorIs(t, err, ErrUnauthenticated, "header %q", h)
	}
}

func TestAuthenticateAPIKeyDisabledPaths(t *testing.T) {
	st, pair := seededStore(t, "sk_live_sekrit")
	a := NewAuthenticator(st, "jwt-secret", time.Hour)
	header := "Bearer " + pair.PublicID + ":sk_live_sekrit"

	st.creds[pair.PublicID].IsActive = false
	_, err := a.AuthenticateAPIKey(context.Background(), header)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	st.creds[pair.PublicID].IsActive = true
	st.merchants[1].IsActive = false
	_, err = a.AuthenticateAPIKey(context.Background(), header)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestLoginAndTokenRoundTrip(t *testing.T) {
	st, _ := seededStore(t, "sk_live_sekrit")
	a := NewAuthenticator(st, "jwt-secret", time.Hour)

	token, m, err := a.Login(context.Background(), "m@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)
	require.NotEmpty(t, token)

	got, err := a.AuthenticateToken(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "m@example.com", got.Email)

	_, _, err = a.Login(context.Background(), "m@example.com", "wrong")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, _, err = a.Login(context.Background(), "nobody@example.com", "hunter22")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticateTokenRejectsForgedAndExpired(t *testing.T) {
	st, _ := seededStore(t, "sk_live_sekrit")
	a := NewAuthenticator(st, "jwt-secret", time.Hour)

	// Signed with a different secret.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "m@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = a.AuthenticateToken(context.Background(), "Bearer "+forged)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Expired.
	expired := NewAuthenticator(st, "jwt-secret", -time.Minute)
	token, err := expired.IssueToken(st.merchants[1])
	require.NoError(t, err)
	_, err = a.AuthenticateToken(context.Background(), "Bearer "+token)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// alg=none is refused.
	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "m@example.com"})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.AuthenticateToken(context.Background(), "Bearer "+raw)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
