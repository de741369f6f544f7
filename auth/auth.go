// Package auth covers both merchant surfaces: JWT sessions for the dashboard
// and public/secret API key pairs for machine callers. Secrets are stored
// only as bcrypt hashes; verification failures are indistinguishable to the
// caller.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/paykript/paykript/store"
)

const (
	publicIDBytes = 16
	secretBytes   = 32

	bearerPrefix = "Bearer "
)

// ErrUnauthenticated is the uniform failure for every bad credential path:
// unknown public ID, wrong secret, disabled key, malformed header. Callers
// never learn which.
var ErrUnauthenticated = errors.New("auth: invalid credentials")

// KeyPair is a freshly minted API credential. Secret is shown exactly once.
type KeyPair struct {
	PublicID string
	Secret   string
}

// GenerateKeyPair mints a pk_/sk_ pair for the given network environment.
// Only the bcrypt hash of the secret should ever be persisted.
func GenerateKeyPair(live bool) (*KeyPair, error) {
	env := "test"
	if live {
		env = "live"
	}
	pub, err := randomHex(publicIDBytes)
	if err != nil {
		return nil, err
	}
	sec, err := randomHex(secretBytes)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		PublicID: "pk_" + env + "_" + pub,
		Secret:   "sk_" + env + "_" + sec,
	}, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: reading randomness: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashSecret bcrypt-hashes an API secret or password for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing secret: %w", err)
	}
	return string(hash), nil
}

// CheckSecret reports whether the plaintext matches the stored bcrypt hash.
func CheckSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// CredentialStore is the slice of the store gateway the authenticator needs.
type CredentialStore interface {
	CredentialByPublicID(ctx context.Context, publicID string) (*store.APICredential, error)
	TouchCredential(ctx context.Context, id int64, now time.Time) error
	MerchantByID(ctx context.Context, id int64) (*store.Merchant, error)
	MerchantByEmail(ctx context.Context, email string) (*store.Merchant, error)
}

// Authenticator resolves Authorization headers to merchants.
type Authenticator struct {
	store     CredentialStore
	jwtSecret []byte
	jwtTTL    time.Duration
	log       log.Logger
}

// NewAuthenticator builds an authenticator signing session tokens with
// jwtSecret.
func NewAuthenticator(st CredentialStore, jwtSecret string, jwtTTL time.Duration) *Authenticator {
	return &Authenticator{
		store:     st,
		jwtSecret: []byte(jwtSecret),
		jwtTTL:    jwtTTL,
		log:       log.New("component", "auth"),
	}
}

// AuthenticateAPIKey validates an "Authorization: Bearer <public_id>:<secret>"
// header and returns the owning merchant. Disabled keys and merchants fail
// the same way unknown ones do.
func (a *Authenticator) AuthenticateAPIKey(ctx context.Context, header string) (*store.Merchant, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, ErrUnauthenticated
	}
	publicID, secret, ok := strings.Cut(strings.TrimPrefix(header, bearerPrefix), ":")
	if !ok || publicID == "" || secret == "" {
		return nil, ErrUnauthenticated
	}

	cred, err := a.store.CredentialByPublicID(ctx, publicID)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if !CheckSecret(cred.SecretHash, secret) {
		return nil, ErrUnauthenticated
	}
	merchant, err := a.store.MerchantByID(ctx, cred.MerchantID)
	if err != nil || !merchant.IsActive {
		return nil, ErrUnauthenticated
	}

	if err := a.store.TouchCredential(ctx, cred.ID, time.Now().UTC()); err != nil {
		a.log.Warn("Updating credential last_used failed", "credential", cred.ID, "err", err)
	}
	return merchant, nil
}

// Login verifies the merchant password and issues a session token.
func (a *Authenticator) Login(ctx context.Context, email, password string) (string, *store.Merchant, error) {
	merchant, err := a.store.MerchantByEmail(ctx, email)
	if err != nil {
		return "", nil, ErrUnauthenticated
	}
	if !merchant.IsActive || !CheckSecret(merchant.PasswordHash, password) {
		return "", nil, ErrUnauthenticated
	}
	token, err := a.IssueToken(merchant)
	if err != nil {
		return "", nil, err
	}
	return token, merchant, nil
}

// IssueToken signs an HS256 session token with the merchant email as subject.
func (a *Authenticator) IssueToken(m *store.Merchant) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   m.Email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.jwtTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return token, nil
}

// AuthenticateToken validates a bearer session token and resolves its
// merchant.
func (a *Authenticator) AuthenticateToken(ctx context.Context, header string) (*store.Merchant, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, ErrUnauthenticated
	}
	raw := strings.TrimPrefix(header, bearerPrefix)

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthenticated
	}

	merchant, err := a.store.MerchantByEmail(ctx, claims.Subject)
	if err != nil || !merchant.IsActive {
		return nil, ErrUnauthenticated
	}
	return merchant, nil
}
