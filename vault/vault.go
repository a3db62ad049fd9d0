// Package vault encrypts LinkedIn credentials and browser storage state
// before they reach the store. Plaintext never leaves this process.
//
// Sealed blobs are XChaCha20-Poly1305: nonce || ciphertext. The key is
// derived with HKDF-SHA256 from the configured secret; the additional data
// binds each blob to its user and purpose so blobs cannot be swapped
// between rows.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/horosafe"
	"github.com/hazyhaar/snaplinked/store"
)

var (
	// ErrNoCredentials is returned when a user has no stored credentials.
	ErrNoCredentials = errors.New("vault: no credentials")
	// ErrDecrypt is returned when a blob fails authentication.
	ErrDecrypt = errors.New("vault: decrypt failed")
)

// Kind discriminates Credentials.
type Kind string

const (
	KindPassword Kind = "password"
	KindOAuth    Kind = "oauth"
)

// Credentials are the decrypted LinkedIn credentials of one user.
type Credentials struct {
	Kind     Kind      `json:"kind"`
	Email    string    `json:"email,omitempty"`
	Password string    `json:"password,omitempty"`
	Token    string    `json:"token,omitempty"`
	Expiry   time.Time `json:"expiry,omitempty"`
}

// String redacts secrets so Credentials can be logged safely.
func (c Credentials) String() string {
	switch c.Kind {
	case KindPassword:
		return fmt.Sprintf("password(%s)", c.Email)
	case KindOAuth:
		return fmt.Sprintf("oauth(expires %s)", c.Expiry.Format(time.RFC3339))
	}
	return "credentials(empty)"
}

// LogValue keeps secrets out of slog output.
func (c Credentials) LogValue() slog.Value { return slog.StringValue(c.String()) }

// CanLogin reports whether c holds what a form login needs.
func (c Credentials) CanLogin() bool {
	return c.Kind == KindPassword && c.Email != "" && c.Password != ""
}

// Store is the ciphertext persistence the vault needs.
type Store interface {
	PutCredentials(ctx context.Context, userID string, c store.SealedCredentials, now time.Time) error
	GetCredentials(ctx context.Context, userID string) (*store.SealedCredentials, error)
	DeleteCredentials(ctx context.Context, userID string) error
}

// Vault seals and opens secrets with a single derived key.
type Vault struct {
	aead  cipher.AEAD
	store Store
}

const hkdfInfo = "snaplinked vault v1"

// New derives the vault key from secret. secret must pass
// horosafe.ValidateSecret. st may be nil when only Seal/Open are used.
func New(secret []byte, st Store) (*Vault, error) {
	if err := horosafe.ValidateSecret(secret); err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	return &Vault{aead: aead, store: st}, nil
}

// Seal encrypts plaintext bound to aad.
func (v *Vault) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a blob produced by Seal with the same aad.
func (v *Vault) Open(sealed, aad []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns+v.aead.Overhead() {
		return nil, ErrDecrypt
	}
	pt, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

func credentialsAAD(userID string) []byte { return []byte("credentials:" + userID) }

// StorageAAD is the additional data binding a browser storage state blob
// to its user.
func StorageAAD(userID string) []byte { return []byte("storage:" + userID) }

// Put encrypts and stores c for userID.
func (v *Vault) Put(ctx context.Context, userID string, c Credentials, now time.Time) error {
	switch c.Kind {
	case KindPassword:
		if !c.CanLogin() {
			return fmt.Errorf("vault: password credentials need email and password")
		}
		c.Email = core.NormalizeEmail(c.Email)
	case KindOAuth:
		if c.Token == "" {
			return fmt.Errorf("vault: oauth credentials need a token")
		}
	default:
		return fmt.Errorf("vault: unknown credentials kind %q", c.Kind)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("vault: marshal: %w", err)
	}
	sealed, err := v.Seal(raw, credentialsAAD(userID))
	if err != nil {
		return err
	}
	sc := store.SealedCredentials{Kind: string(c.Kind), Sealed: sealed}
	if !c.Expiry.IsZero() {
		exp := c.Expiry
		sc.ExpiresAt = &exp
	}
	return v.store.PutCredentials(ctx, userID, sc, now)
}

// Get returns the decrypted credentials of userID.
func (v *Vault) Get(ctx context.Context, userID string) (Credentials, error) {
	sc, err := v.store.GetCredentials(ctx, userID)
	if errors.Is(err, core.ErrNotFound) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, err
	}
	raw, err := v.Open(sc.Sealed, credentialsAAD(userID))
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}, fmt.Errorf("vault: unmarshal: %w", err)
	}
	return c, nil
}

// Delete forgets userID's credentials.
func (v *Vault) Delete(ctx context.Context, userID string) error {
	return v.store.DeleteCredentials(ctx, userID)
}
