package vault_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/snaplinked/core"
	"github.com/hazyhaar/snaplinked/dbopen"
	"github.com/hazyhaar/snaplinked/horosafe"
	"github.com/hazyhaar/snaplinked/store"
	"github.com/hazyhaar/snaplinked/vault"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestNewRejectsShortSecret(t *testing.T) {
	if _, err := vault.New([]byte("short"), nil); !errors.Is(err, horosafe.ErrSecretTooShort) {
		t.Fatalf("got %v", err)
	}
}

func TestSealOpen(t *testing.T) {
	v, err := vault.New(secret, nil)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := v.Seal([]byte("cookies"), vault.StorageAAD("usr_1"))
	b, _ := v.Seal([]byte("cookies"), vault.StorageAAD("usr_1"))
	if bytes.Equal(a, b) {
		t.Fatal("nonce reuse: identical ciphertexts")
	}
	pt, err := v.Open(a, vault.StorageAAD("usr_1"))
	if err != nil || string(pt) != "cookies" {
		t.Fatalf("open: %q %v", pt, err)
	}
	if _, err := v.Open(a, vault.StorageAAD("usr_2")); !errors.Is(err, vault.ErrDecrypt) {
		t.Fatalf("wrong aad: %v", err)
	}
	a[len(a)-1] ^= 1
	if _, err := v.Open(a, vault.StorageAAD("usr_1")); !errors.Is(err, vault.ErrDecrypt) {
		t.Fatalf("tampered: %v", err)
	}
}

func TestPutGetCredentials(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	u := &core.User{Email: "u@example.com", IsActive: true, AutomationEnabled: true}
	if err := st.CreateUser(ctx, u, now); err != nil {
		t.Fatal(err)
	}

	v, _ := vault.New(secret, st)
	if _, err := v.Get(ctx, u.ID); !errors.Is(err, vault.ErrNoCredentials) {
		t.Fatalf("empty: %v", err)
	}
	in := vault.Credentials{Kind: vault.KindPassword, Email: "Me@Mail.com", Password: "hunter2hunter2"}
	if err := v.Put(ctx, u.ID, in, now); err != nil {
		t.Fatal(err)
	}

	sc, _ := st.GetCredentials(ctx, u.ID)
	if bytes.Contains(sc.Sealed, []byte("hunter2")) {
		t.Fatal("plaintext password stored")
	}

	got, err := v.Get(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "me@mail.com" || got.Password != "hunter2hunter2" || !got.CanLogin() {
		t.Fatalf("got %+v", got)
	}
	if strings.Contains(got.String(), "hunter2") {
		t.Fatal("String leaks the password")
	}

	if err := v.Put(ctx, u.ID, vault.Credentials{Kind: vault.KindOAuth}, now); err == nil {
		t.Fatal("oauth without token accepted")
	}
}
