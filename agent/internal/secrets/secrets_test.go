package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/1Password/connect-sdk-go/onepassword"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAndAutoFallback(t *testing.T) {
	p, err := New(Config{Username: "admin", Password: "pw"}, nil)
	require.NoError(t, err)

	creds, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "admin", Password: "pw"}, creds)
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("username: agent\npassword: s3cret\n"), 0o600))

	p, err := New(Config{Backend: "file", File: path}, nil)
	require.NoError(t, err)
	creds, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent", creds.Username)
	assert.Equal(t, "s3cret", creds.Password)

	// auto picks the file when 1Password is not configured
	p, err = New(Config{File: path, Username: "ignored"}, nil)
	require.NoError(t, err)
	creds, err = p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent", creds.Username)
}

func TestBackendErrors(t *testing.T) {
	_, err := New(Config{Backend: "file"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Backend: "onepassword"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Backend: "vault"}, nil)
	assert.Error(t, err)

	_, err = File(filepath.Join(t.TempDir(), "missing")).Credentials(context.Background())
	assert.Error(t, err)
}

type fakeVault struct {
	items map[string]*onepassword.Item
	calls int
	err   error
}

func (f *fakeVault) GetItemsByTitle(title, _ string) ([]onepassword.Item, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if it, ok := f.items[title]; ok {
		return []onepassword.Item{{ID: it.ID, Title: title}}, nil
	}
	return nil, nil
}

func (f *fakeVault) GetItem(id, _ string) (*onepassword.Item, error) {
	for _, it := range f.items {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, errors.New("not found")
}

func TestOnePassword(t *testing.T) {
	vault := &fakeVault{items: map[string]*onepassword.Item{
		"fleet-agent controller": {
			ID: "abc",
			Fields: []*onepassword.ItemField{
				{Label: "username", Value: "agent"},
				{Label: "password", Value: "pw"},
			},
		},
	}}
	p := newOnePassword(vault, OnePasswordConfig{VaultID: "v"}, nil)

	creds, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Credentials{Username: "agent", Password: "pw"}, creds)

	_, err = p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, vault.calls, "second call served from cache")
}

func TestOnePasswordMissingItem(t *testing.T) {
	p := newOnePassword(&fakeVault{}, OnePasswordConfig{VaultID: "v", Item: "nope"}, nil)
	_, err := p.Credentials(context.Background())
	assert.ErrorContains(t, err, "not found")

	p = newOnePassword(&fakeVault{err: errors.New("503")}, OnePasswordConfig{VaultID: "v"}, nil)
	_, err = p.Credentials(context.Background())
	assert.ErrorContains(t, err, "listing items")
}
