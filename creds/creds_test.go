package creds

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	sealed map[int64][]byte
}

func (f *fakeSource) GetIntegrationCredentials(_ context.Context, _, integrationID int64) ([]byte, error) {
	return f.sealed[integrationID], nil
}

func TestSealOpenRoundTrip(t *testing.T) {
	src := &fakeSource{sealed: map[int64][]byte{}}
	s, err := NewSQLStore(src, "test-key")
	require.NoError(t, err)

	secret := []byte(`{"token":"abc","url":"https://tracker.example.com"}`)
	sealed, err := s.Seal(secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, sealed)

	src.sealed[7] = sealed
	got, err := s.GetCredentials(context.Background(), 1, 7)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	src := &fakeSource{sealed: map[int64][]byte{}}
	s, err := NewSQLStore(src, "test-key")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("secret"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	src.sealed[7] = sealed

	_, err = s.GetCredentials(context.Background(), 1, 7)
	assert.Error(t, err)
}

func TestWrongKeyFailsToDecrypt(t *testing.T) {
	src := &fakeSource{sealed: map[int64][]byte{}}
	sealer, err := NewSQLStore(src, "key-one")
	require.NoError(t, err)
	opener, err := NewSQLStore(src, "key-two")
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("secret"))
	require.NoError(t, err)
	src.sealed[7] = sealed

	_, err = opener.GetCredentials(context.Background(), 1, 7)
	assert.Error(t, err)
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := NewSQLStore(&fakeSource{}, "")
	assert.Error(t, err)
}
