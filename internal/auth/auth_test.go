package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials_Header(t *testing.T) {
	tests := []struct {
		name  string
		creds *Credentials
		key   string
		want  string
	}{
		{
			name:  "default bearer",
			creds: &Credentials{Token: "abc"},
			key:   "Authorization",
			want:  "Bearer abc",
		},
		{
			name:  "custom scheme",
			creds: &Credentials{Token: "abc", Scheme: "Token"},
			key:   "Authorization",
			want:  "Token abc",
		},
		{
			name:  "bare token in custom header",
			creds: &Credentials{Token: "abc", Scheme: "-", HeaderName: "X-Access-Token"},
			key:   "X-Access-Token",
			want:  "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.creds.Header().Get(tt.key))
		})
	}
}

func TestCredentials_NilIsAnonymous(t *testing.T) {
	var creds *Credentials
	assert.Empty(t, creds.Header())
	assert.Equal(t, "<none>", creds.Redacted())
}

func TestCredentials_Redacted(t *testing.T) {
	assert.Equal(t, "****", (&Credentials{Token: "short"}).Redacted())
	assert.Equal(t, "eyJh****", (&Credentials{Token: "eyJhbGciOiJIUzI1NiJ9"}).Redacted())
}

func TestLoadCredentials(t *testing.T) {
	creds, err := LoadCredentials("inline", "")
	require.NoError(t, err)
	assert.Equal(t, "inline", creds.Token)

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  from-file\n"), 0600))

	creds, err = LoadCredentials("", path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", creds.Token)

	// The inline token wins over the file.
	creds, err = LoadCredentials("inline", path)
	require.NoError(t, err)
	assert.Equal(t, "inline", creds.Token)
}

func TestLoadCredentials_Anonymous(t *testing.T) {
	creds, err := LoadCredentials("", "")
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestLoadToken_Errors(t *testing.T) {
	_, err := LoadToken("/nonexistent/path/to/token")
	assert.ErrorContains(t, err, "read token file")

	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, []byte("\n\t \n"), 0600))

	_, err = LoadToken(path)
	assert.ErrorIs(t, err, ErrEmptyToken)
}
