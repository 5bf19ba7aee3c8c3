package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "a.example", want: "https://a.example/"},
		{in: "  a.example  ", want: "https://a.example/"},
		{in: "http://a.example/path", want: "http://a.example/path"},
		{in: "https://www.a.example", want: "https://www.a.example/"},
		{in: "", err: true},
		{in: "ftp://a.example", err: true},
		{in: "https://", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			if tt.err {
				require.ErrorIs(t, err, ErrInvalidDomain)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostname(t *testing.T) {
	assert.Equal(t, "cdn.example", Hostname("https://CDN.example:8443/a.js"))
	assert.Equal(t, "", Hostname("data:image/png;base64,AAAA"))
	assert.Equal(t, "", Hostname("blob:https://a.example/uuid"))
	assert.Equal(t, "", Hostname("http://[::1"))
	assert.Equal(t, "a.example", StripWWW("WWW.a.example"))
}

func TestSameDocument(t *testing.T) {
	assert.True(t, SameDocument("https://a.example/", "https://a.example"))
	assert.True(t, SameDocument("https://a.example/#top", "https://a.example/"))
	assert.False(t, SameDocument("https://a.example/x", "https://a.example/"))
}
