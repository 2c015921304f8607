package replaybridge

import (
	"bytes"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	require.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", h.String())
	require.True(t, strings.HasPrefix(h.String(), h.ShortString()))
}

func TestHashTextRoundTrip(t *testing.T) {
	original := HashBytes([]byte("test data"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	parsed, err := ParseHash(string(text))
	require.NoError(t, err)
	require.Equal(t, original, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			require.Error(t, err)
		})
	}
}

func TestRequestKey(t *testing.T) {
	mustParse := func(s string) *url.URL {
		u, err := url.Parse(s)
		require.NoError(t, err)
		return u
	}

	base := RequestKey("GET", mustParse("http://localhost/?waczArchive=a1&path=page.html"))

	t.Run("query order and fragment do not matter", func(t *testing.T) {
		require.Equal(t, base, RequestKey("get", mustParse("http://LOCALHOST/?path=page.html&waczArchive=a1#top")))
	})

	t.Run("method matters", func(t *testing.T) {
		require.NotEqual(t, base, RequestKey("HEAD", mustParse("http://localhost/?waczArchive=a1&path=page.html")))
	})

	t.Run("path parameter matters", func(t *testing.T) {
		require.NotEqual(t, base, RequestKey("GET", mustParse("http://localhost/?waczArchive=a1&path=other.html")))
	})
}

func TestHashingReader(t *testing.T) {
	data := []byte("streaming hash test")
	hr := NewHashingReader(bytes.NewReader(data))

	got, err := io.ReadAll(hr)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, int64(len(data)), hr.BytesRead())
	require.Equal(t, HashBytes(data), hr.Sum())
}

func TestHashingWriter(t *testing.T) {
	data := []byte("written in two parts")
	hw := NewHashingWriter()

	_, err := io.Copy(hw, io.MultiReader(bytes.NewReader(data[:7]), bytes.NewReader(data[7:])))
	require.NoError(t, err)
	require.Equal(t, HashBytes(data), hw.Sum())
}
