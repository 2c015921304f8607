package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveReader_TemplateFunctions(t *testing.T) {
	t.Setenv("REPLAY_TOKEN", `tok "quoted"`)
	tokenFile := filepath.Join(t.TempDir(), "s3.txt")
	require.NoError(t, os.WriteFile(tokenFile, []byte("sts-token\n"), 0o600))

	input := `{
		"auth_token": {{ env "REPLAY_TOKEN" | json }},
		"upstreams": [
			{"match": {"host_suffix": ".s3.amazonaws.com"}, "headers": {"x-amz-security-token": {{ file "` + tokenFile + `" | json }}}},
			{"match": {"any": true}, "token": {{ envDefault "UNSET_REPLAY_VAR" "fallback" | json }}}
		]
	}`

	creds, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, `tok "quoted"`, creds.AuthToken)
	require.Len(t, creds.Upstreams, 2)
	require.Equal(t, "sts-token", creds.Upstreams[0].Headers["x-amz-security-token"])
	require.Equal(t, "fallback", creds.Upstreams[1].Token)
}

func TestResolveReader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"missing env", `{"auth_token": {{ env "NONEXISTENT_VAR_XYZ" | json }}}`, "NONEXISTENT_VAR_XYZ"},
		{"missing key", `{"auth_token": {{ .UndefinedKey }}}`, "executing credentials template"},
		{"invalid json", `not valid json`, "invalid credentials JSON after template execution"},
		{"oversized", strings.Repeat("x", maxInputSize+1), "exceeds maximum size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(tt.input))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mock := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{
		"auth_token": {{ mock "same-ref" | json }},
		"upstreams": [{"match": {"any": true}, "token": {{ mock "same-ref" | json }}}]
	}`
	creds, err := NewResolver(WithProvider("mock", mock)).ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.AuthToken)
	require.Equal(t, "resolved-same-ref", creds.Upstreams[0].Token)
	require.Equal(t, 1, callCount)
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"auth_token": "from-file"}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.AuthToken)

	_, err = NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.ErrorContains(t, err, "opening credentials file")
}

func TestForURL(t *testing.T) {
	creds := &Credentials{Upstreams: []UpstreamAuth{
		{Match: HostMatch{Host: "archives.example.com"}, Token: "exact"},
		{Match: HostMatch{HostSuffix: ".s3.amazonaws.com"}, Username: "u", Password: "p"},
	}}

	u, _ := url.Parse("https://ARCHIVES.example.com/a1.wacz")
	require.Equal(t, "exact", creds.ForURL(u).Token)

	u, _ = url.Parse("https://bucket.s3.amazonaws.com/key.wacz")
	require.Equal(t, "u", creds.ForURL(u).Username)

	u, _ = url.Parse("https://elsewhere.org/a.wacz")
	require.Nil(t, creds.ForURL(u))

	var none *Credentials
	require.Nil(t, none.ForURL(u))
}

func TestTransportAppliesMatchingCredentials(t *testing.T) {
	var gotAuth, gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Archive-Key")
	}))
	defer upstream.Close()

	host, _ := url.Parse(upstream.URL)
	client := &http.Client{Transport: &Transport{Credentials: &Credentials{Upstreams: []UpstreamAuth{
		{Match: HostMatch{Host: host.Hostname()}, Token: "secret", Headers: map[string]string{"X-Archive-Key": "k"}},
	}}}}

	resp, err := client.Get(upstream.URL + "/a1.wacz")
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "k", gotHeader)

	// an explicit Authorization header wins
	req, _ := http.NewRequest(http.MethodGet, upstream.URL, nil)
	req.Header.Set("Authorization", "Bearer caller")
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, "Bearer caller", gotAuth)
}
