package networking

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	client, err := NewHttpClientBuilder().Build()
	require.NoError(t, err)
	assert.Equal(t, HttpTimeout, client.Timeout)
}

func TestRejectsPlainHTTPByDefault(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewHttpClientBuilder().Build()
	require.NoError(t, err)

	//nolint:bodyclose // request must fail before a body exists
	_, err = client.Get(srv.URL)
	assert.ErrorContains(t, err, "not HTTPS scheme")
}

func TestAllowsPlainHTTPWhenConfigured(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewHttpClientBuilder().
		WithPlainHTTP(true).
		WithTimeout(5 * time.Second).
		Build()
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestMissingCABundle(t *testing.T) {
	t.Parallel()

	_, err := NewHttpClientBuilder().WithCABundle("/does/not/exist.pem").Build()
	assert.ErrorContains(t, err, "failed to read CA certificate bundle")
}
