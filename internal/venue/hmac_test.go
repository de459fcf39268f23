package venue

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecretB64 = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func TestSignKnownVectors(t *testing.T) {
	auth, err := NewAuth("key-1", testSecretB64)
	require.NoError(t, err)

	assert.Equal(t,
		"MX1HUuCGoVTlshnp8/NFMRHUy9rM1GE5YgFxvsj7oTM=",
		auth.Sign(1700000000, "GET", "/api/v1/position", nil),
	)
	assert.Equal(t,
		"rYwLMonYT/3EJlORrySr/vBwKAkxW934Gyfv/a2GpfQ=",
		auth.Sign(1700000000, "POST", "/api/v1/orders", []byte(`{"symbol":"ETH3L"}`)),
	)
}

func TestSignVariesWithInputs(t *testing.T) {
	auth, err := NewAuth("key-1", testSecretB64)
	require.NoError(t, err)

	base := auth.Sign(1700000000, "GET", "/api/v1/position", nil)
	assert.NotEqual(t, base, auth.Sign(1700000001, "GET", "/api/v1/position", nil))
	assert.NotEqual(t, base, auth.Sign(1700000000, "POST", "/api/v1/position", nil))
	assert.NotEqual(t, base, auth.Sign(1700000000, "GET", "/api/v1/orders", nil))
	assert.NotEqual(t, base, auth.Sign(1700000000, "GET", "/api/v1/position", []byte("x")))
}

func TestApplySetsHeaders(t *testing.T) {
	auth, err := NewAuth("key-1", testSecretB64)
	require.NoError(t, err)

	body := []byte(`{"symbol":"ETH3L"}`)
	req, err := http.NewRequest(http.MethodPost, "https://venue.example/api/v1/orders", strings.NewReader(string(body)))
	require.NoError(t, err)
	auth.Apply(req, body)

	assert.Equal(t, "key-1", req.Header.Get("X-QSR-KEY"))
	assert.NotEmpty(t, req.Header.Get("X-QSR-TIMESTAMP"))
	assert.NotEmpty(t, req.Header.Get("X-QSR-SIGNATURE"))
}

func TestNewAuthRejectsBadSecret(t *testing.T) {
	_, err := NewAuth("key-1", "not-base64!!")
	require.Error(t, err)
}
