package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Auth signs venue API requests with HMAC-SHA256 over the request timestamp,
// method, path, and body, the scheme the venue's REST API expects.
type Auth struct {
	apiKey string
	secret []byte
}

// NewAuth creates an Auth from the API key and its base64-encoded secret.
func NewAuth(apiKey, secretB64 string) (*Auth, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, fmt.Errorf("venue: decode api secret: %w", err)
	}
	return &Auth{apiKey: apiKey, secret: secret}, nil
}

// Sign computes the request signature for the given timestamp, method,
// request path, and body.
func (a *Auth) Sign(ts int64, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Apply sets the authentication headers on an outgoing request.
func (a *Auth) Apply(req *http.Request, body []byte) {
	ts := time.Now().Unix()
	req.Header.Set("X-QSR-KEY", a.apiKey)
	req.Header.Set("X-QSR-TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("X-QSR-SIGNATURE", a.Sign(ts, req.Method, req.URL.Path, body))
}
