package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrBadCredentials means the venue rejected the email/password pair.
	ErrBadCredentials = errors.New("invalid credentials")
	// ErrTwoFactorRequired means login needs a verification code; call
	// Verify with the code the venue delivered out of band.
	ErrTwoFactorRequired = errors.New("two-factor code required")
)

// Authenticator performs the HTTP login that yields the session token the
// duplex stream authenticates with.
type Authenticator struct {
	authURL string
	client  *http.Client
}

// NewAuthenticator builds an authenticator against the given login URL.
func NewAuthenticator(authURL string) *Authenticator {
	return &Authenticator{
		authURL: authURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type loginResponse struct {
	SSID   string `json:"ssid"`
	Token  string `json:"token"`
	Method string `json:"method"`
	Reason string `json:"reason"`
}

func (r loginResponse) sessionToken() string {
	if r.SSID != "" {
		return r.SSID
	}
	return r.Token
}

// Login exchanges credentials for a session token. A 403 with a method
// field means a second factor is pending; the caller collects the code
// and completes the flow with Verify.
func (a *Authenticator) Login(ctx context.Context, email, password string) (string, error) {
	body := map[string]string{"identifier": email, "password": password}
	resp, err := a.post(ctx, a.authURL, body)
	if err != nil {
		return "", err
	}
	switch {
	case resp.Method != "":
		return "", fmt.Errorf("%w: delivery via %s", ErrTwoFactorRequired, resp.Method)
	case resp.sessionToken() == "":
		if resp.Reason != "" {
			return "", fmt.Errorf("%w: %s", ErrBadCredentials, resp.Reason)
		}
		return "", ErrBadCredentials
	}
	return resp.sessionToken(), nil
}

// Verify completes a two-factor login with the delivered code.
func (a *Authenticator) Verify(ctx context.Context, email, password, code string) (string, error) {
	body := map[string]string{"identifier": email, "password": password, "token": code}
	resp, err := a.post(ctx, a.authURL+"/verify", body)
	if err != nil {
		return "", err
	}
	if resp.sessionToken() == "" {
		return "", fmt.Errorf("%w: verification rejected", ErrBadCredentials)
	}
	return resp.sessionToken(), nil
}

func (a *Authenticator) post(ctx context.Context, url string, body map[string]string) (*loginResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer res.Body.Close()

	var out loginResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if res.StatusCode == http.StatusUnauthorized {
		return nil, ErrBadCredentials
	}
	return &out, nil
}

// TokenExpiry reports when a JWT session token expires. Tokens are minted
// by the venue, so the signature is not checked here; only the expiry
// claim matters for scheduling a re-login. Returns the zero time when the
// token is not a JWT or carries no expiry.
func TokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
