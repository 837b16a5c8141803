package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// expirySafetyBuffer is subtracted from the token lifetime so a token close
// to expiry is never handed to a request that might outlive it.
const expirySafetyBuffer = 60 * time.Second

// CredentialSource yields the OAuth client credentials and refresh token.
// Implementations read from a secret store; values never reach disk or logs.
type CredentialSource interface {
	Credentials(ctx context.Context) (clientID, clientSecret, refreshToken string, err error)
}

// StaticCredentials is a CredentialSource over fixed values, for development
// and tests.
type StaticCredentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

func (s StaticCredentials) Credentials(ctx context.Context) (string, string, string, error) {
	return s.ClientID, s.ClientSecret, s.RefreshToken, nil
}

// tokenSource caches the access token in memory and allows exactly one
// refresh in flight; concurrent callers wait on the one refresh rather than
// stampeding the token endpoint.
type tokenSource struct {
	tokenURL string
	creds    CredentialSource
	client   *http.Client
	clock    func() time.Time

	mu         sync.Mutex
	refreshing bool
	cond       *sync.Cond
	token      string
	expiry     time.Time
}

func newTokenSource(tokenURL string, creds CredentialSource, client *http.Client) *tokenSource {
	ts := &tokenSource{
		tokenURL: tokenURL,
		creds:    creds,
		client:   client,
		clock:    time.Now,
	}
	ts.cond = sync.NewCond(&ts.mu)
	return ts
}

// Token returns a valid access token, refreshing if the cached one is absent
// or inside the safety buffer.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	for {
		if ts.token != "" && ts.clock().Before(ts.expiry) {
			token := ts.token
			ts.mu.Unlock()
			return token, nil
		}
		if !ts.refreshing {
			break
		}
		ts.cond.Wait()
	}
	ts.refreshing = true
	ts.mu.Unlock()

	token, expiry, err := ts.refresh(ctx)

	ts.mu.Lock()
	ts.refreshing = false
	if err == nil {
		ts.token = token
		ts.expiry = expiry
	}
	ts.cond.Broadcast()
	ts.mu.Unlock()

	if err != nil {
		return "", err
	}
	return token, nil
}

// Invalidate drops the cached token so the next call refreshes. Called after
// a 401 from the API.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}

func (ts *tokenSource) refresh(ctx context.Context) (string, time.Time, error) {
	clientID, clientSecret, refreshToken, err := ts.creds.Credentials(ctx)
	if err != nil {
		return "", time.Time{}, errkind.Wrap(errkind.CodeCatalogAuthFailed, "load credentials", err)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("catalog: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", time.Time{}, errkind.Wrap(errkind.CodeCatalogUnavailable, "token endpoint unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return "", time.Time{}, errkind.Newf(errkind.CodeCatalogUnavailable,
				"token endpoint returned %d", resp.StatusCode)
		}
		return "", time.Time{}, errkind.Newf(errkind.CodeCatalogAuthFailed,
			"token refresh rejected with %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, errkind.Wrap(errkind.CodeCatalogAuthFailed, "decode token response", err)
	}
	if body.AccessToken == "" {
		return "", time.Time{}, errkind.New(errkind.CodeCatalogAuthFailed, "token response without access_token")
	}

	lifetime := time.Duration(body.ExpiresIn) * time.Second
	expiry := ts.clock().Add(lifetime - expirySafetyBuffer)
	return body.AccessToken, expiry, nil
}
