// Package gauth performs the refresh-token grant exchange against the Google
// OAuth endpoint used by Gemini Code Assist credentials.
package gauth

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2/google"

	"github.com/poolbridge/geminipool/internal/interfaces"
)

// OAuth client used by the Gemini CLI; pooled credentials were minted
// against it, so refresh exchanges must present the same client.
const (
	oauthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	oauthClientSecret = "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"

	refreshTimeout = 30 * time.Second
)

// GoogleRefresher exchanges refresh tokens at the Google token endpoint. The
// exchange is performed as an explicit form POST so the upstream status code
// and body stay observable; rotation decisions key off them.
type GoogleRefresher struct {
	httpClient *http.Client
	tokenURL   string
}

// NewGoogleRefresher builds a refresher against the standard Google endpoint.
func NewGoogleRefresher() *GoogleRefresher {
	return &GoogleRefresher{
		httpClient: &http.Client{Timeout: refreshTimeout},
		tokenURL:   google.Endpoint.TokenURL,
	}
}

// SetTokenURL overrides the token endpoint. Intended for tests.
func (r *GoogleRefresher) SetTokenURL(u string) {
	if u != "" {
		r.tokenURL = u
	}
}

// Refresh implements credential.Refresher. Non-2xx responses surface as
// *interfaces.StatusError carrying the endpoint's status and body text.
func (r *GoogleRefresher) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	form := url.Values{
		"client_id":     {oauthClientID},
		"client_secret": {oauthClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("gauth: close refresh response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debugf("gauth: refresh rejected, status: %d, body: %s", resp.StatusCode, body)
		return "", 0, interfaces.NewStatusError(resp.StatusCode, body)
	}

	accessToken := gjson.GetBytes(body, "access_token").String()
	expiresIn := gjson.GetBytes(body, "expires_in").Int()
	if accessToken == "" {
		return "", 0, interfaces.NewStatusError(resp.StatusCode, []byte("token endpoint returned no access_token"))
	}
	return accessToken, expiresIn, nil
}
