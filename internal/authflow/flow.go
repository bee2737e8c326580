// Package authflow drives the OAuth2 authorization-code flow with PKCE
// through the system browser and a temporary local listener, and handles
// code exchange and token refresh against the provider's token endpoint.
package authflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/codechat/credman/internal/autherr"
	"github.com/codechat/credman/internal/config"
	"github.com/codechat/credman/internal/httpclient"
	"github.com/codechat/credman/internal/listener"
	"github.com/codechat/credman/internal/logger"
	"github.com/codechat/credman/internal/store"
)

// Flow runs interactive authorization and token refresh for providers.
// At most one interactive flow should be in flight per provider per
// process; two concurrent logins for the same provider would race on the
// same callback port.
type Flow struct {
	store       store.Store
	client      httpclient.HTTPClient
	openBrowser func(url string) error
	out         io.Writer
	now         func() time.Time
}

// Config configures a Flow. Zero values get defaults.
type Config struct {
	Store store.Store

	// HTTPClient is the transport for token endpoint calls.
	HTTPClient httpclient.HTTPClient

	// OpenBrowser launches the system browser; tests substitute it.
	OpenBrowser func(url string) error

	// Out receives the printed authorization URL. Defaults to stdout.
	Out io.Writer

	// Now is the time source for expiry computation.
	Now func() time.Time
}

// New creates a Flow over the given store.
func New(cfg Config) *Flow {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpclient.New()
	}
	if cfg.OpenBrowser == nil {
		cfg.OpenBrowser = OpenBrowser
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Flow{
		store:       cfg.Store,
		client:      cfg.HTTPClient,
		openBrowser: cfg.OpenBrowser,
		out:         cfg.Out,
		now:         cfg.Now,
	}
}

// session is the ephemeral state of one interactive flow. It is never
// persisted.
type session struct {
	id          string
	provider    string
	state       string
	verifier    string
	redirectURI string
}

// Authenticate obtains a credential for the provider. A stored record
// that is still usable or refreshable short-circuits the whole flow;
// otherwise the browser is driven through the authorization endpoint and
// the resulting code is exchanged for tokens, which are persisted before
// returning.
func (f *Flow) Authenticate(ctx context.Context, provider string, cfg *config.FlowConfig) (*store.CredentialRecord, error) {
	if rec := f.store.Load(provider); rec != nil && rec.Recoverable(f.now()) {
		logger.Get().Debug().Str("provider", provider).Msg("Stored credential is still usable, skipping interactive flow")
		return rec, nil
	}

	if err := cfg.Validate(provider); err != nil {
		return nil, err
	}

	l := listener.New(cfg.RedirectPort, cfg.RedirectPath)
	if err := l.Start(); err != nil {
		return nil, err
	}
	// Stop is idempotent; this covers the exit paths that never reach
	// Wait.
	defer l.Stop()

	sess, err := newSession(provider, l.RedirectURI(), cfg.PKCEEnabled())
	if err != nil {
		return nil, err
	}

	authURL := buildAuthorizationURL(cfg, sess)

	log := logger.Get().With().Str("provider", provider).Str("session", sess.id).Logger()
	log.Info().Str("redirect_uri", sess.redirectURI).Msg("Starting interactive authorization")

	fmt.Fprintf(f.out, "Open this URL in your browser to authorize %s:\n\n  %s\n\n", provider, authURL)
	if err := f.openBrowser(authURL); err != nil {
		log.Warn().Err(err).Msg("Could not launch browser, use the printed URL")
	}

	result, err := l.Wait(ctx, cfg.Timeout())
	if err != nil {
		return nil, err
	}

	if result.State != sess.state {
		log.Warn().Msg("Callback state does not match session state")
		return nil, &autherr.ProtocolError{Code: "state_mismatch", Description: "callback state does not match the authorization request"}
	}
	if result.IsError() {
		return nil, &autherr.ProtocolError{Code: result.Error, Description: result.ErrorDescription}
	}
	if result.Code == "" {
		return nil, &autherr.ProtocolError{Code: "missing_code", Description: "provider returned no authorization code"}
	}

	rec, err := f.exchangeCode(ctx, cfg, sess, result.Code)
	if err != nil {
		return nil, err
	}

	if err := f.store.Save(*rec); err != nil {
		return nil, fmt.Errorf("failed to persist credential: %w", err)
	}

	log.Info().
		Time("expires_at", rec.ExpiresAt).
		Bool("has_refresh_token", rec.RefreshToken != "").
		Msg("Authorization complete")
	return rec, nil
}

// Refresh exchanges the record's refresh token for a fresh access token,
// persists the updated record, and returns it. Failures are typed so the
// caller can decide whether to fall back to a full interactive flow.
func (f *Flow) Refresh(ctx context.Context, provider string, rec store.CredentialRecord, cfg *config.FlowConfig) (*store.CredentialRecord, error) {
	if rec.RefreshToken == "" {
		return nil, &autherr.ConfigurationError{Provider: provider, Reason: "no refresh token available"}
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {rec.RefreshToken},
		"client_id":     {cfg.ClientID},
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	resp, err := f.tokenRequest(ctx, "token refresh", cfg.TokenURL, form)
	if err != nil {
		return nil, err
	}

	newRec := f.recordFromResponse(provider, resp)
	if newRec.RefreshToken == "" {
		// Providers that do not rotate refresh tokens omit the field.
		newRec.RefreshToken = rec.RefreshToken
	}
	if newRec.Scope == "" {
		newRec.Scope = rec.Scope
	}

	if err := f.store.Save(*newRec); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	logger.Get().Info().
		Str("provider", provider).
		Time("expires_at", newRec.ExpiresAt).
		Msg("Refreshed OAuth token")
	return newRec, nil
}

// newSession generates the per-flow state nonce and, when PKCE is on, the
// code verifier.
func newSession(provider, redirectURI string, pkce bool) (*session, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	sess := &session{
		id:          uuid.NewString(),
		provider:    provider,
		state:       hex.EncodeToString(stateBytes),
		redirectURI: redirectURI,
	}
	if pkce {
		sess.verifier = oauth2.GenerateVerifier()
	}
	return sess, nil
}

// buildAuthorizationURL renders the provider's authorization URL with the
// session's state and PKCE challenge.
func buildAuthorizationURL(cfg *config.FlowConfig, sess *session) string {
	oc := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
		RedirectURL: sess.redirectURI,
		Scopes:      cfg.Scopes,
	}

	var opts []oauth2.AuthCodeOption
	if sess.verifier != "" {
		// S256ChallengeOption derives the challenge from the verifier
		// itself.
		opts = append(opts, oauth2.S256ChallengeOption(sess.verifier))
	}
	return oc.AuthCodeURL(sess.state, opts...)
}

// exchangeCode trades the authorization code (plus PKCE verifier) for
// tokens.
func (f *Flow) exchangeCode(ctx context.Context, cfg *config.FlowConfig, sess *session, code string) (*store.CredentialRecord, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {cfg.ClientID},
		"redirect_uri": {sess.redirectURI},
	}
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}
	if sess.verifier != "" {
		form.Set("code_verifier", sess.verifier)
	}

	resp, err := f.tokenRequest(ctx, "token exchange", cfg.TokenURL, form)
	if err != nil {
		return nil, err
	}
	return f.recordFromResponse(sess.provider, resp), nil
}

// tokenResponse is the JSON body returned by a token endpoint for both
// grant types.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// tokenRequest POSTs a form-encoded grant to the token endpoint. Transport
// failures and non-2xx statuses come back as NetworkError, unparsable
// bodies as ProtocolError.
func (f *Flow) tokenRequest(ctx context.Context, op, tokenURL string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &autherr.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &autherr.NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &autherr.NetworkError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", truncate(string(body), 200)),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &autherr.ProtocolError{Code: "malformed_token_response", Description: err.Error()}
	}
	if tr.AccessToken == "" {
		return nil, &autherr.ProtocolError{Code: "missing_access_token", Description: "token endpoint returned no access_token"}
	}
	return &tr, nil
}

// recordFromResponse builds a credential record, re-attaching the provider
// id and converting the relative lifetime into an absolute expiry.
func (f *Flow) recordFromResponse(provider string, resp *tokenResponse) *store.CredentialRecord {
	rec := &store.CredentialRecord{
		Provider:     provider,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		Scope:        resp.Scope,
	}
	if rec.TokenType == "" {
		rec.TokenType = "Bearer"
	}
	if resp.ExpiresIn > 0 {
		rec.ExpiresAt = f.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return rec
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
