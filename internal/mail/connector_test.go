package mail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"nl2audio/internal/apperr"
	"nl2audio/internal/config"
	"nl2audio/internal/models"
)

const testAccount = "reader@example.com"

type fakeMailbox struct {
	account string
	labels  []string
	msgs    []models.MailboxMessage
	err     error
	closed  bool
}

func (f *fakeMailbox) Account(ctx context.Context) (string, error) { return f.account, nil }

func (f *fakeMailbox) ListLabels(ctx context.Context) ([]string, error) {
	return f.labels, f.err
}

func (f *fakeMailbox) FetchMessages(ctx context.Context, label string, limit int) ([]models.MailboxMessage, error) {
	return f.msgs, f.err
}

func (f *fakeMailbox) Close() error {
	f.closed = true
	return nil
}

// tokenServer answers refresh and exchange requests. With reject set it
// answers like a revoked grant.
func tokenServer(t *testing.T, reject bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if reject {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"token_type":    "Bearer",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthLoader(tokenURL string) func(string) (*oauth2.Config, error) {
	return func(string) (*oauth2.Config, error) {
		return &oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{AuthURL: tokenURL + "/auth", TokenURL: tokenURL + "/token"},
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
		}, nil
	}
}

func storeToken(t *testing.T, v Vault, tok *oauth2.Token) {
	t.Helper()
	encoded, err := encodeToken(tok)
	require.NoError(t, err)
	require.NoError(t, v.Set(TokenKey(testAccount), encoded))
}

type harness struct {
	vault         *MemoryVault
	oauthBox      *fakeMailbox
	passwordBox   *fakeMailbox
	passwordErr   error
	oauthDials    int
	passwordDials int
}

func newConnector(t *testing.T, h *harness, settings Settings, tokenURL string) *Connector {
	t.Helper()
	if h.vault == nil {
		h.vault = NewMemoryVault()
	}
	if h.oauthBox == nil {
		h.oauthBox = &fakeMailbox{account: testAccount, labels: []string{"Newsletters"}}
	}
	if h.passwordBox == nil {
		h.passwordBox = &fakeMailbox{account: testAccount, labels: []string{"INBOX"}}
	}
	return NewConnector(settings, h.vault, discardLogger(),
		WithOAuthConfigLoader(oauthLoader(tokenURL)),
		WithOAuthDialer(func(ctx context.Context, ts oauth2.TokenSource) (Mailbox, error) {
			h.oauthDials++
			return h.oauthBox, nil
		}),
		WithPasswordDialer(func(ctx context.Context, addr, acct, password string) (Mailbox, error) {
			h.passwordDials++
			if h.passwordErr != nil {
				return nil, h.passwordErr
			}
			return h.passwordBox, nil
		}),
	)
}

func oauthSettings(password string) Settings {
	return Settings{
		Account:          testAccount,
		Strategy:         config.StrategyOAuth,
		Password:         password,
		IMAPAddr:         "imap.gmail.com:993",
		ClientDescriptor: "/nonexistent/client.json",
	}
}

func TestReadsBeforeConnectAreNotConnected(t *testing.T) {
	h := &harness{}
	c := newConnector(t, h, oauthSettings(""), "http://unused")

	_, err := c.ListLabels(t.Context())
	assert.ErrorIs(t, err, apperr.ErrNotConnected)
	_, err = c.FetchMessages(t.Context(), "Newsletters", 5)
	assert.ErrorIs(t, err, apperr.ErrNotConnected)
	assert.Equal(t, Unauthenticated, c.State())
	assert.Zero(t, h.oauthDials+h.passwordDials)
}

func TestConnectWithValidToken(t *testing.T) {
	h := &harness{vault: NewMemoryVault()}
	storeToken(t, h.vault, &oauth2.Token{AccessToken: "still-good", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})
	c := newConnector(t, h, oauthSettings(""), "http://unused")

	require.NoError(t, c.Connect(t.Context()))
	assert.Equal(t, AuthenticatedOAuth, c.State())
	assert.Empty(t, c.Warnings())

	labels, err := c.ListLabels(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"Newsletters"}, labels)
}

func TestConnectRefreshesExpiredTokenAndPersistsIt(t *testing.T) {
	srv := tokenServer(t, false)
	h := &harness{vault: NewMemoryVault()}
	storeToken(t, h.vault, &oauth2.Token{AccessToken: "stale", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Hour)})
	c := newConnector(t, h, oauthSettings(""), srv.URL)

	require.NoError(t, c.Connect(t.Context()))
	assert.Equal(t, AuthenticatedOAuth, c.State())

	raw, err := h.vault.Get(TokenKey(testAccount))
	require.NoError(t, err)
	tok, err := decodeToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.AccessToken)
}

func TestConnectRefreshRejectedDeletesToken(t *testing.T) {
	srv := tokenServer(t, true)
	h := &harness{vault: NewMemoryVault()}
	storeToken(t, h.vault, &oauth2.Token{AccessToken: "stale", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Hour)})
	c := newConnector(t, h, oauthSettings(""), srv.URL)

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAuthenticationFailed)
	assert.ErrorIs(t, err, ErrCredentialsRejected)
	assert.Equal(t, Unauthenticated, c.State())

	_, err = h.vault.Get(TokenKey(testAccount))
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestConnectRefreshUnreachableIsUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	tokenURL := srv.URL
	srv.Close()

	h := &harness{vault: NewMemoryVault()}
	storeToken(t, h.vault, &oauth2.Token{AccessToken: "stale", RefreshToken: "refresh-1", Expiry: time.Now().Add(-time.Hour)})
	c := newConnector(t, h, oauthSettings(""), tokenURL)

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAuthenticationFailed)
	assert.ErrorIs(t, err, ErrRefreshUnavailable)
	assert.NotErrorIs(t, err, ErrCredentialsRejected)
	assert.Contains(t, apperr.HintOf(err), "retry")
	assert.Equal(t, Unauthenticated, c.State())
	assert.Zero(t, h.oauthDials)

	// A transport failure keeps the stored token for the next attempt.
	_, err = h.vault.Get(TokenKey(testAccount))
	assert.NoError(t, err)
}

func TestConnectExpiredTokenWithoutRefreshToken(t *testing.T) {
	srv := tokenServer(t, false)
	h := &harness{vault: NewMemoryVault()}
	storeToken(t, h.vault, &oauth2.Token{AccessToken: "stale", Expiry: time.Now().Add(-time.Hour)})
	c := newConnector(t, h, oauthSettings(""), srv.URL)

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, Unauthenticated, c.State())
	assert.Zero(t, h.oauthDials)
}

func TestConnectFallsBackToPassword(t *testing.T) {
	h := &harness{}
	c := newConnector(t, h, oauthSettings("app-password"), "http://unused")

	require.NoError(t, c.Connect(t.Context()))
	assert.Equal(t, AuthenticatedPassword, c.State())
	require.Len(t, c.Warnings(), 1)
	assert.Contains(t, c.Warnings()[0], "app password")
	assert.Equal(t, 1, h.passwordDials)
}

func TestConnectRefreshRejectedFallsBackToPassword(t *testing.T) {
	srv := tokenServer(t, true)
	h := &harness{vault: NewMemoryVault()}
	storeToken(t, h.vault, &oauth2.Token{AccessToken: "stale", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Hour)})
	c := newConnector(t, h, oauthSettings("app-password"), srv.URL)

	require.NoError(t, c.Connect(t.Context()))
	assert.Equal(t, AuthenticatedPassword, c.State())
	assert.NotEmpty(t, c.Warnings())
}

func TestConnectWithoutAnyCredentialsIsDegraded(t *testing.T) {
	h := &harness{}
	c := newConnector(t, h, oauthSettings(""), "http://unused")

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrAuthenticationFailed)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, Degraded, c.State())
	assert.Contains(t, apperr.HintOf(err), "connect-gmail")
}

func TestConnectPasswordRejectedIsDegraded(t *testing.T) {
	h := &harness{passwordErr: ErrLoginRejected}
	settings := oauthSettings("wrong")
	settings.Strategy = config.StrategyPassword
	c := newConnector(t, h, settings, "http://unused")

	err := c.Connect(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialsRejected)
	assert.Equal(t, Degraded, c.State())
	assert.Zero(t, h.oauthDials)
}

func TestAuthErrorMidOperationRetriesOverPassword(t *testing.T) {
	h := &harness{vault: NewMemoryVault()}
	storeToken(t, h.vault, &oauth2.Token{AccessToken: "good", Expiry: time.Now().Add(time.Hour)})
	h.oauthBox = &fakeMailbox{err: &googleapi.Error{Code: http.StatusUnauthorized}}
	h.passwordBox = &fakeMailbox{msgs: []models.MailboxMessage{{ID: "7", Subject: "Digest"}}}
	c := newConnector(t, h, oauthSettings("app-password"), "http://unused")
	require.NoError(t, c.Connect(t.Context()))

	msgs, err := c.FetchMessages(t.Context(), "Newsletters", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "7", msgs[0].ID)
	assert.Equal(t, AuthenticatedPassword, c.State())
	assert.True(t, h.oauthBox.closed)
	assert.NotEmpty(t, c.Warnings())
}

func TestAuthErrorMidOperationWithoutPassword(t *testing.T) {
	h := &harness{vault: NewMemoryVault()}
	storeToken(t, h.vault, &oauth2.Token{AccessToken: "good", Expiry: time.Now().Add(time.Hour)})
	h.oauthBox = &fakeMailbox{err: &googleapi.Error{Code: http.StatusForbidden}}
	c := newConnector(t, h, oauthSettings(""), "http://unused")
	require.NoError(t, c.Connect(t.Context()))

	_, err := c.FetchMessages(t.Context(), "Newsletters", 10)
	assert.ErrorIs(t, err, apperr.ErrAuthenticationFailed)
	assert.Equal(t, Degraded, c.State())
	assert.Zero(t, h.passwordDials)
}

func TestMissingLabelIsSourceUnavailable(t *testing.T) {
	h := &harness{passwordBox: &fakeMailbox{err: ErrLabelNotFound}}
	settings := oauthSettings("pw")
	settings.Strategy = config.StrategyPassword
	c := newConnector(t, h, settings, "http://unused")
	require.NoError(t, c.Connect(t.Context()))

	_, err := c.FetchMessages(t.Context(), "Nope", 1)
	assert.ErrorIs(t, err, apperr.ErrSourceUnavailable)
	assert.Contains(t, apperr.HintOf(err), "gmail-test")
}

type scriptedPrompter struct {
	answer string
	said   []string
}

func (p *scriptedPrompter) Println(msg string) { p.said = append(p.said, msg) }

func (p *scriptedPrompter) ReadLine(prompt string) (string, error) { return p.answer, nil }

func TestInteractiveAuthenticateManualFlow(t *testing.T) {
	srv := tokenServer(t, false)
	h := &harness{}
	settings := oauthSettings("")
	settings.Account = ""
	c := newConnector(t, h, settings, srv.URL)
	p := &scriptedPrompter{answer: "4/pasted-code"}

	got, err := c.InteractiveAuthenticate(t.Context(), p, true)
	require.NoError(t, err)
	assert.Equal(t, testAccount, got)
	assert.Equal(t, AuthenticatedOAuth, c.State())
	assert.Equal(t, testAccount, c.Account())
	require.NotEmpty(t, p.said)
	assert.Contains(t, p.said[0], "gmail.readonly")

	raw, err := h.vault.Get(TokenKey(testAccount))
	require.NoError(t, err)
	tok, err := decodeToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.AccessToken)

	require.NoError(t, c.Forget(t.Context()))
	assert.Equal(t, Unauthenticated, c.State())
	_, err = h.vault.Get(TokenKey(testAccount))
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestInteractiveAuthenticateNeedsClientDescriptor(t *testing.T) {
	settings := oauthSettings("")
	settings.ClientDescriptor = filepath.Join(t.TempDir(), "client.json")
	c := NewConnector(settings, NewMemoryVault(), discardLogger())

	_, err := c.InteractiveAuthenticate(t.Context(), &scriptedPrompter{}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientDescriptorMissing)
	assert.NotErrorIs(t, err, ErrNoToken)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "degraded", Degraded.String())
	assert.True(t, AuthenticatedPassword.Authenticated())
	assert.False(t, Authenticating.Authenticated())
}
