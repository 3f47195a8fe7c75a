package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"nl2audio/internal/apperr"
	"nl2audio/internal/config"
	"nl2audio/internal/models"
)

var (
	// ErrNoCredentials means neither an OAuth token nor a password is set up.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrCredentialsRejected means the provider refused what was configured.
	ErrCredentialsRejected = errors.New("credentials rejected")
	// ErrRefreshUnavailable means the token endpoint could not be reached.
	// The stored token is kept and a later attempt may succeed.
	ErrRefreshUnavailable = errors.New("token refresh unavailable")

	errRefreshRejected = errors.New("token refresh rejected")
	errTokenExpired    = errors.New("access token expired and no refresh token is stored")
)

const (
	stageConnect = "mail connect"
	stageRead    = "mail read"

	hintReconnect = "run `nl2audio connect-gmail` or set GMAIL_APP_PASSWORD"
	hintLabels    = "run `nl2audio gmail-test` to list the available labels"
	hintRetry     = "check the network connection and retry; run `nl2audio connect-gmail` if it keeps failing"
)

// State is the credential state of a Connector.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	AuthenticatedOAuth
	AuthenticatedPassword
	Degraded
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case AuthenticatedOAuth:
		return "authenticated (oauth)"
	case AuthenticatedPassword:
		return "authenticated (app password)"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Authenticated reports whether mailbox reads are allowed.
func (s State) Authenticated() bool {
	return s == AuthenticatedOAuth || s == AuthenticatedPassword
}

// Settings selects the account and how to reach it.
type Settings struct {
	Account          string
	Strategy         string
	Password         string
	IMAPAddr         string
	ClientDescriptor string
}

// SettingsFrom maps the mail section of the configuration.
func SettingsFrom(m config.Mail) Settings {
	return Settings{
		Account:          m.Account,
		Strategy:         m.Strategy,
		Password:         m.Password,
		IMAPAddr:         m.IMAPAddr,
		ClientDescriptor: m.ClientDescriptor,
	}
}

// OAuthDialer opens a mailbox authorized by ts.
type OAuthDialer func(ctx context.Context, ts oauth2.TokenSource) (Mailbox, error)

// PasswordDialer opens a mailbox with an app password.
type PasswordDialer func(ctx context.Context, addr, account, password string) (Mailbox, error)

// Connector owns the credential state and the open mailbox. It never
// authenticates implicitly: reads before Connect fail with NotConnected.
type Connector struct {
	settings     Settings
	vault        Vault
	logger       *slog.Logger
	dialOAuth    OAuthDialer
	dialPassword PasswordDialer
	loadConfig   func(path string) (*oauth2.Config, error)

	mu       sync.Mutex
	state    State
	active   Mailbox
	warnings []string
}

// ConnectorOption customizes a Connector.
type ConnectorOption func(*Connector)

// WithOAuthDialer replaces the Gmail API dialer.
func WithOAuthDialer(d OAuthDialer) ConnectorOption {
	return func(c *Connector) { c.dialOAuth = d }
}

// WithPasswordDialer replaces the IMAP dialer.
func WithPasswordDialer(d PasswordDialer) ConnectorOption {
	return func(c *Connector) { c.dialPassword = d }
}

// WithOAuthConfigLoader replaces how the client descriptor is read.
func WithOAuthConfigLoader(f func(path string) (*oauth2.Config, error)) ConnectorOption {
	return func(c *Connector) { c.loadConfig = f }
}

// NewConnector returns a Connector in the Unauthenticated state.
func NewConnector(settings Settings, vault Vault, logger *slog.Logger, opts ...ConnectorOption) *Connector {
	c := &Connector{
		settings: settings,
		vault:    vault,
		logger:   logger,
		dialOAuth: func(ctx context.Context, ts oauth2.TokenSource) (Mailbox, error) {
			return DialGmail(ctx, ts, logger)
		},
		dialPassword: func(ctx context.Context, addr, account, password string) (Mailbox, error) {
			return DialIMAP(ctx, addr, account, password, logger)
		},
		loadConfig: LoadOAuthConfig,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current credential state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Account returns the mailbox account.
func (c *Connector) Account() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Account
}

// Warnings lists the fallbacks taken since the last Connect.
func (c *Connector) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.warnings...)
}

// Connect authenticates with the configured strategy, falling back to the
// app password when OAuth is unusable and a password is configured.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeActive()
	c.warnings = nil
	c.state = Authenticating

	if c.settings.Strategy == config.StrategyOAuth {
		mb, err := c.connectOAuth(ctx)
		if err == nil {
			c.active = mb
			c.state = AuthenticatedOAuth
			return nil
		}
		if c.settings.Password == "" {
			return c.oauthFailure(err)
		}
		c.warn(fmt.Sprintf("OAuth unavailable (%v); using the app password", err))
	}

	mb, err := c.connectPassword(ctx)
	if err != nil {
		c.state = Degraded
		return apperr.New(apperr.AuthenticationFailed, stageConnect, err, hintReconnect)
	}
	c.active = mb
	c.state = AuthenticatedPassword
	return nil
}

// oauthFailure sets the state after OAuth failed with no password to fall
// back on. Any failed refresh leaves the connector Unauthenticated.
func (c *Connector) oauthFailure(err error) error {
	switch {
	case errors.Is(err, errRefreshRejected):
		c.state = Unauthenticated
		return apperr.New(apperr.AuthenticationFailed, stageConnect, fmt.Errorf("%w: %v", ErrCredentialsRejected, err), hintReconnect)
	case errors.Is(err, errTokenExpired):
		c.state = Unauthenticated
		return apperr.New(apperr.AuthenticationFailed, stageConnect, fmt.Errorf("%w: %v", ErrNoCredentials, err), hintReconnect)
	case errors.Is(err, ErrRefreshUnavailable):
		c.state = Unauthenticated
		return apperr.New(apperr.AuthenticationFailed, stageConnect, err, hintRetry)
	case errors.Is(err, ErrNoToken), errors.Is(err, ErrClientDescriptorMissing):
		c.state = Degraded
		return apperr.New(apperr.AuthenticationFailed, stageConnect, fmt.Errorf("%w: %w", ErrNoCredentials, err), hintReconnect)
	default:
		c.state = Degraded
		return apperr.New(apperr.AuthenticationFailed, stageConnect, err, hintReconnect)
	}
}

func (c *Connector) connectOAuth(ctx context.Context) (Mailbox, error) {
	if c.settings.Account == "" {
		return nil, ErrNoToken
	}
	cfg, err := c.loadConfig(c.settings.ClientDescriptor)
	if err != nil {
		return nil, err
	}
	key := TokenKey(c.settings.Account)
	raw, err := c.vault.Get(key)
	if errors.Is(err, ErrSecretNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	tok, err := decodeToken(raw)
	if err != nil {
		return nil, err
	}
	if !tok.Valid() && tok.RefreshToken == "" {
		return nil, errTokenExpired
	}

	ts := newPersistingTokenSource(cfg.TokenSource(context.WithoutCancel(ctx), tok), c.vault, key, tok)
	// Refresh now so a revoked grant is noticed before any read.
	if _, err := ts.Token(); err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			if derr := c.vault.Delete(key); derr != nil && !errors.Is(derr, ErrSecretNotFound) {
				c.logger.Warn("could not delete rejected token", "error", derr)
			}
			return nil, fmt.Errorf("%w: %v", errRefreshRejected, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	return c.dialOAuth(ctx, ts)
}

func (c *Connector) connectPassword(ctx context.Context) (Mailbox, error) {
	if c.settings.Password == "" || c.settings.Account == "" {
		return nil, ErrNoCredentials
	}
	mb, err := c.dialPassword(ctx, c.settings.IMAPAddr, c.settings.Account, c.settings.Password)
	if errors.Is(err, ErrLoginRejected) {
		return nil, fmt.Errorf("%w: %v", ErrCredentialsRejected, err)
	}
	if err != nil {
		return nil, err
	}
	return mb, nil
}

// InteractiveAuthenticate runs the consent flow, stores the token under the
// resolved account and leaves the connector in AuthenticatedOAuth.
func (c *Connector) InteractiveAuthenticate(ctx context.Context, p Prompter, manual bool) (string, error) {
	cfg, err := c.loadConfig(c.Settings().ClientDescriptor)
	if err != nil {
		return "", apperr.New(apperr.AuthenticationFailed, stageConnect, err,
			"download the OAuth desktop client JSON from Google Cloud Console to "+c.Settings().ClientDescriptor)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeActive()
	c.state = Authenticating

	tok, err := authorize(ctx, cfg, p, manual)
	if err != nil {
		c.state = Unauthenticated
		return "", apperr.New(apperr.AuthenticationFailed, stageConnect, err, "")
	}

	verify, err := c.dialOAuth(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		c.state = Unauthenticated
		return "", apperr.New(apperr.AuthenticationFailed, stageConnect, err, "")
	}
	account, err := verify.Account(ctx)
	_ = verify.Close()
	if err != nil {
		c.state = Unauthenticated
		return "", apperr.New(apperr.AuthenticationFailed, stageConnect, err, "")
	}

	key := TokenKey(account)
	encoded, err := encodeToken(tok)
	if err != nil {
		c.state = Unauthenticated
		return "", err
	}
	if err := c.vault.Set(key, encoded); err != nil {
		c.state = Unauthenticated
		return "", fmt.Errorf("store token: %w", err)
	}
	if c.settings.Account != "" && c.settings.Account != account {
		c.warn(fmt.Sprintf("authorized %s, configured account was %s", account, c.settings.Account))
	}
	c.settings.Account = account

	ts := newPersistingTokenSource(cfg.TokenSource(context.WithoutCancel(ctx), tok), c.vault, key, tok)
	mb, err := c.dialOAuth(ctx, ts)
	if err != nil {
		c.state = Unauthenticated
		return "", apperr.New(apperr.AuthenticationFailed, stageConnect, err, "")
	}
	c.active = mb
	c.state = AuthenticatedOAuth
	c.logger.Info("gmail authorized", "account", account)
	return account, nil
}

// Settings returns a copy of the connector settings, including an account
// resolved by InteractiveAuthenticate.
func (c *Connector) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Forget deletes the stored token so the next connect needs consent again.
func (c *Connector) Forget(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeActive()
	c.state = Unauthenticated
	if c.settings.Account == "" {
		return nil
	}
	err := c.vault.Delete(TokenKey(c.settings.Account))
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// ListLabels lists the labels of the connected account.
func (c *Connector) ListLabels(ctx context.Context) ([]string, error) {
	var labels []string
	err := c.withMailbox(ctx, func(mb Mailbox) error {
		var err error
		labels, err = mb.ListLabels(ctx)
		return err
	})
	return labels, err
}

// FetchMessages returns up to limit messages of label, newest first.
func (c *Connector) FetchMessages(ctx context.Context, label string, limit int) ([]models.MailboxMessage, error) {
	var msgs []models.MailboxMessage
	err := c.withMailbox(ctx, func(mb Mailbox) error {
		var err error
		msgs, err = mb.FetchMessages(ctx, label, limit)
		return err
	})
	return msgs, err
}

// withMailbox runs op on the open mailbox. An auth failure over OAuth is
// retried once over the app password when one is configured.
func (c *Connector) withMailbox(ctx context.Context, op func(Mailbox) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Authenticated() || c.active == nil {
		return apperr.Newf(apperr.NotConnected, stageRead, hintReconnect, "mailbox is %s", c.state)
	}

	err := op(c.active)
	if err != nil && c.state == AuthenticatedOAuth && isAuthError(err) && c.settings.Password != "" {
		c.logger.Warn("gmail rejected the token mid-operation, retrying with the app password", "error", err)
		mb, perr := c.connectPassword(ctx)
		if perr != nil {
			c.closeActive()
			c.state = Degraded
			return apperr.New(apperr.AuthenticationFailed, stageRead, errors.Join(err, perr), hintReconnect)
		}
		c.closeActive()
		c.active = mb
		c.state = AuthenticatedPassword
		c.warn(fmt.Sprintf("OAuth rejected during read (%v); switched to the app password", err))
		err = op(c.active)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLabelNotFound):
		return apperr.New(apperr.SourceUnavailable, stageRead, err, hintLabels)
	case isAuthError(err):
		c.state = Degraded
		return apperr.New(apperr.AuthenticationFailed, stageRead, fmt.Errorf("%w: %v", ErrCredentialsRejected, err), hintReconnect)
	default:
		return apperr.New(apperr.SourceUnavailable, stageRead, err, "")
	}
}

// Close releases the open mailbox.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeActive()
	c.state = Unauthenticated
	return nil
}

func (c *Connector) closeActive() {
	if c.active == nil {
		return
	}
	if err := c.active.Close(); err != nil {
		c.logger.Debug("close mailbox", "error", err)
	}
	c.active = nil
}

func (c *Connector) warn(msg string) {
	c.warnings = append(c.warnings, msg)
	c.logger.Warn(msg)
}

// persistingTokenSource writes refreshed tokens back to the vault.
type persistingTokenSource struct {
	base  oauth2.TokenSource
	vault Vault
	key   string

	mu   sync.Mutex
	last string
}

func newPersistingTokenSource(base oauth2.TokenSource, vault Vault, key string, initial *oauth2.Token) *persistingTokenSource {
	return &persistingTokenSource{base: base, vault: vault, key: key, last: initial.AccessToken}
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last {
		return tok, nil
	}
	encoded, err := encodeToken(tok)
	if err != nil {
		return nil, err
	}
	if err := s.vault.Set(s.key, encoded); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	s.last = tok.AccessToken
	return tok, nil
}
