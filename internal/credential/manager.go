package credential

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/livinlefevreloca/worldsync/internal/clock"
)

// Default lifecycle parameters
const (
	DefaultAccessBuffer  = 60 * time.Second
	DefaultRefreshBuffer = 60 * time.Second
	DefaultAccessTTL     = 24 * time.Hour
	DefaultRefreshTTL    = 14 * 24 * time.Hour
)

// Config describes the token endpoint and the stored account credentials
type Config struct {
	TokenURL string
	ClientID string
	Scopes   []string
	Username string
	Password string

	// AccessBuffer is subtracted from the access expiry before use
	AccessBuffer time.Duration
	// RefreshBuffer is subtracted from the refresh expiry before a refresh
	RefreshBuffer time.Duration
	// AccessTTL applies when the server omits expires_in
	AccessTTL time.Duration
	// RefreshTTL applies when the server omits a refresh expiry
	RefreshTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.AccessBuffer <= 0 {
		c.AccessBuffer = DefaultAccessBuffer
	}
	if c.RefreshBuffer <= 0 {
		c.RefreshBuffer = DefaultRefreshBuffer
	}
	if c.AccessTTL <= 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
	return c
}

// Manager hands out bearer tokens, refreshing or re-authenticating as needed
type Manager struct {
	config Config
	oauth  *oauth2.Config
	client *http.Client
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	token *Token
	state State

	// Optional state recorder for testing
	recorder *StateRecorder
}

// NewManager creates a manager seeded with a previously persisted token.
// A nil or expired stored token starts the manager in no_token.
func NewManager(config Config, stored *Token, client *http.Client, clk clock.Clock, logger *slog.Logger) *Manager {
	config = config.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}

	m := &Manager{
		config: config,
		oauth: &oauth2.Config{
			ClientID: config.ClientID,
			Scopes:   config.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: client,
		clock:  clk,
		logger: logger,
		state:  &NoTokenState{},
	}

	if stored.Present(clk.Now()) {
		tok := *stored
		m.token = &tok
		m.state = &AuthenticatedState{}
	}

	return m
}

// AccessToken returns a bearer token valid for at least the access buffer
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch st := m.state.(type) {
	case *NoTokenState:
		return m.login(ctx, st)
	case *AuthenticatedState:
		return m.checkExpiry(ctx, st)
	default:
		return "", fmt.Errorf("token manager in unexpected state %q", m.state.Name())
	}
}

// Token returns the currently held token pair for persistence
func (m *Manager) Token() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == nil {
		return Token{}, false
	}
	return *m.token, true
}

// Invalidate marks the access token as expired after the resource server
// rejected it. The next AccessToken call refreshes or logs in again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil {
		m.token.AccessExpiresAt = time.Time{}
	}
}

// StateName returns the current state name
func (m *Manager) StateName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Name()
}

func (m *Manager) checkExpiry(ctx context.Context, st *AuthenticatedState) (string, error) {
	now := m.clock.Now()
	if m.token.AccessValid(now, m.config.AccessBuffer) {
		return m.token.AccessToken, nil
	}

	near := st.ToNearExpiry()
	m.transitionTo(near)

	if !m.token.CanRefresh(now, m.config.RefreshBuffer) {
		return m.reauthenticate(ctx, near.ToReauthenticating())
	}

	tok, err := m.refreshGrant(ctx)
	if err != nil {
		m.logger.Warn("token refresh failed, falling back to login", "error", err)
		failed := near.ToRefreshFailed()
		m.transitionTo(failed)
		return m.reauthenticate(ctx, failed.ToReauthenticating())
	}

	refreshed := near.ToRefreshed()
	m.transitionTo(refreshed)
	m.token = tok
	m.transitionTo(refreshed.ToAuthenticated())

	return tok.AccessToken, nil
}

func (m *Manager) login(ctx context.Context, st *NoTokenState) (string, error) {
	tok, err := m.passwordGrant(ctx)
	if err != nil {
		return "", err
	}

	m.token = tok
	m.transitionTo(st.ToAuthenticated())
	return tok.AccessToken, nil
}

func (m *Manager) reauthenticate(ctx context.Context, st *ReauthenticatingState) (string, error) {
	m.transitionTo(st)

	tok, err := m.passwordGrant(ctx)
	if err != nil {
		m.token = nil
		m.transitionTo(st.ToNoToken())
		return "", err
	}

	m.token = tok
	m.transitionTo(st.ToAuthenticated())
	return tok.AccessToken, nil
}

func (m *Manager) passwordGrant(ctx context.Context) (*Token, error) {
	if m.config.Username == "" || m.config.Password == "" {
		return nil, &AuthError{Op: "login", Err: ErrCredentialsMissing}
	}

	issuedAt := m.clock.Now()
	t, err := m.oauth.PasswordCredentialsToken(m.exchangeContext(ctx), m.config.Username, m.config.Password)
	if err != nil {
		return nil, &AuthError{Op: "login", Err: err}
	}

	m.logger.Info("logged in with password grant", "token_url", m.config.TokenURL)
	return m.fromOAuth(t, issuedAt, ""), nil
}

func (m *Manager) refreshGrant(ctx context.Context) (*Token, error) {
	issuedAt := m.clock.Now()
	previous := m.token.RefreshToken

	// An empty access token forces the source to run the refresh exchange
	src := m.oauth.TokenSource(m.exchangeContext(ctx), &oauth2.Token{RefreshToken: previous})
	t, err := src.Token()
	if err != nil {
		return nil, &AuthError{Op: "refresh", Err: err}
	}

	m.logger.Debug("refreshed access token")
	return m.fromOAuth(t, issuedAt, previous), nil
}

func (m *Manager) exchangeContext(ctx context.Context) context.Context {
	if m.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

// fromOAuth computes expiries against the injected clock rather than the
// library's wall-clock Expiry.
func (m *Manager) fromOAuth(t *oauth2.Token, issuedAt time.Time, previousRefresh string) *Token {
	accessTTL := m.config.AccessTTL
	if secs, ok := extraSeconds(t, "expires_in"); ok {
		accessTTL = secs
	}

	refreshTTL := m.config.RefreshTTL
	for _, key := range []string{"refresh_token_expires_in", "refresh_expires_in"} {
		if secs, ok := extraSeconds(t, key); ok {
			refreshTTL = secs
			break
		}
	}

	refresh := t.RefreshToken
	refreshExpiresAt := issuedAt.Add(refreshTTL)
	if refresh == "" {
		refresh = previousRefresh
	}
	if refresh == previousRefresh && previousRefresh != "" && m.token != nil {
		// The server kept the old refresh token, so its expiry is unchanged
		refreshExpiresAt = m.token.RefreshExpiresAt
	}

	tok := Token{
		AccessToken:      t.AccessToken,
		RefreshToken:     refresh,
		AccessExpiresAt:  issuedAt.Add(accessTTL),
		RefreshExpiresAt: refreshExpiresAt,
	}.clamp()

	return &tok
}

func extraSeconds(t *oauth2.Token, key string) (time.Duration, bool) {
	switch v := t.Extra(key).(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second, true
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second, true
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}

// transitionTo performs a state transition and logs it
func (m *Manager) transitionTo(newState State) {
	oldStateName := m.state.Name()
	m.state = newState

	if m.recorder != nil {
		m.recorder.Record(newState)
	}

	m.logger.Debug("token state transition",
		"from", oldStateName,
		"to", newState.Name())
}
