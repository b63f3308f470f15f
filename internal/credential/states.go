package credential

// State is the interface that all token lifecycle states implement
type State interface {
	Name() string
}

// StateRecorder tracks state transitions for testing
type StateRecorder struct {
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	return r.path
}

// NoTokenState - nothing usable held; only a full login leaves it
type NoTokenState struct{}

func (s *NoTokenState) Name() string { return "no_token" }
func (s *NoTokenState) ToAuthenticated() *AuthenticatedState {
	return &AuthenticatedState{}
}

// AuthenticatedState - access token valid beyond the safety buffer
type AuthenticatedState struct{}

func (s *AuthenticatedState) Name() string { return "authenticated" }
func (s *AuthenticatedState) ToNearExpiry() *NearExpiryState {
	return &NearExpiryState{}
}

// NearExpiryState - access token inside the safety buffer or expired
type NearExpiryState struct{}

func (s *NearExpiryState) Name() string { return "near_expiry" }
func (s *NearExpiryState) ToRefreshed() *RefreshedState {
	return &RefreshedState{}
}
func (s *NearExpiryState) ToRefreshFailed() *RefreshFailedState {
	return &RefreshFailedState{}
}
func (s *NearExpiryState) ToReauthenticating() *ReauthenticatingState {
	return &ReauthenticatingState{}
}

// RefreshedState - refresh grant succeeded
type RefreshedState struct{}

func (s *RefreshedState) Name() string { return "refreshed" }
func (s *RefreshedState) ToAuthenticated() *AuthenticatedState {
	return &AuthenticatedState{}
}

// RefreshFailedState - refresh grant rejected or unreachable
type RefreshFailedState struct{}

func (s *RefreshFailedState) Name() string { return "refresh_failed" }
func (s *RefreshFailedState) ToReauthenticating() *ReauthenticatingState {
	return &ReauthenticatingState{}
}

// ReauthenticatingState - full password-grant login in progress
type ReauthenticatingState struct{}

func (s *ReauthenticatingState) Name() string { return "reauthenticating" }
func (s *ReauthenticatingState) ToAuthenticated() *AuthenticatedState {
	return &AuthenticatedState{}
}
func (s *ReauthenticatingState) ToNoToken() *NoTokenState {
	return &NoTokenState{}
}
