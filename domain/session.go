package domain

// Identity names the signed-in user.
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// SessionState is the authentication state of a Session.
type SessionState int

const (
	Anonymous SessionState = iota
	Authenticated
)

func (s SessionState) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Session holds the credentials of the current user. The zero value is the
// anonymous session. Identity is set iff Token is non-empty.
type Session struct {
	Token    string    `json:"-"`
	Identity *Identity `json:"identity,omitempty"`
}

// NewSession returns an authenticated session, or the anonymous session when
// either value is empty.
func NewSession(token, name string) Session {
	if token == "" || name == "" {
		return Session{}
	}
	return Session{Token: token, Identity: &Identity{Name: name}}
}

// Authenticated reports whether a token is present.
func (s Session) Authenticated() bool {
	return s.Token != ""
}

// State returns Authenticated or Anonymous.
func (s Session) State() SessionState {
	if s.Authenticated() {
		return Authenticated
	}
	return Anonymous
}

// Username returns the identity name, or "" for the anonymous session.
func (s Session) Username() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.Name
}
