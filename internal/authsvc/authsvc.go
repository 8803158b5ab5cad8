// Package authsvc implements the hub's bearer-token + cookie auth model:
// a single shared token mints a session cookie on first use, and the
// cookie is preferred on subsequent requests.
package authsvc

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

const (
	cookieName = "clawrelay_session"
	// IdleCap is how long a session may go unused before the sweeper
	// evicts it.
	IdleCap = 24 * time.Hour
	// SweepInterval is how often the idle sweep runs.
	SweepInterval = time.Hour
)

// Session is one Auth Session record.
type Session struct {
	Token    string
	Created  time.Time
	LastSeen time.Time
}

// Service owns the auth-session table and validates both the shared
// bearer token and minted cookies against it.
type Service struct {
	authToken string
	secure    bool

	mu         sync.Mutex
	sessions   map[string]*Session
	handoffKey *ecdsa.PublicKey
}

// New creates a Service for the given shared bearer token. secure governs
// the cookie's Secure attribute — false only for local HTTP testing.
func New(authToken string, secure bool) *Service {
	return &Service{
		authToken: authToken,
		secure:    secure,
		sessions:  make(map[string]*Session),
	}
}

// generateToken returns a cryptographically random 256-bit hex token.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Authenticate authorizes a request by (in order) an unexpired
// auth-session cookie, the configured bearer token in a query parameter,
// or — when a handoff key is installed — a hub-minted handoff JWT in the
// "handoff" query parameter. On a successful token or handoff hit, it
// mints and stores a new session and sets the cookie on w. Returns
// ok=false if every check fails.
func (s *Service) Authenticate(w http.ResponseWriter, r *http.Request, tokenParam string) (ok bool) {
	if c, err := r.Cookie(cookieName); err == nil {
		if s.touchSession(c.Value) {
			return true
		}
	}

	presented := r.URL.Query().Get(tokenParam)
	if presented == "" || !constantTimeEqual(presented, s.authToken) {
		if !s.handoffValid(r.URL.Query().Get("handoff")) {
			return false
		}
	}

	token, err := generateToken()
	if err != nil {
		return false
	}
	now := time.Now()
	s.mu.Lock()
	s.sessions[token] = &Session{Token: token, Created: now, LastSeen: now}
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
		MaxAge:   int(IdleCap.Seconds()),
	})
	return true
}

func (s *Service) handoffValid(token string) bool {
	s.mu.Lock()
	key := s.handoffKey
	s.mu.Unlock()
	if key == nil || token == "" {
		return false
	}
	_, err := ValidateHandoff(key, token)
	return err == nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Service) touchSession(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return false
	}
	if time.Since(sess.LastSeen) > IdleCap {
		delete(s.sessions, token)
		return false
	}
	sess.LastSeen = time.Now()
	return true
}

// Sweep evicts sessions idle for longer than IdleCap. Intended to run
// every SweepInterval.
func (s *Service) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for token, sess := range s.sessions {
		if now.Sub(sess.LastSeen) > IdleCap {
			delete(s.sessions, token)
		}
	}
}

// Run starts the periodic sweep loop; it blocks until stop is closed.
func (s *Service) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// AgentTokenValid checks an agent's presented token against the expected
// federation token using a constant-time comparison. An empty expected
// token disables the agent endpoint entirely.
func AgentTokenValid(presented, expected string) bool {
	return expected != "" && constantTimeEqual(presented, expected)
}
