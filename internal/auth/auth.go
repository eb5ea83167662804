// Package auth resolves the acting user. The CLI uses a Session holding
// the configured user; the HTTP API derives the user per request.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
)

// ErrUnauthenticated is returned when no user is signed in.
var ErrUnauthenticated = errors.New("user not authenticated")

// HeaderUser carries the user id on API requests.
const HeaderUser = "X-Readaloud-User"

// Provider resolves the current actor.
type Provider interface {
	Actor(ctx context.Context) (string, error)
}

// Session is a process-wide signed-in user with change notifications.
type Session struct {
	mu        sync.RWMutex
	user      string
	listeners []chan string
}

// NewSession returns a session signed in as user, or signed out when user
// is empty.
func NewSession(user string) *Session {
	return &Session{user: strings.TrimSpace(user)}
}

// Actor returns the signed-in user. A user attached to ctx by the HTTP
// middleware takes precedence.
func (s *Session) Actor(ctx context.Context) (string, error) {
	if u, ok := FromContext(ctx); ok {
		return u, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == "" {
		return "", ErrUnauthenticated
	}
	return s.user, nil
}

// SignIn switches the session to user.
func (s *Session) SignIn(user string) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return ErrUnauthenticated
	}
	s.set(user)
	return nil
}

// SignOut clears the session.
func (s *Session) SignOut() {
	s.set("")
}

// Changes returns a channel receiving the user id (empty on sign out)
// after every change. Slow listeners miss intermediate values.
func (s *Session) Changes() <-chan string {
	ch := make(chan string, 1)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

func (s *Session) set(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.user == user {
		return
	}
	s.user = user
	for _, ch := range s.listeners {
		select {
		case ch <- user:
		default:
		}
	}
}

type ctxKey struct{}

// WithUser attaches user to ctx.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, ctxKey{}, user)
}

// FromContext returns the user attached by WithUser.
func FromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(ctxKey{}).(string)
	return u, ok && u != ""
}

// Middleware resolves the user of each request from the X-Readaloud-User
// header or a bearer token listed in tokens (token -> user). Requests
// without a user are rejected with 401 unless fallback is set, in which
// case the fallback user is used.
func Middleware(tokens map[string]string, fallback string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get(HeaderUser))
			if user == "" {
				if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					user = tokens[strings.TrimSpace(token)]
				}
			}
			if user == "" {
				user = fallback
			}
			if user == "" {
				http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
