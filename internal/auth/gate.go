package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"devicetracker-server/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"golang.org/x/oauth2"
)

var (
	// ErrStateMismatch is returned when the callback state does not match the
	// one issued at sign-in.
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrProviderDenied is returned when the provider reports an error, for
	// example when the user cancels the consent screen.
	ErrProviderDenied = errors.New("identity provider denied sign-in")
	ErrMissingCode    = errors.New("authorization code missing")
	ErrNoSession      = errors.New("no browser session")
)

const (
	cookieName = "devicetracker_session"
	keySID     = "sid"
	keyState   = "oauth_state"
)

// User is the signed-in identity of a browser session.
type User struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string

	SessionSecret []byte
	SecureCookie  bool
}

type credential struct {
	user     User
	token    *oauth2.Token
	lastSeen time.Time
}

// Gate tracks which browser sessions are signed in. Sessions are identified by
// a random id kept in a signed cookie; users and their tokens stay in memory.
type Gate struct {
	oauth       *oauth2.Config
	userInfoURL string
	store       sessions.Store
	logger      *slog.Logger

	mu        sync.Mutex
	users     map[string]credential
	listeners map[string]map[uint64]func(*User)
	nextID    uint64
	now       func() time.Time
}

func NewGate(opts Options, logger *slog.Logger) *Gate {
	store := sessions.NewCookieStore(opts.SessionSecret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   opts.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}

	return &Gate{
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       opts.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  opts.AuthURL,
				TokenURL: opts.TokenURL,
			},
		},
		userInfoURL: opts.UserInfoURL,
		store:       store,
		logger:      logger,
		users:       make(map[string]credential),
		listeners:   make(map[string]map[uint64]func(*User)),
		now:         time.Now,
	}
}

type ctxKey struct{}

// SessionID returns the browser session id stored by Sessions.
func SessionID(ctx context.Context) string {
	sid, _ := ctx.Value(ctxKey{}).(string)
	return sid
}

// WithSessionID is used by tests of handlers that sit behind Sessions.
func WithSessionID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, ctxKey{}, sid)
}

// Sessions makes sure every request carries a browser session id, issuing a
// new cookie when the request has none or an unreadable one.
func (g *Gate) Sessions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := g.store.Get(r, cookieName)
		if err != nil {
			g.logger.Debug("discarding unreadable session cookie", "error", err)
		}
		sid, _ := sess.Values[keySID].(string)
		if sid == "" {
			sid = uuid.NewString()
			sess.Values[keySID] = sid
			if err := sess.Save(r, w); err != nil {
				g.logger.Error("save session cookie", "error", err)
				utils.WriteError(w, http.StatusInternalServerError, "failed to start session")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), sid)))
	})
}

// session loads the cookie session and pins the id chosen by Sessions so that
// a later save never drops it.
func (g *Gate) session(r *http.Request) *sessions.Session {
	sess, err := g.store.Get(r, cookieName)
	if err != nil {
		g.logger.Debug("discarding unreadable session cookie", "error", err)
	}
	if sid := SessionID(r.Context()); sid != "" {
		sess.Values[keySID] = sid
	}
	return sess
}

// SignIn starts the provider-hosted flow by redirecting to the consent page.
func (g *Gate) SignIn(w http.ResponseWriter, r *http.Request) {
	sess := g.session(r)
	state := uuid.NewString()
	sess.Values[keyState] = state
	if err := sess.Save(r, w); err != nil {
		g.logger.Error("save oauth state", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to start sign-in")
		return
	}
	http.Redirect(w, r, g.oauth.AuthCodeURL(state), http.StatusFound)
}

// Callback completes the flow. On any error the session stays signed out.
func (g *Gate) Callback(ctx context.Context, w http.ResponseWriter, r *http.Request) (User, error) {
	sid := SessionID(r.Context())
	if sid == "" {
		return User{}, ErrNoSession
	}

	sess := g.session(r)
	want, _ := sess.Values[keyState].(string)
	delete(sess.Values, keyState)
	if err := sess.Save(r, w); err != nil {
		g.logger.Warn("clear oauth state", "error", err)
	}

	q := r.URL.Query()
	if perr := q.Get("error"); perr != "" {
		if desc := q.Get("error_description"); desc != "" {
			return User{}, fmt.Errorf("%w: %s (%s)", ErrProviderDenied, perr, desc)
		}
		return User{}, fmt.Errorf("%w: %s", ErrProviderDenied, perr)
	}
	if want == "" || q.Get("state") != want {
		return User{}, ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return User{}, ErrMissingCode
	}

	token, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return User{}, fmt.Errorf("exchange code: %w", err)
	}
	user, err := g.fetchUser(ctx, token)
	if err != nil {
		return User{}, err
	}

	g.mu.Lock()
	g.users[sid] = credential{user: user, token: token, lastSeen: g.now()}
	g.mu.Unlock()
	g.logger.Info("user signed in", "session_id", sid, "subject", user.Subject)
	g.notify(sid)
	return user, nil
}

func (g *Gate) fetchUser(ctx context.Context, token *oauth2.Token) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return User{}, fmt.Errorf("build userinfo request: %w", err)
	}
	resp, err := g.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return User{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return User{}, fmt.Errorf("fetch userinfo: http status %d", resp.StatusCode)
	}

	var u User
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&u); err != nil {
		return User{}, fmt.Errorf("decode userinfo: %w", err)
	}
	if u.Subject == "" {
		return User{}, errors.New("userinfo has no subject")
	}
	return u, nil
}

// SignOut forgets the user of the request's session.
func (g *Gate) SignOut(r *http.Request) {
	sid := SessionID(r.Context())
	if sid == "" {
		return
	}
	g.mu.Lock()
	_, had := g.users[sid]
	delete(g.users, sid)
	g.mu.Unlock()
	if had {
		g.logger.Info("user signed out", "session_id", sid)
		g.notify(sid)
	}
}

// CurrentUser returns the request's user and marks the session as seen.
func (g *Gate) CurrentUser(r *http.Request) (User, bool) {
	sid := SessionID(r.Context())
	g.Touch(sid)
	return g.UserOf(sid)
}

func (g *Gate) UserOf(sid string) (User, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.users[sid]
	return c.user, ok
}

// Touch keeps a signed-in session from being evicted as idle.
func (g *Gate) Touch(sid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.users[sid]; ok {
		c.lastSeen = g.now()
		g.users[sid] = c
	}
}

// EvictIdle signs out every session last seen before cutoff. Listeners of the
// evicted sessions are told they are signed out.
func (g *Gate) EvictIdle(cutoff time.Time) int {
	g.mu.Lock()
	var evicted []string
	for sid, c := range g.users {
		if c.lastSeen.Before(cutoff) {
			delete(g.users, sid)
			evicted = append(evicted, sid)
		}
	}
	g.mu.Unlock()

	for _, sid := range evicted {
		g.logger.Info("idle user signed out", "session_id", sid)
		g.notify(sid)
	}
	return len(evicted)
}

// OnAuthChange calls listener with the session's current user (nil when signed
// out) right away and again after every sign-in or sign-out. The returned
// function unsubscribes; calling it more than once is harmless.
func (g *Gate) OnAuthChange(sid string, listener func(*User)) func() {
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	if g.listeners[sid] == nil {
		g.listeners[sid] = make(map[uint64]func(*User))
	}
	g.listeners[sid][id] = listener
	cur := g.currentLocked(sid)
	g.mu.Unlock()

	listener(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			delete(g.listeners[sid], id)
			if len(g.listeners[sid]) == 0 {
				delete(g.listeners, sid)
			}
		})
	}
}

func (g *Gate) currentLocked(sid string) *User {
	c, ok := g.users[sid]
	if !ok {
		return nil
	}
	u := c.user
	return &u
}

func (g *Gate) notify(sid string) {
	g.mu.Lock()
	cur := g.currentLocked(sid)
	fns := make([]func(*User), 0, len(g.listeners[sid]))
	for _, fn := range g.listeners[sid] {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn(cur)
	}
}

// Middleware rejects requests from signed-out sessions: API calls get a 401
// JSON error, pages are redirected to the landing page.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.CurrentUser(r); !ok {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				utils.WriteError(w, http.StatusUnauthorized, "sign in required")
				return
			}
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}
