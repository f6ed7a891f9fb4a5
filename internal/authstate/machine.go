// Package authstate maintains the client-side view of who is signed in: the
// backend session, the decoded user identity, and the application profile row,
// kept consistent through sign-in, sign-out, token refresh and restarts.
//
// The machine mirrors what the web frontend derives from its auth listener: a
// single state tuple that every consumer reads from one place. Session changes
// arrive through the backend client's ordered notification stream; profile
// loads run asynchronously and are guarded by a generation counter so a result
// that arrives after the identity changed is discarded rather than applied.
package authstate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/groupbookhq/groupbook/internal/profile"
	"github.com/groupbookhq/groupbook/pkg/backendsdk"
	"github.com/groupbookhq/groupbook/pkg/slogx"
)

// Client is the slice of the backend client the machine drives.
type Client interface {
	GetSession(ctx context.Context) (*backendsdk.Session, error)
	SignUp(ctx context.Context, params backendsdk.SignUpParams) (*backendsdk.AuthResult, error)
	SignInWithPassword(ctx context.Context, email, password string) (*backendsdk.AuthResult, error)
	SignOut(ctx context.Context) error
	OnSessionChange(fn func(event string, session *backendsdk.Session)) *backendsdk.Subscription
}

// Profiles is the slice of the profile service the machine drives.
type Profiles interface {
	FetchWithRetry(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error)
	UpdateProfile(ctx context.Context, userID string, upd profile.Update) (*profile.Profile, error)
}

// State is the machine's consistent view of the signed-in identity.
//
// Loading is true only while a profile load for the current session is in
// flight. ProfileErr is set when the load exhausted its retries; the user is
// then authenticated but degraded, and consumers should render the account as
// signed-in without profile details.
type State struct {
	Session *backendsdk.Session
	User    *backendsdk.User
	Profile *profile.Profile
	Loading bool

	ProfileErr error
}

// Anonymous reports whether nobody is signed in.
func (s State) Anonymous() bool {
	return s.Session == nil
}

// Config assembles a Machine. Client and Profiles are required.
type Config struct {
	Client   Client
	Profiles Profiles

	// FetchAttempts bounds the profile load retry loop. Default 3.
	FetchAttempts int

	// SignUpTimeout caps a signup round-trip so a stalled backend cannot
	// leave the caller hanging. Default 5s.
	SignUpTimeout time.Duration

	// SignInLimit throttles credential attempts. Default: burst of 5,
	// refilling one attempt every two seconds.
	SignInLimit *rate.Limiter
}

// Machine owns the auth state tuple and the listeners observing it.
type Machine struct {
	client   Client
	profiles Profiles

	fetchAttempts int
	signUpTimeout time.Duration
	signInLimit   *rate.Limiter

	// decodeUser is swapped out in tests to avoid minting real tokens.
	decodeUser func(s *backendsdk.Session) (*backendsdk.User, error)

	ctx    context.Context
	cancel context.CancelFunc
	sub    *backendsdk.Subscription

	notices chan string

	// deliverMu serializes subscriber fan-out so observers see state
	// transitions in the order they happened.
	deliverMu sync.Mutex

	mu        sync.Mutex
	state     State
	gen       uint64
	closed    bool
	nextSubID int
	subs      map[int]func(State)
}

// New creates a Machine. Call Start to bootstrap it.
func New(cfg Config) *Machine {
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 3
	}
	if cfg.SignUpTimeout <= 0 {
		cfg.SignUpTimeout = 5 * time.Second
	}
	if cfg.SignInLimit == nil {
		cfg.SignInLimit = rate.NewLimiter(rate.Every(2*time.Second), 5)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		client:        cfg.Client,
		profiles:      cfg.Profiles,
		fetchAttempts: cfg.FetchAttempts,
		signUpTimeout: cfg.SignUpTimeout,
		signInLimit:   cfg.SignInLimit,
		decodeUser:    backendsdk.UserFromSession,
		ctx:           ctx,
		cancel:        cancel,
		notices:       make(chan string, 8),
		subs:          make(map[int]func(State)),
	}
}

// Start subscribes to session changes and resolves the initial state. The
// subscription is registered before the session lookup so a change racing the
// bootstrap is never missed.
//
// A failed lookup resolves to anonymous rather than an error: a client that
// cannot reach the backend still renders, just signed out.
func (m *Machine) Start(ctx context.Context) {
	log := slogx.FromContext(ctx)

	m.sub = m.client.OnSessionChange(func(event string, session *backendsdk.Session) {
		m.applySession(session)
	})

	session, err := m.client.GetSession(ctx)
	if err != nil {
		log.Warn("session lookup failed, starting anonymous", slog.Any("error", err))
		m.notice("Could not restore your session. Please sign in again.")
		m.applySession(nil)
		return
	}
	m.applySession(session)
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for state changes and returns its unsubscribe
// function. Delivery is ordered; fn must not block for long.
func (m *Machine) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Notices delivers user-facing warnings that are not state transitions, such
// as a sign-out that cleared local state but never reached the server.
func (m *Machine) Notices() <-chan string {
	return m.notices
}

// Close detaches the machine from the client and cancels in-flight profile
// loads.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	m.cancel()
}

// applySession reconciles the state tuple with a reported session. It is the
// single entry point for both the bootstrap lookup and listener events, so
// the two cannot apply conflicting transitions.
func (m *Machine) applySession(session *backendsdk.Session) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if session == nil {
		// Sign-out wins immediately. Bumping the generation orphans any
		// in-flight profile load so its result cannot resurrect the
		// signed-in tuple.
		m.gen++
		m.state = State{}
		m.publishLocked()
		return
	}

	cur := m.state.Session
	if cur != nil && cur.AccessToken == session.AccessToken {
		m.mu.Unlock()
		return
	}

	user, err := m.decodeUser(session)
	if err != nil {
		m.gen++
		m.state = State{}
		m.publishLocked()
		m.notice("Your session could not be read. Please sign in again.")
		return
	}

	if m.state.User != nil && m.state.User.ID == user.ID && m.state.Profile != nil {
		// Same identity, fresh tokens. The profile stays.
		cp := *session
		m.state.Session = &cp
		m.publishLocked()
		return
	}

	m.gen++
	gen := m.gen
	cp := *session
	m.state = State{Session: &cp, User: user, Loading: true}
	m.publishLocked()

	go m.loadProfile(gen, user)
}

// loadProfile fetches the profile for user and applies the result only if the
// machine is still on the same generation.
func (m *Machine) loadProfile(gen uint64, user *backendsdk.User) {
	p, err := m.profiles.FetchWithRetry(m.ctx, user, m.fetchAttempts)

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.state.Loading = false
	if err != nil {
		m.state.Profile = nil
		m.state.ProfileErr = err
	} else {
		m.state.Profile = p
		m.state.ProfileErr = nil
	}
	m.publishLocked()
}

// publishLocked snapshots the state and subscribers, releases the state lock,
// and fans out under deliverMu. Callers must hold mu; it is released on
// return. Subscribers may safely call Snapshot or unsubscribe from inside the
// callback.
func (m *Machine) publishLocked() {
	st := m.state
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.mu.Unlock()

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// notice pushes a user-facing warning, dropping it if nobody is draining the
// channel.
func (m *Machine) notice(msg string) {
	select {
	case m.notices <- msg:
	default:
	}
}
