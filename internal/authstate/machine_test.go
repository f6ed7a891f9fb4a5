package authstate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/groupbookhq/groupbook/internal/profile"
	"github.com/groupbookhq/groupbook/pkg/backendsdk"
	"github.com/groupbookhq/groupbook/pkg/phone"
)

const testUserID = "7d3f9a10-5a8b-4c7d-9e2f-001122334455"

// fakeAuth is a scriptable Client. emit drives the session listener the way
// the real client's notifier would.
type fakeAuth struct {
	mu       sync.Mutex
	listener func(event string, session *backendsdk.Session)

	getSession func(ctx context.Context) (*backendsdk.Session, error)
	signUp     func(ctx context.Context, params backendsdk.SignUpParams) (*backendsdk.AuthResult, error)
	signIn     func(ctx context.Context, email, password string) (*backendsdk.AuthResult, error)
	signOut    func(ctx context.Context) error
}

func (f *fakeAuth) OnSessionChange(fn func(event string, session *backendsdk.Session)) *backendsdk.Subscription {
	f.mu.Lock()
	f.listener = fn
	f.mu.Unlock()
	return &backendsdk.Subscription{}
}

func (f *fakeAuth) emit(event string, session *backendsdk.Session) {
	f.mu.Lock()
	fn := f.listener
	f.mu.Unlock()
	if fn != nil {
		fn(event, session)
	}
}

func (f *fakeAuth) GetSession(ctx context.Context) (*backendsdk.Session, error) {
	if f.getSession == nil {
		return nil, nil
	}
	return f.getSession(ctx)
}

func (f *fakeAuth) SignUp(ctx context.Context, params backendsdk.SignUpParams) (*backendsdk.AuthResult, error) {
	return f.signUp(ctx, params)
}

func (f *fakeAuth) SignInWithPassword(ctx context.Context, email, password string) (*backendsdk.AuthResult, error) {
	return f.signIn(ctx, email, password)
}

func (f *fakeAuth) SignOut(ctx context.Context) error {
	// The real client clears local state and notifies before the network
	// round-trip; mirror that ordering.
	f.emit(backendsdk.EventSignedOut, nil)
	if f.signOut == nil {
		return nil
	}
	return f.signOut(ctx)
}

type fakeProfiles struct {
	fetch  func(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error)
	update func(ctx context.Context, userID string, upd profile.Update) (*profile.Profile, error)
}

func (f *fakeProfiles) FetchWithRetry(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error) {
	return f.fetch(ctx, user, attempts)
}

func (f *fakeProfiles) UpdateProfile(ctx context.Context, userID string, upd profile.Update) (*profile.Profile, error) {
	return f.update(ctx, userID, upd)
}

func sess(token string) *backendsdk.Session {
	return &backendsdk.Session{
		AccessToken: token,
		TokenType:   "bearer",
		UserID:      testUserID,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func newTestMachine(t *testing.T, auth *fakeAuth, profiles *fakeProfiles) *Machine {
	t.Helper()

	m := New(Config{Client: auth, Profiles: profiles})
	m.decodeUser = func(s *backendsdk.Session) (*backendsdk.User, error) {
		return &backendsdk.User{ID: s.UserID, Email: "ada@example.com"}, nil
	}
	t.Cleanup(m.Close)
	return m
}

func TestStartAnonymous(t *testing.T) {
	t.Parallel()

	m := newTestMachine(t, &fakeAuth{}, &fakeProfiles{})
	m.Start(context.Background())

	st := m.Snapshot()
	require.True(t, st.Anonymous())
	require.False(t, st.Loading)
	require.Nil(t, st.User)
}

func TestStartRestoresSessionAndLoadsProfile(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{
		getSession: func(ctx context.Context) (*backendsdk.Session, error) {
			return sess("tok-1"), nil
		},
	}
	profiles := &fakeProfiles{
		fetch: func(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error) {
			time.Sleep(20 * time.Millisecond) // slow but successful
			return &profile.Profile{ID: user.ID, FirstName: "Ada"}, nil
		},
	}

	m := newTestMachine(t, auth, profiles)
	m.Start(context.Background())

	st := m.Snapshot()
	require.NotNil(t, st.Session)
	require.True(t, st.Loading)

	require.Eventually(t, func() bool {
		st := m.Snapshot()
		return !st.Loading && st.Profile != nil
	}, time.Second, 5*time.Millisecond)

	st = m.Snapshot()
	require.Equal(t, "Ada", st.Profile.FirstName)
	require.NoError(t, st.ProfileErr)
}

func TestStartFailsOpenWhenSessionLookupFails(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{
		getSession: func(ctx context.Context) (*backendsdk.Session, error) {
			return nil, &backendsdk.Error{Code: backendsdk.CodeConnectivity, Message: "connection refused"}
		},
	}

	m := newTestMachine(t, auth, &fakeProfiles{})
	m.Start(context.Background())

	require.True(t, m.Snapshot().Anonymous())
	select {
	case <-m.Notices():
	default:
		t.Fatal("expected a notice about the failed session restore")
	}
}

func TestSignOutWinsOverInFlightProfileLoad(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	auth := &fakeAuth{
		getSession: func(ctx context.Context) (*backendsdk.Session, error) {
			return sess("tok-1"), nil
		},
	}
	profiles := &fakeProfiles{
		fetch: func(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error) {
			<-release
			return &profile.Profile{ID: user.ID, FirstName: "Late"}, nil
		},
	}

	m := newTestMachine(t, auth, profiles)
	m.Start(context.Background())
	require.True(t, m.Snapshot().Loading)

	// Sign out while the load is still in flight, then let it settle.
	auth.emit(backendsdk.EventSignedOut, nil)
	require.True(t, m.Snapshot().Anonymous())

	close(release)
	time.Sleep(30 * time.Millisecond)

	st := m.Snapshot()
	require.True(t, st.Anonymous())
	require.Nil(t, st.Profile, "late profile result must not resurrect the signed-in state")
	require.False(t, st.Loading)
}

func TestProfileLoadExhaustionDegradesWithoutSigningOut(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{
		getSession: func(ctx context.Context) (*backendsdk.Session, error) {
			return sess("tok-1"), nil
		},
	}
	profiles := &fakeProfiles{
		fetch: func(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error) {
			return nil, &backendsdk.Error{Code: backendsdk.CodeConnectivity, Message: "connection refused"}
		},
	}

	m := newTestMachine(t, auth, profiles)
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return !m.Snapshot().Loading
	}, time.Second, 5*time.Millisecond)

	st := m.Snapshot()
	require.False(t, st.Anonymous(), "a profile outage must not sign the user out")
	require.NotNil(t, st.User)
	require.Nil(t, st.Profile)
	require.Error(t, st.ProfileErr)
}

func TestTokenRefreshKeepsProfile(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	auth := &fakeAuth{
		getSession: func(ctx context.Context) (*backendsdk.Session, error) {
			return sess("tok-1"), nil
		},
	}
	profiles := &fakeProfiles{
		fetch: func(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error) {
			fetches.Add(1)
			return &profile.Profile{ID: user.ID, FirstName: "Ada"}, nil
		},
	}

	m := newTestMachine(t, auth, profiles)
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		return m.Snapshot().Profile != nil
	}, time.Second, 5*time.Millisecond)

	// Same identity, new tokens: profile survives, no second fetch.
	auth.emit(backendsdk.EventTokenRefreshed, sess("tok-2"))

	st := m.Snapshot()
	require.Equal(t, "tok-2", st.Session.AccessToken)
	require.Equal(t, "Ada", st.Profile.FirstName)
	require.EqualValues(t, 1, fetches.Load())

	// A duplicate of the current session is a no-op.
	auth.emit(backendsdk.EventTokenRefreshed, sess("tok-2"))
	require.EqualValues(t, 1, fetches.Load())
}

func TestSignInFlowAndRateLimit(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{
		signIn: func(ctx context.Context, email, password string) (*backendsdk.AuthResult, error) {
			s := sess("tok-1")
			res := &backendsdk.AuthResult{User: &backendsdk.User{ID: testUserID, Email: email}, Session: s}
			return res, nil
		},
	}
	profiles := &fakeProfiles{
		fetch: func(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error) {
			return &profile.Profile{ID: user.ID}, nil
		},
	}

	m := newTestMachine(t, auth, profiles)
	m.signInLimit = rate.NewLimiter(rate.Every(time.Hour), 1)
	m.Start(context.Background())

	require.NoError(t, m.SignIn(context.Background(), "ada@example.com", "pw"))
	require.ErrorIs(t, m.SignIn(context.Background(), "ada@example.com", "pw"), ErrRateLimited)
}

func TestSignUp(t *testing.T) {
	t.Parallel()

	t.Run("carries the name and phone as signup metadata", func(t *testing.T) {
		var got backendsdk.SignUpParams
		auth := &fakeAuth{
			signUp: func(ctx context.Context, params backendsdk.SignUpParams) (*backendsdk.AuthResult, error) {
				got = params
				return &backendsdk.AuthResult{User: &backendsdk.User{ID: testUserID}}, nil
			},
		}

		m := newTestMachine(t, auth, &fakeProfiles{})
		res, err := m.SignUp(context.Background(), SignUpParams{
			Email:     "ada@example.com",
			Password:  "pw",
			FirstName: "Ada",
			LastName:  "Lovelace",
			Phone:     "+14155551234",
		})
		require.NoError(t, err)

		require.Equal(t, "Ada", got.Metadata["first_name"])
		require.Equal(t, "Lovelace", got.Metadata["last_name"])
		require.Equal(t, "+14155551234", got.Metadata["phone"])
		require.True(t, res.VerificationEmailSent)
	})

	t.Run("splits a lone display name like the backfill does", func(t *testing.T) {
		var got backendsdk.SignUpParams
		auth := &fakeAuth{
			signUp: func(ctx context.Context, params backendsdk.SignUpParams) (*backendsdk.AuthResult, error) {
				got = params
				return &backendsdk.AuthResult{User: &backendsdk.User{ID: testUserID}}, nil
			},
		}

		m := newTestMachine(t, auth, &fakeProfiles{})
		_, err := m.SignUp(context.Background(), SignUpParams{
			Email:    "mary@example.com",
			Password: "pw",
			FullName: "Mary Jane Smith",
		})
		require.NoError(t, err)

		require.Equal(t, "Mary", got.Metadata["first_name"])
		require.Equal(t, "Jane Smith", got.Metadata["last_name"])
		require.NotContains(t, got.Metadata, "phone")
	})

	t.Run("rejects a malformed phone before the network call", func(t *testing.T) {
		m := newTestMachine(t, &fakeAuth{}, &fakeProfiles{})
		_, err := m.SignUp(context.Background(), SignUpParams{
			Email:    "ada@example.com",
			Password: "pw",
			FullName: "Ada",
			Phone:    "415-555-1234",
		})
		require.ErrorIs(t, err, phone.ErrInvalid)
	})

	t.Run("immediate session means no verification step", func(t *testing.T) {
		auth := &fakeAuth{
			signUp: func(ctx context.Context, params backendsdk.SignUpParams) (*backendsdk.AuthResult, error) {
				return &backendsdk.AuthResult{
					User:    &backendsdk.User{ID: testUserID},
					Session: sess("tok-1"),
				}, nil
			},
		}

		m := newTestMachine(t, auth, &fakeProfiles{})
		res, err := m.SignUp(context.Background(), SignUpParams{
			Email: "ada@example.com", Password: "pw", FullName: "Ada Lovelace",
		})
		require.NoError(t, err)
		require.False(t, res.VerificationEmailSent)
	})

	t.Run("missing profiles table surfaces the provisioning problem", func(t *testing.T) {
		auth := &fakeAuth{
			signUp: func(ctx context.Context, params backendsdk.SignUpParams) (*backendsdk.AuthResult, error) {
				return nil, &backendsdk.Error{Code: backendsdk.CodeUndefinedTable, Message: `relation "profiles" does not exist`}
			},
		}

		m := newTestMachine(t, auth, &fakeProfiles{})
		_, err := m.SignUp(context.Background(), SignUpParams{
			Email: "ada@example.com", Password: "pw", FullName: "Ada",
		})
		require.ErrorIs(t, err, ErrNotProvisioned)
		require.True(t, backendsdk.IsCode(err, backendsdk.CodeUndefinedTable))
	})
}

func TestSignOutServerFailureBecomesNotice(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{
		getSession: func(ctx context.Context) (*backendsdk.Session, error) {
			return sess("tok-1"), nil
		},
		signOut: func(ctx context.Context) error {
			return &backendsdk.Error{Code: backendsdk.CodeConnectivity, Message: "connection refused"}
		},
	}
	profiles := &fakeProfiles{
		fetch: func(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error) {
			return &profile.Profile{ID: user.ID}, nil
		},
	}

	m := newTestMachine(t, auth, profiles)
	m.Start(context.Background())

	m.SignOut(context.Background())

	require.True(t, m.Snapshot().Anonymous())
	select {
	case <-m.Notices():
	case <-time.After(time.Second):
		t.Fatal("expected a notice about the failed server-side sign-out")
	}
}

func TestUpdateProfile(t *testing.T) {
	t.Parallel()

	strptr := func(s string) *string { return &s }

	t.Run("requires a signed-in user", func(t *testing.T) {
		m := newTestMachine(t, &fakeAuth{}, &fakeProfiles{})
		m.Start(context.Background())

		_, err := m.UpdateProfile(context.Background(), profile.Update{FirstName: strptr("X")})
		require.ErrorIs(t, err, ErrNotSignedIn)
	})

	t.Run("applies the refreshed row", func(t *testing.T) {
		auth := &fakeAuth{
			getSession: func(ctx context.Context) (*backendsdk.Session, error) {
				return sess("tok-1"), nil
			},
		}
		profiles := &fakeProfiles{
			fetch: func(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error) {
				return &profile.Profile{ID: user.ID, FirstName: "Ada"}, nil
			},
			update: func(ctx context.Context, userID string, upd profile.Update) (*profile.Profile, error) {
				return &profile.Profile{ID: userID, FirstName: *upd.FirstName}, nil
			},
		}

		m := newTestMachine(t, auth, profiles)
		m.Start(context.Background())
		require.Eventually(t, func() bool {
			return m.Snapshot().Profile != nil
		}, time.Second, 5*time.Millisecond)

		p, err := m.UpdateProfile(context.Background(), profile.Update{FirstName: strptr("Grace")})
		require.NoError(t, err)
		require.Equal(t, "Grace", p.FirstName)
		require.Equal(t, "Grace", m.Snapshot().Profile.FirstName)
	})

	t.Run("result for a stale identity is not applied", func(t *testing.T) {
		auth := &fakeAuth{
			getSession: func(ctx context.Context) (*backendsdk.Session, error) {
				return sess("tok-1"), nil
			},
		}
		profiles := &fakeProfiles{
			fetch: func(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error) {
				return &profile.Profile{ID: user.ID, FirstName: "Ada"}, nil
			},
		}
		m := newTestMachine(t, auth, profiles)

		profiles.update = func(ctx context.Context, userID string, upd profile.Update) (*profile.Profile, error) {
			// The user signs out while the write is in flight.
			auth.emit(backendsdk.EventSignedOut, nil)
			return &profile.Profile{ID: userID, FirstName: *upd.FirstName}, nil
		}

		m.Start(context.Background())
		require.Eventually(t, func() bool {
			return m.Snapshot().Profile != nil
		}, time.Second, 5*time.Millisecond)

		p, err := m.UpdateProfile(context.Background(), profile.Update{FirstName: strptr("Grace")})
		require.NoError(t, err)
		require.NotNil(t, p)
		require.True(t, m.Snapshot().Anonymous())
	})
}

func TestSubscribeObservesTransitionsInOrder(t *testing.T) {
	t.Parallel()

	auth := &fakeAuth{
		getSession: func(ctx context.Context) (*backendsdk.Session, error) {
			return sess("tok-1"), nil
		},
	}
	profiles := &fakeProfiles{
		fetch: func(ctx context.Context, user *backendsdk.User, attempts int) (*profile.Profile, error) {
			return &profile.Profile{ID: user.ID}, nil
		},
	}

	m := newTestMachine(t, auth, profiles)

	var mu sync.Mutex
	var seen []State
	unsubscribe := m.Subscribe(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})
	defer unsubscribe()

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, seen[0].Loading, "first transition announces the pending profile")
	require.False(t, seen[len(seen)-1].Loading)
	require.NotNil(t, seen[len(seen)-1].Profile)
}
