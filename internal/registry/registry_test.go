package registry

import (
	"errors"
	"sync"
	"testing"
)

func TestRegisterClientIDsUniqueAndNeverReused(t *testing.T) {
	r := New(Config{})

	seen := make(map[ClientID]bool)
	for i := 0; i < 100; i++ {
		id := r.RegisterClient(i)
		if seen[id] {
			t.Fatalf("client id %q issued twice", id)
		}
		seen[id] = true
	}

	// Unregister everything and register again: none of the new ids may
	// collide with an old one.
	for id := range seen {
		r.UnregisterClient(id)
	}
	for i := 0; i < 100; i++ {
		id := r.RegisterClient(i)
		if seen[id] {
			t.Fatalf("client id %q reused after unregister", id)
		}
	}
}

func TestRegisterClientConcurrent(t *testing.T) {
	r := New(Config{})

	const n = 64
	ids := make([]ClientID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.RegisterClient(i)
		}(i)
	}
	wg.Wait()

	seen := make(map[ClientID]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate client id %q under concurrent registration", id)
		}
		seen[id] = true
	}
	if got := r.ClientCount(); got != n {
		t.Fatalf("ClientCount = %d, want %d", got, n)
	}
}

func TestNewSessionOwnershipChecks(t *testing.T) {
	r := New(Config{})

	if _, err := r.NewSession("c999", SessionConfig{}); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("NewSession with unregistered owner: err = %v, want ErrUnknownClient", err)
	}

	owner := r.RegisterClient("conn")
	sess, err := r.NewSession(owner, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if sess.ID() == "" {
		t.Fatal("session id is empty")
	}

	// Unowned sessions need single-client mode.
	if _, err := r.NewSession(LegacyClient, SessionConfig{}); !errors.Is(err, ErrOwnershipRequired) {
		t.Fatalf("unowned NewSession outside single-client mode: err = %v, want ErrOwnershipRequired", err)
	}
}

func TestUnownedSessionGatedOnSingleClientMode(t *testing.T) {
	r := New(Config{SingleClient: true})

	sess, err := r.NewSession(LegacyClient, SessionConfig{})
	if err != nil {
		t.Fatalf("unowned NewSession in single-client mode: %v", err)
	}

	// The unowned session is reachable by the stdio caller only.
	if _, err := r.ResolveForRequest(sess.ID(), LegacyClient); err != nil {
		t.Fatalf("legacy resolve of unowned session: %v", err)
	}
	other := r.RegisterClient("ws-conn")
	if _, err := r.ResolveForRequest(sess.ID(), other); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("registered client resolving unowned session: err = %v, want ErrAccessDenied", err)
	}

	// With a registered client present, new unowned sessions are refused
	// even in single-client mode.
	if _, err := r.NewSession(LegacyClient, SessionConfig{}); !errors.Is(err, ErrOwnershipRequired) {
		t.Fatalf("unowned NewSession with a client registered: err = %v, want ErrOwnershipRequired", err)
	}
}

func TestResolveForRequestOwnerMismatch(t *testing.T) {
	r := New(Config{})

	alice := r.RegisterClient("alice-conn")
	bob := r.RegisterClient("bob-conn")

	sess, err := r.NewSession(alice, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if _, err := r.ResolveForRequest(sess.ID(), alice); err != nil {
		t.Fatalf("owner resolve: %v", err)
	}
	if _, err := r.ResolveForRequest(sess.ID(), bob); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("non-owner resolve: err = %v, want ErrAccessDenied", err)
	}
	// No silent fallback for the stdio caller either: the session is owned.
	if _, err := r.ResolveForRequest(sess.ID(), LegacyClient); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("legacy resolve of owned session: err = %v, want ErrAccessDenied", err)
	}
	if _, err := r.ResolveForRequest("sess_missing", alice); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("resolve of unknown session: err = %v, want ErrUnknownSession", err)
	}
}

func TestUnregisterClientRemovesOwnedSessions(t *testing.T) {
	r := New(Config{})

	alice := r.RegisterClient("alice-conn")
	bob := r.RegisterClient("bob-conn")

	s1, _ := r.NewSession(alice, SessionConfig{})
	s2, _ := r.NewSession(alice, SessionConfig{})
	s3, _ := r.NewSession(bob, SessionConfig{})

	removed := r.UnregisterClient(alice)
	if len(removed) != 2 {
		t.Fatalf("removed %d sessions, want 2: %v", len(removed), removed)
	}
	got := map[string]bool{}
	for _, id := range removed {
		got[id] = true
	}
	if !got[s1.ID()] || !got[s2.ID()] {
		t.Fatalf("removed ids %v do not cover %q and %q", removed, s1.ID(), s2.ID())
	}

	// Both maps forget the sessions.
	if _, err := r.ResolveForRequest(s1.ID(), alice); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("resolve after unregister: err = %v, want ErrUnknownSession", err)
	}
	if r.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1", r.SessionCount())
	}
	if _, err := r.ResolveForRequest(s3.ID(), bob); err != nil {
		t.Fatalf("unrelated session must survive: %v", err)
	}

	// Second unregister is a no-op.
	if removed := r.UnregisterClient(alice); removed != nil {
		t.Fatalf("second unregister removed %v, want nil", removed)
	}
}

func TestReleaseSession(t *testing.T) {
	r := New(Config{})

	alice := r.RegisterClient("alice-conn")
	bob := r.RegisterClient("bob-conn")
	sess, _ := r.NewSession(alice, SessionConfig{})

	if err := r.ReleaseSession(sess.ID(), bob); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("non-owner release: err = %v, want ErrAccessDenied", err)
	}
	if err := r.ReleaseSession(sess.ID(), alice); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if err := r.ReleaseSession(sess.ID(), alice); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("second release: err = %v, want ErrUnknownSession", err)
	}
}

func TestEnsureLegacySessionConvergesConcurrently(t *testing.T) {
	r := New(Config{SingleClient: true})

	const n = 32
	results := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := r.EnsureLegacySession("sess_implied", LegacyClient, SessionConfig{})
			if err != nil {
				t.Errorf("EnsureLegacySession: %v", err)
				return
			}
			results[i] = sess
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("concurrent callers got distinct sessions")
		}
	}
	if r.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1", r.SessionCount())
	}
}

func TestEnsureLegacySessionRefusedOutsideSingleClientMode(t *testing.T) {
	r := New(Config{})
	if _, err := r.EnsureLegacySession("sess_x", LegacyClient, SessionConfig{}); !errors.Is(err, ErrOwnershipRequired) {
		t.Fatalf("err = %v, want ErrOwnershipRequired", err)
	}
}

func TestSessionData(t *testing.T) {
	r := New(Config{})
	owner := r.RegisterClient("conn")
	sess, _ := r.NewSession(owner, SessionConfig{Cwd: "/work", ToolConfig: map[string]string{"shell": "bash"}})

	if sess.Cwd() != "/work" {
		t.Fatalf("Cwd = %q, want /work", sess.Cwd())
	}
	if v, ok := sess.ToolConfig("shell"); !ok || v != "bash" {
		t.Fatalf("ToolConfig(shell) = %q, %v", v, ok)
	}

	if err := sess.PutData("k", []byte("v")); err != nil {
		t.Fatalf("PutData: %v", err)
	}
	if v, ok := sess.GetData("k"); !ok || string(v) != "v" {
		t.Fatalf("GetData = %q, %v", v, ok)
	}
	sess.DeleteData("k")
	if _, ok := sess.GetData("k"); ok {
		t.Fatal("GetData after delete: value still present")
	}

	big := make([]byte, 65*1024)
	if err := sess.PutData("big", big); !errors.Is(err, ErrDataTooLarge) {
		t.Fatalf("oversized PutData: err = %v, want ErrDataTooLarge", err)
	}
}
