package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/device"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notesync"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/remote"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, time.September, 1, 12, 0, 0, 0, time.UTC)

type migrationCall struct {
	guestID string
	ownerID string
}

type stubMigrator struct {
	mu    sync.Mutex
	calls []migrationCall
	err   error
}

func (m *stubMigrator) MigrateGuestOwnership(_ context.Context, guestID, newOwnerID notes.UserID) (notesync.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, migrationCall{guestID: guestID.String(), ownerID: newOwnerID.String()})
	if m.err != nil {
		return notesync.Report{}, m.err
	}
	return notesync.Report{Outcomes: []notesync.Outcome{{NoteID: "n1", Status: notes.SyncStatusCompleted}}}, nil
}

func (m *stubMigrator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fixture struct {
	resolver *Resolver
	device   *device.BadgerStore
	remote   *remote.MemoryStore
	migrator *stubMigrator
}

func TestGetOrCreateGuestIdentityIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.resolver.GetOrCreateGuestIdentity(ctx)
	if err != nil {
		t.Fatalf("guest: %v", err)
	}
	if !first.IsGuest || first.ID != "guest-1" {
		t.Fatalf("unexpected guest: %+v", first)
	}
	if first.Email != "guest_guest-1@local" || first.DisplayName != "Guest User" {
		t.Fatalf("unexpected guest profile: %+v", first)
	}

	second, err := f.resolver.GetOrCreateGuestIdentity(ctx)
	if err != nil {
		t.Fatalf("guest again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected stable guest id, got %s then %s", first.ID, second.ID)
	}
	stored, err := f.device.Get(ctx, GuestIDKey)
	if err != nil || stored != "guest-1" {
		t.Fatalf("expected guest id persisted, got %q (%v)", stored, err)
	}
}

func TestIsInGuestMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if inGuestMode(t, f) {
		t.Fatalf("expected no guest mode without a guest id")
	}
	if _, err := f.resolver.GetOrCreateGuestIdentity(ctx); err != nil {
		t.Fatalf("guest: %v", err)
	}
	if !inGuestMode(t, f) {
		t.Fatalf("expected guest mode with a guest id")
	}

	f.migrator.err = errors.New("cannot list")
	if _, err := f.resolver.SignIn(ctx, credentialProvider("uid-1")); err == nil {
		t.Fatalf("expected sign-in to fail when migration cannot start")
	}
	if !inGuestMode(t, f) {
		t.Fatalf("expected failed sign-in to keep guest mode")
	}

	f.migrator.err = nil
	if _, err := f.resolver.SignIn(ctx, credentialProvider("uid-1")); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if inGuestMode(t, f) {
		t.Fatalf("expected authenticated session to end guest mode")
	}
}

func TestResolveAuthenticatedIdentityCreatesProfileOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	credential := auth.Credential{Provider: "google.com", Subject: "uid-1", Email: "ada@example.com", DisplayName: "Ada"}
	user, err := f.resolver.ResolveAuthenticatedIdentity(ctx, credential)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if user.ID != "uid-1" || user.IsGuest || user.DisplayName != "Ada" {
		t.Fatalf("unexpected user: %+v", user)
	}

	profile, err := f.remote.Read(ctx, remote.UsersCollection, "uid-1")
	if err != nil {
		t.Fatalf("read profile: %v", err)
	}
	if profile.Fields["email"] != "ada@example.com" || profile.Fields["displayName"] != "Ada" {
		t.Fatalf("unexpected profile: %v", profile.Fields)
	}
	if profile.Fields["photoUrl"] != nil {
		t.Fatalf("expected absent photo stored as null, got %v", profile.Fields["photoUrl"])
	}
	if profile.Fields["createdAt"] != "2024-09-01T12:00:00.000Z" {
		t.Fatalf("unexpected createdAt: %v", profile.Fields["createdAt"])
	}

	writes := f.remote.WriteCount()
	renamed := credential
	renamed.DisplayName = "Someone Else"
	if _, err := f.resolver.ResolveAuthenticatedIdentity(ctx, renamed); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if f.remote.WriteCount() != writes {
		t.Fatalf("expected existing profile not to be rewritten")
	}
	profile, _ = f.remote.Read(ctx, remote.UsersCollection, "uid-1")
	if profile.Fields["displayName"] != "Ada" {
		t.Fatalf("expected stored profile untouched, got %v", profile.Fields["displayName"])
	}
}

func TestResolveAuthenticatedIdentityDisplayNameFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.remote.Write(ctx, remote.UsersCollection, "uid-1", map[string]any{
		"email":       "stored@example.com",
		"displayName": "Stored Name",
		"photoUrl":    "https://example.com/p.png",
		"createdAt":   "2023-01-02T03:04:05.000Z",
	}, remote.WriteOverwrite); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	user, err := f.resolver.ResolveAuthenticatedIdentity(ctx, auth.Credential{Subject: "uid-1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if user.DisplayName != "Stored Name" || user.PhotoURL != "https://example.com/p.png" || user.Email != "stored@example.com" {
		t.Fatalf("expected stored profile fallback, got %+v", user)
	}
	if !user.CreatedAt.Equal(time.Date(2023, time.January, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("expected stored createdAt, got %v", user.CreatedAt)
	}

	fresh, err := f.resolver.ResolveAuthenticatedIdentity(ctx, auth.Credential{Subject: "uid-2"})
	if err != nil {
		t.Fatalf("resolve fresh: %v", err)
	}
	if fresh.DisplayName != "User" {
		t.Fatalf("expected final fallback display name, got %q", fresh.DisplayName)
	}
}

func TestResolveAuthenticatedIdentityFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.resolver.ResolveAuthenticatedIdentity(ctx, auth.Credential{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}

	offline := errors.New("offline")
	f.remote.SetFault(func(remote.Operation, string, string) error { return offline })
	if _, err := f.resolver.ResolveAuthenticatedIdentity(ctx, auth.Credential{Subject: "uid-1"}); !errors.Is(err, offline) {
		t.Fatalf("expected remote failure to surface, got %v", err)
	}
}

func TestMigrateOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.resolver.MigrateOwnership(ctx, "", notes.UserID("uid-1"))
	if err != nil {
		t.Fatalf("migrate without guest: %v", err)
	}
	if len(report.Outcomes) != 0 || f.migrator.callCount() != 0 {
		t.Fatalf("expected no-op without guest id")
	}

	if _, err := f.resolver.GetOrCreateGuestIdentity(ctx); err != nil {
		t.Fatalf("guest: %v", err)
	}
	report, err = f.resolver.MigrateOwnership(ctx, "", notes.UserID("uid-1"))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(report.Outcomes) != 1 {
		t.Fatalf("expected migrator report, got %+v", report)
	}
	if f.migrator.calls[0] != (migrationCall{guestID: "guest-1", ownerID: "uid-1"}) {
		t.Fatalf("unexpected migration call: %+v", f.migrator.calls[0])
	}
	if _, err := f.device.Get(ctx, GuestIDKey); !errors.Is(err, device.ErrKeyNotFound) {
		t.Fatalf("expected guest id cleared, got %v", err)
	}

	if _, err := f.resolver.MigrateOwnership(ctx, "", notes.UserID("uid-1")); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if f.migrator.callCount() != 1 {
		t.Fatalf("expected migration to run exactly once")
	}
}

func TestSignInFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.resolver.GetOrCreateGuestIdentity(ctx); err != nil {
		t.Fatalf("guest: %v", err)
	}

	providerErr := errors.New("popup closed")
	failing := auth.ProviderFunc(func(context.Context) (auth.Credential, error) {
		return auth.Credential{}, providerErr
	})
	if _, err := f.resolver.SignIn(ctx, failing); !errors.Is(err, providerErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if f.migrator.callCount() != 0 {
		t.Fatalf("expected no migration after provider failure")
	}
	if guestID, err := f.device.Get(ctx, GuestIDKey); err != nil || guestID != "guest-1" {
		t.Fatalf("expected guest id kept, got %q (%v)", guestID, err)
	}
	if _, err := f.resolver.CurrentUser(ctx); err != nil {
		t.Fatalf("current user: %v", err)
	}
	current, _ := f.resolver.CurrentUser(ctx)
	if !current.IsGuest {
		t.Fatalf("expected guest to remain current, got %+v", current)
	}
}

func TestSignInSignOutNotifiesListeners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.resolver.GetOrCreateGuestIdentity(ctx); err != nil {
		t.Fatalf("guest: %v", err)
	}

	var mu sync.Mutex
	var states []*User
	unsubscribe := f.resolver.OnAuthStateChange(func(user *User) {
		mu.Lock()
		states = append(states, user)
		mu.Unlock()
	})

	result, err := f.resolver.SignIn(ctx, credentialProvider("uid-1"))
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if result.User.ID != "uid-1" || len(result.Migration.Outcomes) != 1 {
		t.Fatalf("unexpected sign-in result: %+v", result)
	}
	current, err := f.resolver.CurrentUser(ctx)
	if err != nil || current.ID != "uid-1" || current.IsGuest {
		t.Fatalf("expected authenticated current user, got %+v (%v)", current, err)
	}

	f.resolver.SignOut(ctx)
	unsubscribe()
	f.resolver.SignOut(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 3 {
		t.Fatalf("expected initial, sign-in and sign-out notifications, got %d", len(states))
	}
	if states[0] != nil || states[1] == nil || states[1].ID != "uid-1" || states[2] != nil {
		t.Fatalf("unexpected notification sequence: %+v", states)
	}
	if _, err := f.resolver.CurrentUser(ctx); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected no identity after sign-out with migrated guest, got %v", err)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := device.OpenInMemory()
	if err != nil {
		t.Fatalf("device store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	memory := remote.NewMemoryStore()
	migrator := &stubMigrator{}
	counter := 0
	resolver, err := NewResolver(ResolverConfig{
		Device:   store,
		Remote:   memory,
		Migrator: migrator,
		Clock:    func() time.Time { return testNow },
		NewGuestID: func() (string, error) {
			counter++
			if counter > 1 {
				return "", errors.New("guest id minted twice")
			}
			return "guest-1", nil
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return &fixture{resolver: resolver, device: store, remote: memory, migrator: migrator}
}

func inGuestMode(t *testing.T, f *fixture) bool {
	t.Helper()
	guest, err := f.resolver.IsInGuestMode(context.Background())
	if err != nil {
		t.Fatalf("guest mode: %v", err)
	}
	return guest
}

func credentialProvider(subject string) auth.Provider {
	return auth.ProviderFunc(func(context.Context) (auth.Credential, error) {
		return auth.Credential{Provider: "test", Subject: subject, Email: subject + "@example.com"}, nil
	})
}
