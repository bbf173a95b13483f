package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/device"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notesync"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GuestIDKey is the device storage key holding the guest identifier.
const GuestIDKey = "guestId"

const (
	opResolverNew      = "identity.new"
	opGuest            = "identity.guest"
	opGuestMode        = "identity.guest_mode"
	opResolve          = "identity.resolve"
	opMigrateOwnership = "identity.migrate_ownership"
	opSignIn           = "identity.sign_in"
	opCurrentUser      = "identity.current_user"

	reasonMissingDevice   = "missing_device_store"
	reasonMissingRemote   = "missing_remote_store"
	reasonMissingMigrator = "missing_migrator"
	reasonDeviceRead      = "device_read_failed"
	reasonDeviceWrite     = "device_write_failed"
	reasonIDGeneration    = "id_generation_failed"
	reasonInvalidIdentity = "invalid_identity"
	reasonProfileRead     = "profile_read_failed"
	reasonProfileWrite    = "profile_write_failed"
	reasonProviderFailed  = "provider_failed"
	reasonMigrationFailed = "migration_failed"
	reasonNoIdentity      = "no_identity"
)

var (
	// ErrInvalidIdentity indicates a credential without a usable user id.
	ErrInvalidIdentity = errors.New("identity: invalid identity")
	// ErrNoIdentity indicates there is neither a session nor a guest identity.
	ErrNoIdentity = errors.New("identity: no active identity")

	errMissingDeviceStore = errors.New("device store is required")
	errMissingRemoteStore = errors.New("remote store is required")
	errMissingMigrator    = errors.New("guest migrator is required")
)

// GuestMigrator moves guest-owned notes to an authenticated owner.
type GuestMigrator interface {
	MigrateGuestOwnership(ctx context.Context, guestID, newOwnerID notes.UserID) (notesync.Report, error)
}

// ResolverConfig describes the dependencies of the identity resolver.
type ResolverConfig struct {
	Device        device.Store
	Remote        remote.Store
	Migrator      GuestMigrator
	Clock         func() time.Time
	NewGuestID    func() (string, error)
	RemoteTimeout time.Duration
	Logger        *zap.Logger
}

// SignInResult is the outcome of a completed sign-in.
type SignInResult struct {
	User      User            `json:"user"`
	Migration notesync.Report `json:"migration"`
}

// Resolver produces the User identity notes are owned by: a device-local guest or
// an authenticated user.
type Resolver struct {
	device        device.Store
	remote        remote.Store
	migrator      GuestMigrator
	clock         func() time.Time
	newGuestID    func() (string, error)
	remoteTimeout time.Duration
	logger        *zap.Logger

	guestMu sync.Mutex

	mu        sync.RWMutex
	session   *User
	listeners map[int64]func(*User)
	nextID    int64
}

// NewResolver validates cfg and constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Device == nil {
		return nil, notes.NewServiceError(opResolverNew, reasonMissingDevice, errMissingDeviceStore)
	}
	if cfg.Remote == nil {
		return nil, notes.NewServiceError(opResolverNew, reasonMissingRemote, errMissingRemoteStore)
	}
	if cfg.Migrator == nil {
		return nil, notes.NewServiceError(opResolverNew, reasonMissingMigrator, errMissingMigrator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newGuestID := cfg.NewGuestID
	if newGuestID == nil {
		newGuestID = func() (string, error) {
			value, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = notesync.DefaultRemoteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		device:        cfg.Device,
		remote:        cfg.Remote,
		migrator:      cfg.Migrator,
		clock:         clock,
		newGuestID:    newGuestID,
		remoteTimeout: timeout,
		logger:        logger,
		listeners:     make(map[int64]func(*User)),
	}, nil
}

// GetOrCreateGuestIdentity returns the device guest, minting and persisting a new
// guest id on first use.
func (r *Resolver) GetOrCreateGuestIdentity(ctx context.Context) (User, error) {
	r.guestMu.Lock()
	defer r.guestMu.Unlock()

	guestID, err := r.guestID(ctx)
	if err != nil {
		return User{}, notes.NewServiceError(opGuest, reasonDeviceRead, err)
	}
	if guestID == "" {
		guestID, err = r.newGuestID()
		if err != nil {
			return User{}, notes.NewServiceError(opGuest, reasonIDGeneration, err)
		}
		if _, err := notes.NewUserID(guestID); err != nil {
			return User{}, notes.NewServiceError(opGuest, reasonInvalidIdentity, err)
		}
		if err := r.device.Set(ctx, GuestIDKey, guestID); err != nil {
			r.logError(opGuest, reasonDeviceWrite, err)
			return User{}, notes.NewServiceError(opGuest, reasonDeviceWrite, err)
		}
		r.logger.Info("guest identity created", zap.String("user_id", guestID))
	}
	return guestUser(guestID, r.now()), nil
}

// IsInGuestMode reports whether a guest id is persisted and nobody is signed in.
func (r *Resolver) IsInGuestMode(ctx context.Context) (bool, error) {
	if r.authenticated() != nil {
		return false, nil
	}
	guestID, err := r.guestID(ctx)
	if err != nil {
		return false, notes.NewServiceError(opGuestMode, reasonDeviceRead, err)
	}
	return guestID != "", nil
}

// GuestID returns the persisted guest id, or "" when there is none.
func (r *Resolver) GuestID(ctx context.Context) (string, error) {
	return r.guestID(ctx)
}

// ResolveAuthenticatedIdentity exchanges a credential for a User, creating the
// users/{id} profile if it does not exist yet. Existing profiles are never
// overwritten. The session is not changed.
func (r *Resolver) ResolveAuthenticatedIdentity(ctx context.Context, credential auth.Credential) (User, error) {
	userID, err := notes.NewUserID(credential.Subject)
	if err != nil {
		return User{}, notes.NewServiceError(opResolve, reasonInvalidIdentity, fmt.Errorf("%w: %v", ErrInvalidIdentity, err))
	}

	readCtx, cancelRead := context.WithTimeout(ctx, r.remoteTimeout)
	profile, err := r.remote.Read(readCtx, remote.UsersCollection, userID.String())
	cancelRead()

	now := r.now()
	switch {
	case errors.Is(err, remote.ErrNotFound):
		fields := map[string]any{
			profileFieldEmail:       strings.TrimSpace(credential.Email),
			profileFieldDisplayName: nullable(credential.DisplayName),
			profileFieldPhotoURL:    nullable(credential.PhotoURL),
			profileFieldCreatedAt:   notes.FormatTimestamp(now),
		}
		writeCtx, cancelWrite := context.WithTimeout(ctx, r.remoteTimeout)
		err = r.remote.Write(writeCtx, remote.UsersCollection, userID.String(), fields, remote.WriteOverwrite)
		cancelWrite()
		if err != nil {
			r.logError(opResolve, reasonProfileWrite, err, zap.String("user_id", userID.String()))
			return User{}, notes.NewServiceError(opResolve, reasonProfileWrite, err)
		}
		return User{
			ID:          userID.String(),
			Email:       strings.TrimSpace(credential.Email),
			DisplayName: firstNonEmpty(credential.DisplayName, fallbackDisplayName),
			PhotoURL:    credential.PhotoURL,
			CreatedAt:   now,
		}, nil
	case err != nil:
		r.logError(opResolve, reasonProfileRead, err, zap.String("user_id", userID.String()))
		return User{}, notes.NewServiceError(opResolve, reasonProfileRead, err)
	}

	stored := profileValues(profile.Fields)
	createdAt := now
	if parsed, parseErr := notes.ParseTimestamp(stored.createdAt); parseErr == nil {
		createdAt = parsed
	}
	return User{
		ID:          userID.String(),
		Email:       firstNonEmpty(strings.TrimSpace(credential.Email), stored.email),
		DisplayName: firstNonEmpty(credential.DisplayName, stored.displayName, fallbackDisplayName),
		PhotoURL:    firstNonEmpty(credential.PhotoURL, stored.photoURL),
		CreatedAt:   createdAt,
	}, nil
}

// MigrateOwnership hands the guest's notes to toUserID and then clears the persisted
// guest id. An empty fromGuestID means the persisted one. Without a guest id this is
// a no-op. When listing the guest's notes fails nothing is cleared.
func (r *Resolver) MigrateOwnership(ctx context.Context, fromGuestID string, toUserID notes.UserID) (notesync.Report, error) {
	r.guestMu.Lock()
	defer r.guestMu.Unlock()

	persisted, err := r.guestID(ctx)
	if err != nil {
		return notesync.Report{}, notes.NewServiceError(opMigrateOwnership, reasonDeviceRead, err)
	}
	guestID := strings.TrimSpace(fromGuestID)
	if guestID == "" {
		guestID = persisted
	}
	if guestID == "" {
		return notesync.Report{}, nil
	}
	if guestID == toUserID.String() {
		return notesync.Report{}, nil
	}

	report, err := r.migrator.MigrateGuestOwnership(ctx, notes.UserID(guestID), toUserID)
	if err != nil {
		r.logError(opMigrateOwnership, reasonMigrationFailed, err, zap.String("guest_id", guestID), zap.String("user_id", toUserID.String()))
		return notesync.Report{}, notes.NewServiceError(opMigrateOwnership, reasonMigrationFailed, err)
	}
	if persisted == guestID {
		if err := r.device.Delete(ctx, GuestIDKey); err != nil {
			r.logError(opMigrateOwnership, reasonDeviceWrite, err, zap.String("guest_id", guestID))
			return report, notes.NewServiceError(opMigrateOwnership, reasonDeviceWrite, err)
		}
	}
	return report, nil
}

// SignIn runs the full sign-in flow: credential, profile, guest migration, session.
// Nothing is changed when the provider or profile resolution fails.
func (r *Resolver) SignIn(ctx context.Context, provider auth.Provider) (SignInResult, error) {
	credential, err := provider.SignIn(ctx)
	if err != nil {
		r.logError(opSignIn, reasonProviderFailed, err)
		return SignInResult{}, notes.NewServiceError(opSignIn, reasonProviderFailed, err)
	}
	user, err := r.ResolveAuthenticatedIdentity(ctx, credential)
	if err != nil {
		return SignInResult{}, err
	}
	report, err := r.MigrateOwnership(ctx, "", user.OwnerID())
	if err != nil {
		return SignInResult{}, err
	}

	r.setSession(&user)
	r.logger.Info("user signed in", zap.String("user_id", user.ID), zap.String("provider", credential.Provider))
	return SignInResult{User: user, Migration: report}, nil
}

// SignOut ends the authenticated session. The guest id, if any, is left alone.
func (r *Resolver) SignOut(_ context.Context) {
	r.setSession(nil)
}

// CurrentUser returns the signed-in user, falling back to the device guest.
func (r *Resolver) CurrentUser(ctx context.Context) (User, error) {
	if session := r.authenticated(); session != nil {
		return *session, nil
	}
	guestID, err := r.guestID(ctx)
	if err != nil {
		return User{}, notes.NewServiceError(opCurrentUser, reasonDeviceRead, err)
	}
	if guestID == "" {
		return User{}, notes.NewServiceError(opCurrentUser, reasonNoIdentity, ErrNoIdentity)
	}
	return guestUser(guestID, r.now()), nil
}

// OnAuthStateChange registers callback for session changes and calls it once with
// the current session. A nil user means signed out.
func (r *Resolver) OnAuthStateChange(callback func(*User)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = callback
	current := copyUser(r.session)
	r.mu.Unlock()

	callback(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

func (r *Resolver) setSession(user *User) {
	r.mu.Lock()
	r.session = copyUser(user)
	listeners := make([]func(*User), 0, len(r.listeners))
	for _, listener := range r.listeners {
		listeners = append(listeners, listener)
	}
	r.mu.Unlock()
	for _, listener := range listeners {
		listener(copyUser(user))
	}
}

func (r *Resolver) authenticated() *User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyUser(r.session)
}

func (r *Resolver) guestID(ctx context.Context) (string, error) {
	value, err := r.device.Get(ctx, GuestIDKey)
	if errors.Is(err, device.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		r.logError(opGuest, reasonDeviceRead, err)
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func (r *Resolver) now() time.Time {
	return r.clock().UTC().Truncate(time.Millisecond)
}

func (r *Resolver) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("identity resolver error", attrs...)
}

type storedProfile struct {
	email       string
	displayName string
	photoURL    string
	createdAt   string
}

func profileValues(fields map[string]any) storedProfile {
	text := func(key string) string {
		value, _ := fields[key].(string)
		return strings.TrimSpace(value)
	}
	profile := storedProfile{
		email:       text(profileFieldEmail),
		displayName: text(profileFieldDisplayName),
		photoURL:    text(profileFieldPhotoURL),
		createdAt:   text(profileFieldCreatedAt),
	}
	if created, ok := fields[profileFieldCreatedAt].(time.Time); ok {
		profile.createdAt = notes.FormatTimestamp(created)
	}
	return profile
}

func nullable(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func copyUser(user *User) *User {
	if user == nil {
		return nil
	}
	copied := *user
	return &copied
}
