package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/config"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/database"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/device"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/identity"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/localstore"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notebook"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notesync"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/presence"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/remote"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// application holds every wired component plus the cleanup that releases them.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	engine   *notesync.Engine
	notebook *notebook.Notebook
	identity *identity.Resolver
	presence *presence.Engine
	verifier auth.Verifier
	sessions *auth.SessionValidator
	closers  []func() error
}

func buildApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{config: appConfig, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() error { return database.Close(db) })

	local, err := localstore.New(localstore.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}

	deviceStore, err := device.OpenBadger(appConfig.DevicePath)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, deviceStore.Close)

	remoteStore, firebaseVerifier, err := app.openRemote(ctx)
	if err != nil {
		return nil, err
	}

	engine, err := notesync.NewEngine(notesync.Config{
		Local:         local,
		Remote:        remoteStore,
		Clock:         time.Now,
		RemoteTimeout: appConfig.RemoteTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	app.engine = engine

	app.notebook, err = notebook.New(notebook.Config{
		Engine:     engine,
		Repository: local,
		IDs:        notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	app.identity, err = identity.NewResolver(identity.ResolverConfig{
		Device:        deviceStore,
		Remote:        remoteStore,
		Migrator:      engine,
		Clock:         time.Now,
		RemoteTimeout: appConfig.RemoteTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	app.presence, err = presence.NewEngine(presence.Config{
		Remote:            remoteStore,
		Clock:             time.Now,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		Timeout:           appConfig.PresenceTimeout,
		RemoteTimeout:     appConfig.RemoteTimeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	if appConfig.SessionsEnabled() {
		app.sessions, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
			Issuer:        appConfig.SessionIssuer,
			CookieName:    appConfig.SessionCookieName,
			Clock:         time.Now,
		})
		if err != nil {
			return nil, err
		}
	}

	var verifiers auth.MultiVerifier
	if firebaseVerifier != nil {
		verifiers = append(verifiers, firebaseVerifier)
	}
	if app.sessions != nil {
		verifiers = append(verifiers, app.sessions)
	}
	if len(verifiers) > 0 {
		app.verifier = verifiers
	}

	ok = true
	return app, nil
}

// openRemote returns the configured remote store and, for Firebase, an ID token verifier.
func (a *application) openRemote(ctx context.Context) (remote.Store, auth.Verifier, error) {
	if a.config.RemoteBackend != config.RemoteBackendFirestore {
		a.logger.Info("using in-process remote store")
		return remote.NewMemoryStore(), nil, nil
	}

	var options []option.ClientOption
	if a.config.FirebaseCredentialsFile != "" {
		options = append(options, option.WithCredentialsFile(a.config.FirebaseCredentialsFile))
	}
	firebaseApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: a.config.FirebaseProjectID}, options...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize firebase: %w", err)
	}
	firestoreClient, err := firebaseApp.Firestore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open firestore: %w", err)
	}
	store, err := remote.NewFirestoreStore(firestoreClient, a.logger)
	if err != nil {
		firestoreClient.Close() //nolint:errcheck
		return nil, nil, err
	}
	a.closers = append(a.closers, store.Close)

	authClient, err := firebaseApp.Auth(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open firebase auth: %w", err)
	}
	verifier, err := auth.NewFirebaseVerifier(authClient)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("using firestore remote store", zap.String("project_id", a.config.FirebaseProjectID))
	return store, verifier, nil
}

// close releases resources in reverse order of acquisition.
func (a *application) close() error {
	var errs []error
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
