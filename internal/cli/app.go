package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/soyeahso/backoffice/internal/api"
	"github.com/soyeahso/backoffice/internal/attachment"
	"github.com/soyeahso/backoffice/internal/auth"
	"github.com/soyeahso/backoffice/internal/session"
	"github.com/soyeahso/backoffice/internal/store"
)

var (
	errNotLoggedIn = errors.New("not logged in; run `backoffice login` first")
	errForbidden   = errors.New("your account does not have write access here")
)

// app is the per-invocation wiring: persisted session, API client and the
// writer commands render to.
type app struct {
	db       *store.DB
	sessions *session.Manager
	api      *api.Client
	limits   attachment.Limits
	out      io.Writer
}

// openApp restores the session and builds the API client around it.
func openApp(ctx context.Context, out io.Writer) (*app, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("creating data directories: %w", err)
	}
	limits, err := attachmentLimits()
	if err != nil {
		return nil, err
	}

	a := &app{limits: limits, out: out}
	var kv store.KV
	switch cfg.Session.Store {
	case "memory":
		kv = store.NewMemoryKV()
	default:
		a.db, err = store.Open(paths.Database, log)
		if err != nil {
			return nil, fmt.Errorf("opening session database: %w", err)
		}
		kv = store.NewSQLiteKV(a.db)
	}

	a.sessions = session.NewManager(session.NewStore(kv), nil, log)
	a.api = api.New(api.Options{
		BaseURL:           cfg.API.BaseURL,
		Timeout:           cfg.API.Timeout(),
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		Limits:            limits,
		Tokens:            a.sessions,
	}, log)
	a.sessions.SetAuthenticator(session.APIAuthenticator(a.api))

	if err := a.sessions.Init(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("restoring session: %w", err)
	}
	return a, nil
}

func (a *app) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// gate resolves a request to view f. It reports whether the caller may go
// on. A denied request renders the dashboard instead and is not an error.
func (a *app) gate(ctx context.Context, f auth.Feature) (bool, error) {
	dest := auth.Navigate(a.sessions.Current(), f)
	switch {
	case dest.Login:
		return false, errNotLoggedIn
	case dest.Redirected:
		log.Debug().Str("feature", string(f)).Msg("view not permitted, showing dashboard")
		return false, a.renderDashboard(ctx)
	}
	return true, nil
}

// canWrite checks write access on f for mutating commands.
func (a *app) canWrite(f auth.Feature) error {
	sess := a.sessions.Current()
	if sess == nil {
		return errNotLoggedIn
	}
	if !sess.Can(f, auth.Write) {
		return errForbidden
	}
	return nil
}

func attachmentLimits() (attachment.Limits, error) {
	img, media, err := cfg.Attachments.Limits()
	if err != nil {
		return attachment.Limits{}, err
	}
	return attachment.Limits{Image: img, Media: media}, nil
}

// withApp runs fn with an opened app and closes it afterwards.
func withApp(ctx context.Context, out io.Writer, fn func(*app) error) error {
	a, err := openApp(ctx, out)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// viewFeature wraps fn so it only runs when the session may read f.
func viewFeature(ctx context.Context, out io.Writer, f auth.Feature, fn func(*app) error) error {
	return withApp(ctx, out, func(a *app) error {
		ok, err := a.gate(ctx, f)
		if err != nil || !ok {
			return err
		}
		return fn(a)
	})
}
