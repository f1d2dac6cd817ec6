package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/pluginhost/internal/extension"
	"github.com/mattjoyce/pluginhost/internal/log"
	"github.com/mattjoyce/pluginhost/internal/plugin"
	"github.com/mattjoyce/pluginhost/internal/version"
)

const (
	DefaultFetchAttempts = 3
	DefaultRetryBackoff  = 500 * time.Millisecond
)

// ErrNotLoaded is returned by Refresh for plugins the loader has not seen.
var ErrNotLoaded = errors.New("plugin not loaded for extension")

// Snapshotter persists last-known metadata. Failures are logged by the
// loader and never fail a load.
type Snapshotter interface {
	Save(ctx context.Context, m Metadata) error
	Delete(ctx context.Context, pluginID, extension string) error
}

// Loader keeps a Store in step with plugin lifecycle events.
type Loader struct {
	fetcher   Fetcher
	store     *Store
	snapshots Snapshotter
	attempts  int
	backoff   time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger

	// commit orders store+snapshot writes against unload, so a snapshot is
	// never saved after the delete that follows an unload.
	commit sync.Mutex
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithSnapshots persists every successful fetch.
func WithSnapshots(s Snapshotter) LoaderOption {
	return func(l *Loader) { l.snapshots = s }
}

// WithRetry bounds fetch attempts and sets the initial backoff between them.
func WithRetry(attempts int, initial time.Duration) LoaderOption {
	return func(l *Loader) {
		if attempts > 0 {
			l.attempts = attempts
		}
		if initial > 0 {
			l.backoff = initial
		}
	}
}

// WithFetchTimeout bounds one whole fetch, retries included.
func WithFetchTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.timeout = d }
}

// NewLoader creates a loader that fills store using fetcher.
func NewLoader(fetcher Fetcher, store *Store, opts ...LoaderOption) *Loader {
	l := &Loader{
		fetcher:  fetcher,
		store:    store,
		attempts: DefaultFetchAttempts,
		backoff:  DefaultRetryBackoff,
		now:      time.Now,
		logger:   log.WithComponent("metadata").With("extension", fetcher.Extension()),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the store this loader fills.
func (l *Loader) Store() *Store { return l.store }

// PluginLoaded fetches metadata for plugins of the loader's extension.
// A failed fetch leaves the plugin present without metadata.
func (l *Loader) PluginLoaded(d plugin.Descriptor) {
	if !d.Implements(l.fetcher.Extension()) {
		return
	}
	ctx := context.Background()
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	m, err := l.fetch(ctx, d.ID)
	l.commit.Lock()
	defer l.commit.Unlock()
	if err != nil {
		l.logger.Warn("failed to load plugin metadata", "plugin", d.ID, "error", err)
		l.store.MarkPresent(d.ID, err)
		return
	}
	l.store.Put(m)
	l.snapshot(ctx, m)
	l.logger.Info("plugin metadata loaded", "plugin", d.ID, "version", m.Version, "fingerprint", m.Fingerprint)
}

// PluginUnloaded drops the plugin's metadata.
func (l *Loader) PluginUnloaded(d plugin.Descriptor) {
	l.commit.Lock()
	defer l.commit.Unlock()
	if !l.store.Present(d.ID) {
		return
	}
	l.store.Remove(d.ID)
	if l.snapshots != nil {
		if err := l.snapshots.Delete(context.Background(), d.ID, l.fetcher.Extension()); err != nil {
			l.logger.Warn("failed to delete metadata snapshot", "plugin", d.ID, "error", err)
		}
	}
	l.logger.Debug("plugin metadata removed", "plugin", d.ID)
}

// Refresh re-fetches metadata for a loaded plugin. On failure the previously
// stored metadata is kept. A plugin unloaded or reloaded while the fetch runs
// keeps its new state and Refresh returns ErrNotLoaded.
func (l *Loader) Refresh(ctx context.Context, pluginID string) (Metadata, error) {
	gen, ok := l.store.Generation(pluginID)
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotLoaded, pluginID)
	}
	prev, hadPrev := l.store.Get(pluginID)

	m, err := l.fetch(ctx, pluginID)

	l.commit.Lock()
	defer l.commit.Unlock()
	if err != nil {
		l.logger.Warn("failed to refresh plugin metadata", "plugin", pluginID, "error", err)
		if !hadPrev {
			l.store.MarkPresentIf(pluginID, gen, err)
		}
		return Metadata{}, err
	}
	if !l.store.PutIf(m, gen) {
		l.logger.Debug("dropping refresh for plugin that changed during fetch", "plugin", pluginID)
		return Metadata{}, fmt.Errorf("%w: %s", ErrNotLoaded, pluginID)
	}
	if hadPrev && prev.Fingerprint == m.Fingerprint {
		l.logger.Debug("plugin metadata unchanged", "plugin", pluginID, "fingerprint", m.Fingerprint)
	}
	l.snapshot(ctx, m)
	return m, nil
}

func (l *Loader) fetch(ctx context.Context, pluginID string) (Metadata, error) {
	var m Metadata
	attempt := 0
	op := func() error {
		attempt++
		var err error
		m, err = l.fetcher.Fetch(ctx, pluginID)
		if err == nil {
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(err)
		}
		l.logger.Debug("metadata fetch attempt failed", "plugin", pluginID, "attempt", attempt, "error", err)
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.backoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(l.attempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return Metadata{}, fmt.Errorf("fetch metadata after %d attempt(s): %w", attempt, err)
	}

	m.PluginID = pluginID
	m.Extension = l.fetcher.Extension()
	if m.FetchedAt.IsZero() {
		m.FetchedAt = l.now().UTC()
	}
	fp, err := ComputeFingerprint(m)
	if err != nil {
		return Metadata{}, err
	}
	m.Fingerprint = fp
	return m, nil
}

func (l *Loader) snapshot(ctx context.Context, m Metadata) {
	if l.snapshots == nil {
		return
	}
	if err := l.snapshots.Save(ctx, m); err != nil {
		l.logger.Warn("failed to persist metadata snapshot", "plugin", m.PluginID, "error", err)
	}
}

// permanent reports errors retrying cannot fix.
func permanent(err error) bool {
	var (
		notOfType *extension.PluginNotOfExtensionTypeError
		noHandler *extension.NoHandlerRegisteredError
		notSup    *extension.RequestNotSupportedError
	)
	return errors.Is(err, version.ErrUnsupported) ||
		errors.Is(err, plugin.ErrPluginNotFound) ||
		errors.As(err, &notOfType) ||
		errors.As(err, &noHandler) ||
		errors.As(err, &notSup)
}
