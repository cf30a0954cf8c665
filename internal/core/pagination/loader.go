// Package pagination loads cursor-paginated lists: a refresh replaces the
// list, a load-more appends to it.
package pagination

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"CovesClient/internal/core/apierrors"
	"CovesClient/internal/core/observe"
	"CovesClient/internal/telemetry"
)

// ErrReset is returned by a load whose response arrived after Reset.
var ErrReset = errors.New("loader was reset while the request was in flight")

// Page is one response from the server. An empty Cursor means there is
// nothing after it.
type Page[T any] struct {
	Items  []T
	Cursor string
}

// FetchFunc fetches the page after cursor, or the first page when cursor is
// empty.
type FetchFunc[T any] func(ctx context.Context, cursor string) (Page[T], error)

// State is a snapshot of a loader.
type State[T any] struct {
	Err           error
	Items         []T
	Cursor        string
	HasMore       bool
	IsLoading     bool
	IsLoadingMore bool
}

// Message renders Err for display, or "" if there is none.
func (s State[T]) Message() string {
	return apierrors.UserMessage(s.Err)
}

// Options configures a Loader.
type Options[T any] struct {
	Logger *slog.Logger
	Sink   telemetry.Sink
	// Op names the list in logs and telemetry.
	Op string
	// OnPage runs after every successful fetch with that page's items,
	// before subscribers are notified.
	OnPage func(items []T)
}

// Loader holds a paginated list.
type Loader[T any] struct {
	fetch    FetchFunc[T]
	onPage   func([]T)
	logger   *slog.Logger
	sink     telemetry.Sink
	notifier observe.Notifier[State[T]]
	state    State[T]
	op       string
	epoch    uint64
	mu       sync.Mutex

	// pendingRefresh is the deferred refresh caller's context, detached from
	// its cancellation; nil when no refresh is deferred.
	pendingRefresh context.Context
	loading        bool
	loaded         bool
}

// NewLoader creates an empty loader over fetch.
func NewLoader[T any](fetch FetchFunc[T], opts Options[T]) *Loader[T] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}
	return &Loader[T]{
		fetch:  fetch,
		onPage: opts.OnPage,
		logger: opts.Logger,
		sink:   opts.Sink,
		op:     opts.Op,
		state:  State[T]{HasMore: true},
	}
}

// Load fetches the first page when refresh is true and the next page
// otherwise.
//
// While another load is running, a refresh is deferred: the running call
// performs it with this call's context values as soon as its own fetch
// finishes, and this call returns nil immediately. A load-more requested while loading is dropped. A load-more
// after the last page is a no-op.
//
// A failed fetch leaves the items in place and sets the state's error.
func (l *Loader[T]) Load(ctx context.Context, refresh bool) error {
	l.mu.Lock()
	if l.loading {
		if refresh {
			l.pendingRefresh = context.WithoutCancel(ctx)
			l.logger.Debug("refresh deferred until current load finishes", "op", l.op)
		}
		l.mu.Unlock()
		return nil
	}
	if !refresh && l.loaded && !l.state.HasMore {
		l.mu.Unlock()
		return nil
	}
	l.loading = true
	epoch := l.epoch
	l.mu.Unlock()

	for {
		err := l.run(ctx, epoch, refresh)

		l.mu.Lock()
		if l.epoch != epoch {
			l.mu.Unlock()
			return err
		}
		if l.pendingRefresh != nil {
			ctx = l.pendingRefresh
			l.pendingRefresh = nil
			l.mu.Unlock()
			refresh = true
			continue
		}
		l.loading = false
		l.mu.Unlock()
		return err
	}
}

func (l *Loader[T]) run(ctx context.Context, epoch uint64, refresh bool) error {
	l.mu.Lock()
	appendPage := !refresh && l.loaded
	cursor := ""
	if appendPage {
		cursor = l.state.Cursor
		l.state.IsLoadingMore = true
	} else {
		l.state.IsLoading = true
	}
	loading := l.snapshotLocked()
	l.mu.Unlock()
	l.notifier.Notify(loading)

	page, err := l.fetch(ctx, cursor)

	l.mu.Lock()
	if l.epoch != epoch {
		l.mu.Unlock()
		l.logger.Debug("discarding page fetched before reset", "op", l.op)
		return ErrReset
	}
	l.state.IsLoading = false
	l.state.IsLoadingMore = false

	if err != nil {
		l.state.Err = err
		failed := l.snapshotLocked()
		l.mu.Unlock()

		l.logger.Warn("failed to load page", "op", l.op, "refresh", refresh, "error", err)
		l.sink.ReportError(ctx, l.op, err)
		l.notifier.Notify(failed)
		return err
	}

	if appendPage {
		l.state.Items = append(l.state.Items, page.Items...)
	} else {
		l.state.Items = append([]T(nil), page.Items...)
	}
	l.state.Cursor = page.Cursor
	l.state.HasMore = page.Cursor != ""
	l.state.Err = nil
	l.loaded = true
	l.mu.Unlock()

	if l.onPage != nil {
		l.onPage(page.Items)
	}

	l.mu.Lock()
	loaded := l.snapshotLocked()
	l.mu.Unlock()
	l.notifier.Notify(loaded)
	return nil
}

// State returns a snapshot. Items is a copy.
func (l *Loader[T]) State() State[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// ClearError drops the stored error once it has been shown.
func (l *Loader[T]) ClearError() {
	l.mu.Lock()
	if l.state.Err == nil {
		l.mu.Unlock()
		return
	}
	l.state.Err = nil
	s := l.snapshotLocked()
	l.mu.Unlock()
	l.notifier.Notify(s)
}

// Update replaces the items with fn(items), for local edits such as
// inserting a comment the user just posted. fn must not retain its argument.
func (l *Loader[T]) Update(fn func(items []T) []T) {
	l.mu.Lock()
	l.state.Items = fn(l.state.Items)
	s := l.snapshotLocked()
	l.mu.Unlock()
	l.notifier.Notify(s)
}

// Reset empties the loader. Loads in flight finish with ErrReset and do not
// touch the new state.
func (l *Loader[T]) Reset() {
	l.mu.Lock()
	l.epoch++
	l.state = State[T]{HasMore: true}
	l.loading = false
	l.loaded = false
	l.pendingRefresh = nil
	s := l.snapshotLocked()
	l.mu.Unlock()
	l.notifier.Notify(s)
}

// Subscribe registers fn for state changes.
func (l *Loader[T]) Subscribe(fn func(State[T])) (unsubscribe func()) {
	return l.notifier.Subscribe(fn)
}

func (l *Loader[T]) snapshotLocked() State[T] {
	s := l.state
	s.Items = append([]T(nil), l.state.Items...)
	return s
}
