// Package policy watches policy documents for changes and flags
// risk-relevant clauses in them.
package policy

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/thapasuman5202/Engineering/internal/fetcher"
	"github.com/thapasuman5202/Engineering/internal/model"
	"github.com/thapasuman5202/Engineering/internal/observability"
)

// SourceInline is the PolicyWatch source of text submitted directly.
const SourceInline = "inline"

// Config controls fetch bounds and polling.
type Config struct {
	// FetchTimeout bounds one fetch. Default: 10s.
	FetchTimeout time.Duration
	// PollInterval re-checks URL watches in the background. Zero disables
	// polling.
	PollInterval time.Duration
	// MaxBodyBytes caps a fetched document. Default: 5 MiB.
	MaxBodyBytes int64
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 5 << 20
	}
	return c
}

// WatchRequest registers or re-triggers a watch. Text wins over URL when both
// are set. A bare PolicyID re-checks the stored source.
type WatchRequest struct {
	PolicyID string
	Text     string
	URL      string
}

// entry is the independent state of one policy id.
type entry struct {
	mu    sync.Mutex
	state model.PolicyWatch
	text  string
	url   string
	etag  string
	stop  context.CancelFunc
}

func (e *entry) snapshot() model.PolicyWatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneWatch(e.state)
}

// Watcher keeps keyed watch state. Checks of different ids never block each
// other; concurrent triggers of one id share a single check.
type Watcher struct {
	cfg        Config
	fetcher    fetcher.Fetcher
	scanner    *Scanner
	normalizer *Normalizer
	clock      clockwork.Clock
	metrics    *observability.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher. f may be nil when only text sources are
// used; clock may be nil.
func NewWatcher(cfg Config, f fetcher.Fetcher, scanner *Scanner, clock clockwork.Clock, metrics *observability.Metrics) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		cfg:        cfg.withDefaults(),
		fetcher:    f,
		scanner:    scanner,
		normalizer: NewNormalizer(),
		clock:      clock,
		metrics:    metrics,
		entries:    make(map[string]*entry),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Watch registers or re-triggers the watch for a policy and returns its
// state after the check. Failures are reported in the returned state, never
// as an error.
func (w *Watcher) Watch(ctx context.Context, req WatchRequest) model.PolicyWatch {
	text := strings.TrimSpace(req.Text)
	url := strings.TrimSpace(req.URL)

	id := strings.TrimSpace(req.PolicyID)
	if id == "" {
		switch {
		case text != "":
			id = DerivePolicyID(text)
		case url != "":
			id = DerivePolicyID(url)
		}
	}
	if id == "" {
		return w.rejected("", "text or url is required")
	}

	e, ok := w.entryFor(id, text, url)
	if !ok {
		return w.rejected(id, "unknown policy_id and no text or url given")
	}

	res := w.checkShared(ctx, id, e)
	if want := sourceKey(text, url); want != "" && res.source != want {
		// Joined a check of the previous source; this caller's source has
		// not been read yet.
		res = w.checkShared(ctx, id, e)
	}
	w.ensurePolling(id, e)
	return cloneWatch(res.state)
}

// checkResult is the state after a check and the source it read.
type checkResult struct {
	state  model.PolicyWatch
	source string
}

// checkShared runs check, collapsing concurrent calls for one id.
func (w *Watcher) checkShared(ctx context.Context, id string, e *entry) checkResult {
	v, _, _ := w.group.Do(id, func() (any, error) {
		return w.check(ctx, id, e), nil
	})
	return v.(checkResult)
}

func sourceKey(text, url string) string {
	switch {
	case text != "":
		return "text:" + text
	case url != "":
		return "url:" + url
	}
	return ""
}

func (w *Watcher) rejected(id, msg string) model.PolicyWatch {
	w.count(model.PolicyError)
	return model.PolicyWatch{
		PolicyID:    id,
		LastChecked: w.clock.Now().UTC(),
		Status:      model.PolicyError,
		Matches:     []model.ClauseMatch{},
		LastError:   msg,
	}
}

// entryFor returns the entry for id, creating it when a source is given.
// A new source replaces the stored one.
func (w *Watcher) entryFor(id, text, url string) (*entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, exists := w.entries[id]
	if !exists {
		if text == "" && url == "" {
			return nil, false
		}
		e = &entry{state: model.PolicyWatch{PolicyID: id, Status: model.PolicyWatching, Matches: []model.ClauseMatch{}}}
		w.entries[id] = e
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case text != "":
		e.text, e.url, e.etag = text, "", ""
		e.state.Source = SourceInline
		if e.stop != nil {
			e.stop()
			e.stop = nil
		}
	case url != "":
		if e.url != url {
			e.etag = ""
		}
		e.text, e.url = "", url
		e.state.Source = url
	}
	return e, true
}

// check fetches the source once and folds the result into the entry.
func (w *Watcher) check(ctx context.Context, id string, e *entry) checkResult {
	e.mu.Lock()
	text, url, etag := e.text, e.url, e.etag
	e.mu.Unlock()
	source := sourceKey(text, url)

	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	var (
		doc     Document
		newETag string
		changed = true
		err     error
	)
	if text != "" {
		doc = Document{Text: NormalizeText(text)}
	} else {
		doc, newETag, changed, err = w.fetch(fctx, url, etag)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := &e.state
	st.LastChecked = w.clock.Now().UTC()

	log := zap.L().With(zap.String("component", "policy"), zap.String("policy_id", id))
	switch {
	case err != nil:
		// Keep the last good hash and matches.
		st.Status = model.PolicyError
		st.LastError = err.Error()
		log.Warn("policy: check failed", zap.Error(err))
	case !changed:
		st.Status = model.PolicyWatching
		st.LastError = ""
	default:
		hash := ContentHash(doc.Text)
		switch {
		case st.LastContentHash == "":
			// The first good read is the baseline.
			st.Matches = w.scanner.Scan(doc.Text)
			st.Status = model.PolicyWatching
		case hash != st.LastContentHash:
			st.Matches = w.scanner.Scan(doc.Text)
			st.Status = model.PolicyChanged
		default:
			st.Status = model.PolicyWatching
		}
		st.LastContentHash = hash
		if doc.Title != "" {
			st.Title = doc.Title
		}
		st.LastError = ""
		if newETag != "" {
			e.etag = newETag
		}
		log.Debug("policy: checked", zap.String("hash", hash), zap.Int("matches", len(st.Matches)))
	}
	w.count(st.Status)
	return checkResult{state: cloneWatch(*st), source: source}
}

func (w *Watcher) fetch(ctx context.Context, url, etag string) (Document, string, bool, error) {
	if w.fetcher == nil {
		return Document{}, "", false, eris.New("policy: no fetcher configured for url sources")
	}
	body, newETag, changed, err := w.fetcher.DownloadIfChanged(ctx, url, etag)
	if err != nil {
		return Document{}, "", false, eris.Wrapf(err, "policy: fetch %s", url)
	}
	if !changed {
		return Document{}, etag, false, nil
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(body, w.cfg.MaxBodyBytes+1))
	if err != nil {
		return Document{}, "", false, eris.Wrapf(err, "policy: read %s", url)
	}
	if int64(len(data)) > w.cfg.MaxBodyBytes {
		return Document{}, "", false, eris.Errorf("policy: %s exceeds %d bytes", url, w.cfg.MaxBodyBytes)
	}
	doc, err := w.normalizer.Normalize(data, "")
	if err != nil {
		return Document{}, "", false, err
	}
	return doc, newETag, true, nil
}

// ensurePolling starts the background re-check of a URL watch.
func (w *Watcher) ensurePolling(id string, e *entry) {
	if w.cfg.PollInterval <= 0 || w.baseCtx.Err() != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.url == "" || e.stop != nil {
		return
	}
	ctx, cancel := context.WithCancel(w.baseCtx)
	e.stop = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.poll(ctx, id, e)
	}()
}

func (w *Watcher) poll(ctx context.Context, id string, e *entry) {
	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			w.checkShared(ctx, id, e)
		}
	}
}

// Get returns a snapshot of one watch.
func (w *Watcher) Get(id string) (model.PolicyWatch, bool) {
	w.mu.RLock()
	e, ok := w.entries[id]
	w.mu.RUnlock()
	if !ok {
		return model.PolicyWatch{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of every watch ordered by policy id.
func (w *Watcher) List() []model.PolicyWatch {
	w.mu.RLock()
	ids := make([]string, 0, len(w.entries))
	for id := range w.entries {
		ids = append(ids, id)
	}
	w.mu.RUnlock()
	sort.Strings(ids)

	out := make([]model.PolicyWatch, 0, len(ids))
	for _, id := range ids {
		if st, ok := w.Get(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// Stop cancels background polling for a policy. The last state stays
// readable. It reports whether the policy is known.
func (w *Watcher) Stop(id string) bool {
	w.mu.RLock()
	e, ok := w.entries[id]
	w.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
	e.mu.Unlock()
	return true
}

// Close stops all polling and waits for poll goroutines to exit.
func (w *Watcher) Close() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) count(status model.PolicyStatus) {
	if w.metrics != nil {
		w.metrics.PolicyChecks.WithLabelValues(string(status)).Inc()
	}
}

func cloneWatch(s model.PolicyWatch) model.PolicyWatch {
	out := s
	out.Matches = append([]model.ClauseMatch{}, s.Matches...)
	return out
}
