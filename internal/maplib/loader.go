package maplib

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fleetmap/internal/domain"
)

// DefaultLoadTimeout bounds a single load attempt
const DefaultLoadTimeout = 5 * time.Second

// Load steps, reported in LibraryLoadError.Step
const (
	StepStylesheet = "stylesheet"
	StepImport     = "import"
	StepIcons      = "icons"
)

type LoaderConfig struct {
	Module        string
	StylesheetURL string
	IconBaseURL   string
	Timeout       time.Duration
}

// Handle is the shared result of a successful load
type Handle struct {
	Library       Library
	Icons         IconSet
	Stylesheet    []byte
	StylesheetURL string
	LoadedAt      time.Time
}

// Loader loads the configured map library once per process
type Loader struct {
	cfg        LoaderConfig
	httpClient *http.Client
	logger     *slog.Logger
	group      singleflight.Group

	mu         sync.Mutex
	handle     *Handle
	stylesheet []byte
	attempts   int
	refs       int
}

func NewLoader(cfg LoaderConfig, logger *slog.Logger) *Loader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLoadTimeout
	}
	return &Loader{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "map_loader"),
	}
}

// EnsureLoaded returns the shared handle, loading the library on first use.
// Concurrent callers share one in-flight attempt bounded by the load
// timeout. A caller whose ctx ends stops waiting; the attempt continues for
// the others. Failed attempts are not cached; the caller owns retry policy.
func (l *Loader) EnsureLoaded(ctx context.Context) (*Handle, error) {
	if h := l.loaded(); h != nil {
		return h, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := l.group.DoChan("load", func() (interface{}, error) {
		if h := l.loaded(); h != nil {
			return h, nil
		}
		return l.load(shared)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, &domain.LibraryLoadError{Step: StepImport, Err: ctx.Err()}
	}
}

// Acquire is EnsureLoaded plus a reference for the caller
func (l *Loader) Acquire(ctx context.Context) (*Handle, error) {
	h, err := l.EnsureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
	return h, nil
}

// Release drops a reference taken by Acquire. The handle stays loaded.
func (l *Loader) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs > 0 {
		l.refs--
	}
}

// Refs returns the number of outstanding references
func (l *Loader) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}

// Attempts returns the number of load attempts made so far
func (l *Loader) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func (l *Loader) loaded() *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle
}

func (l *Loader) load(parent context.Context) (*Handle, error) {
	ctx, cancel := context.WithTimeout(parent, l.cfg.Timeout)
	defer cancel()

	l.mu.Lock()
	l.attempts++
	attempt := l.attempts
	l.mu.Unlock()

	start := time.Now()
	l.logger.Debug("loading map library", "module", l.cfg.Module, "attempt", attempt)

	css, err := l.attachStylesheet(ctx)
	if err != nil {
		return nil, l.fail(StepStylesheet, err, attempt)
	}

	mod, err := lookup(l.cfg.Module)
	if err != nil {
		return nil, l.fail(StepImport, err, attempt)
	}
	lib, err := mod.Open(ctx)
	if err != nil {
		return nil, l.fail(StepImport, err, attempt)
	}
	if err := ctx.Err(); err != nil {
		return nil, l.fail(StepImport, err, attempt)
	}

	if l.cfg.IconBaseURL == "" {
		return nil, l.fail(StepIcons, fmt.Errorf("icon base URL not configured"), attempt)
	}
	icons := PatchDefaultIcons(l.cfg.IconBaseURL)

	h := &Handle{
		Library:       lib,
		Icons:         icons,
		Stylesheet:    css,
		StylesheetURL: l.cfg.StylesheetURL,
		LoadedAt:      time.Now(),
	}

	l.mu.Lock()
	l.handle = h
	l.mu.Unlock()

	l.logger.Info("map library loaded",
		"module", lib.Name(),
		"attempt", attempt,
		"stylesheet_bytes", len(css),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return h, nil
}

func (l *Loader) fail(step string, err error, attempt int) error {
	l.logger.Warn("map library load failed", "step", step, "attempt", attempt, "error", err)
	return &domain.LibraryLoadError{Step: step, Err: err}
}

// attachStylesheet fetches the stylesheet once; later attempts reuse it
func (l *Loader) attachStylesheet(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	css := l.stylesheet
	l.mu.Unlock()
	if css != nil || l.cfg.StylesheetURL == "" {
		return css, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.StylesheetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/css")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	css, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading stylesheet: %w", err)
	}

	l.mu.Lock()
	l.stylesheet = css
	l.mu.Unlock()
	return css, nil
}

var (
	defaultMu     sync.Mutex
	defaultLoader *Loader
)

// SetDefault installs the process-wide loader. It is meant to be called
// once from main before any map is initialized.
func SetDefault(l *Loader) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLoader = l
}

// Default returns the process-wide loader
func Default() *Loader {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLoader == nil {
		defaultLoader = NewLoader(LoaderConfig{
			Module:      "scene",
			IconBaseURL: "https://unpkg.com/leaflet@1.9.4/dist/images",
		}, slog.Default())
	}
	return defaultLoader
}

// EnsureLoaded loads the library through the process-wide loader
func EnsureLoaded(ctx context.Context) (*Handle, error) {
	return Default().EnsureLoaded(ctx)
}
