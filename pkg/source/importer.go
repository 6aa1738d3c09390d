package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"tillpoint/evictor/pkg/retention"
)

// DefaultDebounce is the quiet period before a changed folder is
// re-imported.
const DefaultDebounce = 250 * time.Millisecond

// Sink receives imported config documents.
type Sink interface {
	Upsert(ctx context.Context, collection string, doc retention.Document) error
}

// Options configures an Importer.
type Options struct {
	Dir      string
	Debounce time.Duration
	Sink     Sink
	Clock    retention.Clock
	Logger   *slog.Logger
}

// Importer copies published configs from a folder into the store.
type Importer struct {
	dir      string
	debounce time.Duration
	sink     Sink
	clock    retention.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	hashes map[string]uint64
}

// New creates an Importer.
func New(opts Options) (*Importer, error) {
	if opts.Dir == "" {
		return nil, errors.New("source directory is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("source sink is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = retention.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Importer{
		dir:      opts.Dir,
		debounce: opts.Debounce,
		sink:     opts.Sink,
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "source.importer", "dir", opts.Dir),
		hashes:   make(map[string]uint64),
	}, nil
}

// ImportAll imports every changed config file in the folder, in name
// order. It returns the number of documents written. A bad file is logged
// and skipped; the returned error joins every per-file failure.
func (im *Importer) ImportAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read source directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !hasConfigExtension(e.Name()) || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)

	var (
		imported int
		errs     []error
	)
	for _, name := range names {
		ok, err := im.ImportFile(ctx, filepath.Join(im.dir, name))
		if err != nil {
			im.logger.Warn("config file rejected", "file", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if ok {
			imported++
		}
	}
	return imported, errors.Join(errs...)
}

// ImportFile imports one file. It returns false without error when the
// file content is unchanged since its last import.
func (im *Importer) ImportFile(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	sum := xxhash.Sum64(data)
	im.mu.Lock()
	prev, seen := im.hashes[path]
	im.mu.Unlock()
	if seen && prev == sum {
		return false, nil
	}

	cfg, err := ParseConfigFile(path, data)
	if err != nil {
		return false, err
	}
	if cfg.ID.ID != retention.PublishedConfigID {
		return false, retention.NewConfigError("id.id", fmt.Sprintf("only %q documents can be imported", retention.PublishedConfigID), nil)
	}

	now := im.clock.Now()
	cfg.Origin = retention.OriginPublished
	if cfg.LastUpdated.IsZero() {
		cfg.LastUpdated = now
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("failed to encode config: %w", err)
	}
	doc := retention.Document{
		ID:         cfg.ID.Key(),
		LocationID: cfg.ID.LocationID,
		CreatedOn:  now,
		Body:       body,
	}
	if err := im.sink.Upsert(ctx, retention.ConfigCollection, doc); err != nil {
		return false, err
	}

	im.mu.Lock()
	im.hashes[path] = sum
	im.mu.Unlock()

	im.logger.Info("published config imported",
		"file", filepath.Base(path),
		"location_id", cfg.ID.LocationID,
		"version", cfg.Version,
	)
	return true, nil
}

// Watch imports the folder once and again after every settled change,
// until ctx is done.
func (im *Importer) Watch(ctx context.Context) error {
	w, err := newWatcher(im.dir, im.debounce, im.logger)
	if err != nil {
		return err
	}

	if _, err := im.ImportAll(ctx); err != nil {
		im.logger.Warn("initial import incomplete", "error", err)
	}

	im.logger.Info("watching for published configs", "debounce_ms", im.debounce.Milliseconds())
	return w.run(ctx, func() {
		n, err := im.ImportAll(ctx)
		if err != nil {
			im.logger.Warn("import incomplete", "imported", n, "error", err)
			return
		}
		im.logger.Debug("source folder re-imported", "imported", n)
	})
}
