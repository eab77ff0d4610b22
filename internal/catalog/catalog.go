// Package catalog maps client-facing model ids to backend model names.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/lumia1998/AnuNeko/internal/backend"
	"github.com/lumia1998/AnuNeko/internal/metrics"
)

const (
	DefaultPrefix       = "mihoyo"
	DefaultBackendModel = "Orange Cat"
)

// ErrModelNotFound is returned when an id has no entry and no fallback exists.
var ErrModelNotFound = errors.New("catalog: model not found")

// Lister fetches the backend's model list.
type Lister interface {
	ListModels(ctx context.Context) (backend.ModelList, error)
}

// Entry maps one target id to a backend model.
type Entry struct {
	ID          string `yaml:"id" json:"id"`
	BackendName string `yaml:"backend_model" json:"backend_model"`
	// Index is the position in the backend's list.
	Index int `yaml:"index" json:"index"`
}

// Config configures a Catalog.
type Config struct {
	Prefix              string
	DefaultBackendModel string
	// DefaultTargetID overrides the id derived from DefaultBackendModel.
	DefaultTargetID string
	// Seed entries are installed with the default when the table is empty
	// and no refresh has succeeded.
	Seed            []Entry
	RefreshInterval time.Duration // 0 disables background refresh
	Logger          *log.Logger
}

// table is an immutable snapshot.
type table struct {
	entries        []Entry
	byID           map[string]Entry
	backendDefault string
	refreshedAt    time.Time
	seeded         bool
}

// Catalog is safe for concurrent use. Readers always see a complete table.
type Catalog struct {
	lister         Lister
	prefix         string
	defaultBackend string
	defaultID      string
	seed           []Entry
	interval       time.Duration
	logger         *log.Logger

	current atomic.Pointer[table]
	group   singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
}

// State summarises the installed table.
type State struct {
	Entries        int       `json:"entries"`
	BackendDefault string    `json:"backend_default,omitempty"`
	RefreshedAt    time.Time `json:"refreshed_at,omitempty"`
	Seeded         bool      `json:"seeded"`
}

// New returns a Catalog with an empty table. Call Start to enable the
// background refresh.
func New(lister Lister, cfg Config) *Catalog {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	def := strings.TrimSpace(cfg.DefaultBackendModel)
	if def == "" {
		def = DefaultBackendModel
	}
	defID := strings.TrimSpace(cfg.DefaultTargetID)
	if defID == "" {
		defID = TargetID(prefix, def)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := &Catalog{
		lister:         lister,
		prefix:         prefix,
		defaultBackend: def,
		defaultID:      defID,
		seed:           append([]Entry(nil), cfg.Seed...),
		interval:       cfg.RefreshInterval,
		logger:         logger,
		stop:           make(chan struct{}),
	}
	c.current.Store(&table{byID: map[string]Entry{}})
	return c
}

// TargetID derives the client-facing id of a backend model name.
func TargetID(prefix, name string) string {
	return prefix + "-" + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// LoadSeedFile reads extra static entries from a YAML file of the form
//
//	models:
//	  - id: mihoyo-exotic_shorthair
//	    backend_model: Exotic Shorthair
func LoadSeedFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read seed file: %w", err)
	}
	var doc struct {
		Models []Entry `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse seed file: %w", err)
	}
	out := make([]Entry, 0, len(doc.Models))
	for _, e := range doc.Models {
		e.BackendName = strings.TrimSpace(e.BackendName)
		if e.BackendName == "" {
			return nil, fmt.Errorf("catalog: seed entry %q has no backend_model", e.ID)
		}
		out = append(out, e)
	}
	return out, nil
}

// Refresh replaces the table from the backend listing. Concurrent callers
// share one backend call. On failure or an empty listing the previous table
// stays; an empty table is seeded with the static fallback.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Catalog) refresh(ctx context.Context) error {
	list, err := c.lister.ListModels(ctx)
	if err != nil {
		c.logger.Printf("model refresh failed: %v", err)
		c.seedIfEmpty()
		metrics.RecordCatalogRefresh("error", len(c.current.Load().entries))
		return fmt.Errorf("catalog: refresh: %w", err)
	}

	entries := make([]Entry, 0, len(list.Names))
	seen := make(map[string]bool, len(list.Names))
	for i, name := range list.Names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id := TargetID(c.prefix, name)
		if seen[id] {
			continue
		}
		seen[id] = true
		entries = append(entries, Entry{ID: id, BackendName: name, Index: i})
	}
	if len(entries) == 0 {
		c.logger.Printf("model refresh returned no models")
		c.seedIfEmpty()
		metrics.RecordCatalogRefresh("empty", len(c.current.Load().entries))
		return nil
	}

	t := newTable(entries)
	t.backendDefault = strings.TrimSpace(list.Default)
	t.refreshedAt = time.Now()
	c.current.Store(t)
	metrics.RecordCatalogRefresh("success", len(entries))
	c.logger.Printf("model table refreshed: %d entries default=%q", len(entries), t.backendDefault)
	return nil
}

func (c *Catalog) seedIfEmpty() {
	cur := c.current.Load()
	if len(cur.entries) > 0 {
		return
	}
	entries := []Entry{{ID: c.defaultID, BackendName: c.defaultBackend}}
	for i, e := range c.seed {
		if e.ID == "" {
			e.ID = TargetID(c.prefix, e.BackendName)
		}
		if e.Index == 0 {
			e.Index = i + 1
		}
		entries = append(entries, e)
	}
	t := newTable(entries)
	t.seeded = true
	// A refresh outside the singleflight window may have installed a real table.
	if c.current.CompareAndSwap(cur, t) {
		c.logger.Printf("model table seeded with %d static entries", len(t.entries))
	}
}

func newTable(entries []Entry) *table {
	t := &table{entries: make([]Entry, 0, len(entries)), byID: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if _, dup := t.byID[e.ID]; dup {
			continue
		}
		t.byID[e.ID] = e
		t.entries = append(t.entries, e)
	}
	return t
}

// EnsureFresh refreshes when the table is empty.
func (c *Catalog) EnsureFresh(ctx context.Context) {
	if len(c.current.Load().entries) > 0 {
		return
	}
	_ = c.Refresh(ctx)
}

// Resolve maps a target id to a backend model name. Unknown ids map to the
// fallback model; ErrModelNotFound is only possible while the table has
// never been installed.
func (c *Catalog) Resolve(ctx context.Context, id string) (string, error) {
	c.EnsureFresh(ctx)
	t := c.current.Load()
	if e, ok := t.byID[strings.TrimSpace(id)]; ok {
		return e.BackendName, nil
	}
	if len(t.entries) == 0 {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return c.fallback(t), nil
}

// fallback prefers the backend-reported default when it is listed, then the
// configured default.
func (c *Catalog) fallback(t *table) string {
	if t.backendDefault != "" {
		for _, e := range t.entries {
			if e.BackendName == t.backendDefault {
				return e.BackendName
			}
		}
	}
	return c.defaultBackend
}

// Lookup returns the entry for id without falling back.
func (c *Catalog) Lookup(ctx context.Context, id string) (Entry, bool) {
	c.EnsureFresh(ctx)
	e, ok := c.current.Load().byID[strings.TrimSpace(id)]
	return e, ok
}

// List returns the installed entries in backend order.
func (c *Catalog) List(ctx context.Context) []Entry {
	c.EnsureFresh(ctx)
	return c.Snapshot()
}

// Snapshot returns the installed entries without triggering a refresh.
func (c *Catalog) Snapshot() []Entry {
	t := c.current.Load()
	out := append([]Entry(nil), t.entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// State reports the installed table.
func (c *Catalog) State() State {
	t := c.current.Load()
	return State{Entries: len(t.entries), BackendDefault: t.backendDefault, RefreshedAt: t.refreshedAt, Seeded: t.seeded}
}

// DefaultTargetID returns the id of the configured default model.
func (c *Catalog) DefaultTargetID() string { return c.defaultID }

// Start launches the periodic refresh when an interval is configured.
func (c *Catalog) Start() {
	if c.interval <= 0 {
		return
	}
	go c.refreshLoop()
}

func (c *Catalog) refreshLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			_ = c.Refresh(ctx)
			cancel()
		case <-c.stop:
			return
		}
	}
}

// Close stops the background refresh started by Start.
func (c *Catalog) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
