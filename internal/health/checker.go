package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component kinds. Only a failing database makes the gateway unhealthy.
const (
	KindDatabase = "database"
	KindHTTP     = "http"
	KindCatalog  = "catalog"
)

// Component is the result of one check.
type Component struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthStatus represents the overall health of the gateway.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Pinger is satisfied by the usage ledger stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds health checker configuration.
type Config struct {
	Ledger Pinger

	// BackendBaseURL is probed with a plain GET; any HTTP response counts as reachable.
	BackendBaseURL string
	HTTPClient     *http.Client

	// ModelCount reports the number of catalog entries; zero is degraded.
	ModelCount func() int

	DBTimeout          time.Duration // default 2s
	HTTPTimeout        time.Duration // default 5s
	MaxDatabaseLatency time.Duration // default 100ms

	// CacheTTL reuses the previous result for this long. Zero checks on every call.
	CacheTTL time.Duration

	Now func() time.Time
}

// Checker runs the component checks. Concurrent Check calls share one run.
type Checker struct {
	cfg   Config
	group singleflight.Group

	mu   sync.RWMutex
	last HealthStatus
	ran  bool
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout <= 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxDatabaseLatency <= 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Checker{cfg: cfg}
}

// Check returns the current status, running the checks unless a cached
// result is still fresh.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	if st, ok := c.cached(); ok {
		return st
	}
	v, _, _ := c.group.Do("check", func() (any, error) {
		// A caller going away must not fail the run other callers share.
		st := c.run(context.WithoutCancel(ctx))
		c.mu.Lock()
		c.last, c.ran = st, true
		c.mu.Unlock()
		return st, nil
	})
	return v.(HealthStatus)
}

func (c *Checker) cached() (HealthStatus, bool) {
	if c.cfg.CacheTTL <= 0 {
		return HealthStatus{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ran || c.cfg.Now().Sub(c.last.Timestamp) >= c.cfg.CacheTTL {
		return HealthStatus{}, false
	}
	return c.last, true
}

func (c *Checker) run(ctx context.Context) HealthStatus {
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		components []Component
	)
	add := func(comp Component) {
		mu.Lock()
		components = append(components, comp)
		mu.Unlock()
	}
	if c.cfg.Ledger != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(c.checkLedger(ctx))
		}()
	}
	if c.cfg.BackendBaseURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(c.checkHTTPEndpoint(ctx, "anuneko_api", c.cfg.BackendBaseURL))
		}()
	}
	if c.cfg.ModelCount != nil {
		add(c.checkCatalog())
	}
	wg.Wait()

	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	return HealthStatus{
		Status:     overallStatus(components),
		Timestamp:  c.cfg.Now(),
		Components: components,
	}
}

func (c *Checker) component(name, kind string) Component {
	return Component{Name: name, Type: kind, CheckedAt: c.cfg.Now().UTC()}
}

func (c *Checker) checkLedger(ctx context.Context) Component {
	comp := c.component("ledger", KindDatabase)
	dbCtx, cancel := context.WithTimeout(ctx, c.cfg.DBTimeout)
	defer cancel()

	start := time.Now()
	err := c.cfg.Ledger.Ping(dbCtx)
	latency := time.Since(start)
	comp.LatencyMS = latency.Milliseconds()
	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
	case latency > c.cfg.MaxDatabaseLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", latency.Round(time.Millisecond))
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) checkHTTPEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := c.component(name, KindHTTP)
	httpCtx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(httpCtx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Invalid endpoint"
		return comp
	}
	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	comp.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	resp.Body.Close()

	// The API answers its base path with 404; any response means it is up.
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

func (c *Checker) checkCatalog() Component {
	comp := c.component("model_catalog", KindCatalog)
	n := c.cfg.ModelCount()
	if n == 0 {
		comp.Status = StatusDegraded
		comp.Message = "No models loaded"
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("%d models", n)
	return comp
}

// overallStatus is unhealthy when a database check failed, degraded when any
// other check is not healthy.
func overallStatus(components []Component) Status {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == KindDatabase {
				return StatusUnhealthy
			}
			overall = StatusDegraded
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// GetLastStatus returns the most recent result without running the checks.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ran {
		return HealthStatus{Status: StatusHealthy, Timestamp: c.cfg.Now()}
	}
	return c.last
}
