package pool

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/kong/pg-aurora-bench/pkg/driver"
	"github.com/kong/pg-aurora-bench/pkg/model"
	"go.uber.org/zap"
)

var errEndpointSevered = errors.New("endpoint connectivity severed")

type (
	ValidationFunction func(ctx context.Context, d driver.Driver, conn *PooledConnection, logger *zap.Logger) bool
	Metric             struct {
		Key   string
		Value float64
	}
	MetricsTag struct {
		Key   string
		Value string
	}
	// MetricsEmitterFunction the pool can emit PoolStats or raw metrics
	MetricsEmitterFunction func(metrics interface{}, tags []MetricsTag)
)

type PoolStats struct {
	Endpoint        string        `json:"endpoint"`
	AcquireCount    int64         `json:"acquireCount"`
	AcquireDuration time.Duration `json:"acquireDuration"`
	AcquiredConns   int32         `json:"acquiredConns"`
	IdleConns       int32         `json:"idleConns"`
	TotalConns      int32         `json:"totalConns"`
	MaxConns        int32         `json:"maxConns"`
	PeakAcquired    int32         `json:"peakAcquired"`
	ExhaustedCount  int64         `json:"exhaustedCount"`
	DiscardedCount  int64         `json:"discardedCount"`
	Poisoned        bool          `json:"poisoned"`
	RedirectedTo    string        `json:"redirectedTo,omitempty"`
	Healthy         bool          `json:"healthy"`
	Weight          float64       `json:"weight"`
	CheckLatency    time.Duration `json:"checkLatency"`
}

// PooledConnection is a single session lent to exactly one caller at a time.
type PooledConnection struct {
	id         uint64
	endpoint   model.Endpoint
	session    driver.Session
	generation uint64
	createdAt  time.Time
	useCount   int64
	checkedOut bool
	severOnce  sync.Once
	severed    chan struct{}
}

func (c *PooledConnection) ID() uint64 {
	return c.id
}

func (c *PooledConnection) Session() driver.Session {
	return c.session
}

func (c *PooledConnection) Endpoint() model.Endpoint {
	return c.endpoint
}

func (c *PooledConnection) CreatedAt() time.Time {
	return c.createdAt
}

// Severed reports whether the pool cut this connection off while it was lent out.
func (c *PooledConnection) Severed() bool {
	select {
	case <-c.severed:
		return true
	default:
		return false
	}
}

func (c *PooledConnection) sever() {
	c.severOnce.Do(func() { close(c.severed) })
}

// Bind returns a context that is canceled as soon as the connection is
// severed, so a statement in flight on a failed endpoint returns instead of
// hanging.
func (c *PooledConnection) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.severed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

type endpointPool struct {
	endpoint   model.Endpoint
	maxConns   int
	idle       []*PooledConnection
	checkedOut map[uint64]*PooledConnection
	connecting int
	generation uint64
	poisoned   bool
	// healthy and weight are set by the query health check and steer read
	// routing; weight is zero while the endpoint is unhealthy.
	healthy      bool
	weight       float64
	checkLatency time.Duration
	// waitCh is closed and replaced whenever a slot may have opened up.
	waitCh chan struct{}

	acquireCount    int64
	acquireDuration time.Duration
	exhausted       int64
	discarded       int64
	peakAcquired    int
}

func (e *endpointPool) live() int {
	return len(e.idle) + len(e.checkedOut) + e.connecting
}

func (e *endpointPool) currentWeight() float64 {
	if !e.healthy || e.poisoned {
		return 0
	}
	return e.weight
}

func (e *endpointPool) broadcast() {
	close(e.waitCh)
	e.waitCh = make(chan struct{})
}

// Pool keeps a bounded set of sessions per endpoint. All bookkeeping happens
// under mu; sessions are opened and closed outside of it.
type Pool struct {
	drv            driver.Driver
	logger         *zap.Logger
	acquireTimeout time.Duration
	connectRetries int
	connectBackoff time.Duration

	queryValidationFunc            ValidationFunction
	queryHealthCheckPeriod         time.Duration
	queryValidationTimeout         time.Duration
	minAvailableConnectionFailSize int
	validationCountDestroyTrigger  int
	metricsEmitter                 MetricsEmitterFunction

	mu        sync.Mutex
	endpoints map[string]*endpointPool
	order     []string
	redirects map[string]string
	nextID    uint64
	closed    bool

	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(d driver.Driver, config *Config, logger *zap.Logger) (*Pool, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: pool needs at least one endpoint", model.ErrInvalidConfig)
	}

	maxConns := config.MaxConns
	acquireTimeout := config.AcquireTimeout
	connectRetries := config.ConnectRetries
	connectBackoff := config.ConnectBackoff
	queryValidationTimeout := config.QueryValidationTimeout
	queryHealthCheckPeriod := config.QueryHealthCheckPeriod
	minAvailableConnectionFailSize := config.MinAvailableConnectionFailSize
	validationCountDestroyTrigger := config.ValidationCountDestroyTrigger

	if reflect.ValueOf(config.MaxConns).IsZero() {
		maxConns = defaultMaxConns
	}
	if reflect.ValueOf(config.AcquireTimeout).IsZero() {
		acquireTimeout = defaultAcquireTimeout
	}
	if reflect.ValueOf(config.ConnectRetries).IsZero() {
		connectRetries = defaultConnectRetries
	}
	if reflect.ValueOf(config.ConnectBackoff).IsZero() {
		connectBackoff = defaultConnectBackoff
	}
	if reflect.ValueOf(config.QueryValidationTimeout).IsZero() {
		queryValidationTimeout = defaultQueryValidationTimeout
	}
	if reflect.ValueOf(config.QueryHealthCheckPeriod).IsZero() {
		queryHealthCheckPeriod = defaultQueryHealthCheckPeriod
	}
	if reflect.ValueOf(config.MinAvailableConnectionFailSize).IsZero() {
		minAvailableConnectionFailSize = defaultMinAvailableConnectionFailSize
	}
	if reflect.ValueOf(config.ValidationCountDestroyTrigger).IsZero() {
		validationCountDestroyTrigger = defaultValidationCountDestroyTrigger
	}

	p := &Pool{
		drv:                            d,
		logger:                         logger,
		acquireTimeout:                 acquireTimeout,
		connectRetries:                 connectRetries,
		connectBackoff:                 connectBackoff,
		queryValidationFunc:            config.QueryValidator,
		queryHealthCheckPeriod:         queryHealthCheckPeriod,
		queryValidationTimeout:         queryValidationTimeout,
		minAvailableConnectionFailSize: minAvailableConnectionFailSize,
		validationCountDestroyTrigger:  validationCountDestroyTrigger,
		metricsEmitter:                 config.MetricsEmitter,
		endpoints:                      make(map[string]*endpointPool),
		redirects:                      make(map[string]string),
		closeChan:                      make(chan struct{}),
	}
	for _, ep := range config.Endpoints {
		if _, dup := p.endpoints[ep.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate endpoint %q", model.ErrInvalidConfig, ep.Name)
		}
		p.endpoints[ep.Name] = &endpointPool{
			endpoint:   ep,
			maxConns:   maxConns,
			checkedOut: make(map[uint64]*PooledConnection),
			waitCh:     make(chan struct{}),
			healthy:    true,
			weight:     defaultWeight,
		}
		p.order = append(p.order, ep.Name)
	}
	// Start the validator
	if config.QueryValidator != nil {
		p.wg.Add(1)
		go p.backgroundQueryHealthCheck()
	}
	return p, nil
}

// Acquire lends out a connection to endpoint, opening one if the endpoint is
// below its ceiling. It waits at most the acquire timeout and then fails with
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, endpoint string) (*PooledConnection, error) {
	start := time.Now()
	tCtx, tCancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer tCancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, model.ErrPoolClosed
		}
		ep, err := p.resolveLocked(endpoint)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if ep.poisoned {
			p.mu.Unlock()
			return nil, &model.ConnectError{Endpoint: ep.endpoint.Name, Err: errEndpointSevered}
		}

		if n := len(ep.idle); n > 0 {
			conn := ep.idle[n-1]
			ep.idle[n-1] = nil
			ep.idle = ep.idle[:n-1]
			p.checkoutLocked(ep, conn, start)
			p.mu.Unlock()
			return conn, nil
		}

		if ep.live() < ep.maxConns {
			ep.connecting++
			gen := ep.generation
			p.mu.Unlock()

			session, err := p.connect(tCtx, ep.endpoint)

			p.mu.Lock()
			ep.connecting--
			if err != nil {
				ep.broadcast()
				p.mu.Unlock()
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}
			if gen != ep.generation || ep.poisoned || p.closed {
				ep.broadcast()
				p.mu.Unlock()
				p.closeSession(ep.endpoint.Name, session)
				return nil, &model.ConnectError{Endpoint: ep.endpoint.Name, Err: errEndpointSevered}
			}
			p.nextID++
			conn := &PooledConnection{
				id:         p.nextID,
				endpoint:   ep.endpoint,
				session:    session,
				generation: gen,
				createdAt:  time.Now(),
				severed:    make(chan struct{}),
			}
			p.checkoutLocked(ep, conn, start)
			p.mu.Unlock()
			return conn, nil
		}

		wait := ep.waitCh
		p.mu.Unlock()

		select {
		case <-wait:
		case <-tCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p.mu.Lock()
			ep.exhausted++
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s after %s", model.ErrPoolExhausted, ep.endpoint.Name, p.acquireTimeout)
		}
	}
}

func (p *Pool) checkoutLocked(ep *endpointPool, conn *PooledConnection, start time.Time) {
	conn.checkedOut = true
	conn.useCount++
	ep.checkedOut[conn.id] = conn
	ep.acquireCount++
	ep.acquireDuration += time.Since(start)
	if len(ep.checkedOut) > ep.peakAcquired {
		ep.peakAcquired = len(ep.checkedOut)
	}
}

// Release hands a connection back. Healthy connections return to the idle
// set; anything unhealthy, severed or from before a reset is closed and its
// slot freed for a lazy replacement.
func (p *Pool) Release(conn *PooledConnection, healthy bool) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	ep, ok := p.endpoints[conn.endpoint.Name]
	if !ok || !conn.checkedOut {
		p.mu.Unlock()
		p.logger.Warn("release of a connection that is not checked out",
			zap.String("endpoint", conn.endpoint.Name), zap.Uint64("conn", conn.id))
		return
	}
	delete(ep.checkedOut, conn.id)
	conn.checkedOut = false
	keep := healthy && !conn.Severed() && conn.generation == ep.generation &&
		!ep.poisoned && !p.closed && ep.live() < ep.maxConns
	if keep {
		ep.idle = append(ep.idle, conn)
	} else {
		ep.discarded++
	}
	ep.broadcast()
	p.mu.Unlock()

	if !keep {
		p.closeSession(conn.endpoint.Name, conn.session)
	}
}

func (p *Pool) connect(ctx context.Context, ep model.Endpoint) (driver.Session, error) {
	var session driver.Session
	attempt := 0
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.connectBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.connectRetries)), ctx)
	err := backoff.Retry(func() error {
		attempt++
		s, err := p.drv.Connect(ctx, ep)
		if err != nil {
			p.logger.Warn("connect attempt failed", zap.String("endpoint", ep.Name),
				zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		session = s
		return nil
	}, b)
	if err != nil {
		var ce *model.ConnectError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &model.ConnectError{Endpoint: ep.Name, Err: err}
	}
	return session, nil
}

func (p *Pool) closeSession(endpoint string, s driver.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), p.queryValidationTimeout)
	defer cancel()
	if err := p.drv.Close(ctx, s); err != nil {
		p.logger.Warn("closing session resulted in error", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

func (p *Pool) resolveLocked(name string) (*endpointPool, error) {
	for hops := 0; hops <= len(p.endpoints); hops++ {
		to, ok := p.redirects[name]
		if !ok {
			break
		}
		name = to
	}
	ep, ok := p.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownEndpoint, name)
	}
	return ep, nil
}

func (p *Pool) lookup(name string) (*endpointPool, error) {
	ep, ok := p.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownEndpoint, name)
	}
	return ep, nil
}

// resetLocked invalidates every connection of ep: idle ones are returned for
// closing, checked-out ones are discarded when they come back.
func (p *Pool) resetLocked(ep *endpointPool) []*PooledConnection {
	ep.generation++
	idle := ep.idle
	ep.idle = nil
	ep.discarded += int64(len(idle))
	ep.broadcast()
	return idle
}

func (p *Pool) closeAll(endpoint string, conns []*PooledConnection) {
	for _, c := range conns {
		p.closeSession(endpoint, c.session)
	}
}

// Reset closes all idle connections of endpoint. Connections currently lent
// out are closed when they are released.
func (p *Pool) Reset(endpoint string) error {
	p.mu.Lock()
	ep, err := p.lookup(endpoint)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	idle := p.resetLocked(ep)
	p.mu.Unlock()
	p.closeAll(endpoint, idle)
	return nil
}

// Poison simulates losing an endpoint: idle sessions are closed, lent
// sessions are severed so their in-flight statements return, and new
// acquires fail with a ConnectError until Restore.
func (p *Pool) Poison(endpoint string) error {
	p.mu.Lock()
	ep, err := p.lookup(endpoint)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	ep.poisoned = true
	idle := p.resetLocked(ep)
	severed := len(ep.checkedOut)
	for _, c := range ep.checkedOut {
		c.sever()
	}
	p.mu.Unlock()

	p.logger.Warn("endpoint poisoned", zap.String("endpoint", endpoint),
		zap.Int("idleClosed", len(idle)), zap.Int("inFlightSevered", severed))
	p.closeAll(endpoint, idle)
	return nil
}

func (p *Pool) Restore(endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, err := p.lookup(endpoint)
	if err != nil {
		return err
	}
	ep.poisoned = false
	ep.healthy = true
	ep.weight = defaultWeight
	ep.broadcast()
	p.logger.Info("endpoint restored", zap.String("endpoint", endpoint))
	return nil
}

// Redirect makes acquires for from be served by to, e.g. reads moving to a
// promoted replica after the primary is lost.
func (p *Pool) Redirect(from, to string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	src, err := p.lookup(from)
	if err != nil {
		return err
	}
	dst, err := p.lookup(to)
	if err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("%w: cannot redirect %q to itself", model.ErrInvalidConfig, from)
	}
	p.redirects[from] = to
	src.broadcast()
	dst.broadcast()
	p.logger.Info("endpoint redirected", zap.String("from", from), zap.String("to", to))
	return nil
}

func (p *Pool) ClearRedirect(from string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.redirects, from)
	if ep, ok := p.endpoints[from]; ok {
		ep.broadcast()
	}
}

// SetMaxConns changes the ceiling of endpoint. Surplus idle connections are
// closed right away; surplus lent ones when released.
func (p *Pool) SetMaxConns(endpoint string, n int) error {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	ep, err := p.lookup(endpoint)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	ep.maxConns = n
	var surplus []*PooledConnection
	for ep.live() > ep.maxConns && len(ep.idle) > 0 {
		last := len(ep.idle) - 1
		surplus = append(surplus, ep.idle[last])
		ep.idle[last] = nil
		ep.idle = ep.idle[:last]
		ep.discarded++
	}
	ep.broadcast()
	p.mu.Unlock()
	p.closeAll(endpoint, surplus)
	return nil
}

func (p *Pool) Endpoints() []string {
	return append([]string(nil), p.order...)
}

func (p *Pool) Stat(endpoint string) *PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[endpoint]
	if !ok {
		return nil
	}
	return &PoolStats{
		Endpoint:        endpoint,
		AcquireCount:    ep.acquireCount,
		AcquireDuration: ep.acquireDuration,
		AcquiredConns:   int32(len(ep.checkedOut)),
		IdleConns:       int32(len(ep.idle)),
		TotalConns:      int32(ep.live()),
		MaxConns:        int32(ep.maxConns),
		PeakAcquired:    int32(ep.peakAcquired),
		ExhaustedCount:  ep.exhausted,
		DiscardedCount:  ep.discarded,
		Poisoned:        ep.poisoned,
		RedirectedTo:    p.redirects[endpoint],
		Healthy:         ep.healthy,
		Weight:          ep.currentWeight(),
		CheckLatency:    ep.checkLatency,
	}
}

func (p *Pool) Stats() []PoolStats {
	out := make([]PoolStats, 0, len(p.order))
	for _, name := range p.order {
		if s := p.Stat(name); s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// Healthy reports whether the last health check could reach and validate
// endpoint. Endpoints start out healthy.
func (p *Pool) Healthy(endpoint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[endpoint]
	return ok && ep.healthy && !ep.poisoned
}

// Weight is the read routing weight of endpoint: zero when unhealthy,
// otherwise derived from the health check round trip.
func (p *Pool) Weight(endpoint string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[endpoint]
	if !ok {
		return 0
	}
	return ep.currentWeight()
}

// Open returns the number of live sessions across all endpoints.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, ep := range p.endpoints {
		total += ep.live()
	}
	return total
}

func (p *Pool) CheckedOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, ep := range p.endpoints {
		total += len(ep.checkedOut)
	}
	return total
}

// ResetPeak clears the high-water mark of lent connections on every endpoint.
func (p *Pool) ResetPeak() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		ep.peakAcquired = len(ep.checkedOut)
	}
}

func (p *Pool) Close() error {
	var result *multierror.Error
	p.closeOnce.Do(func() {
		close(p.closeChan)
		p.mu.Lock()
		p.closed = true
		var idle []*PooledConnection
		for _, ep := range p.endpoints {
			idle = append(idle, ep.idle...)
			ep.idle = nil
			ep.broadcast()
		}
		p.mu.Unlock()
		p.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), p.queryValidationTimeout)
		defer cancel()
		for _, c := range idle {
			if err := p.drv.Close(ctx, c.session); err != nil {
				result = multierror.Append(result, fmt.Errorf("close %s/%d: %w", c.endpoint.Name, c.id, err))
			}
		}
	})
	return result.ErrorOrNil()
}

func (p *Pool) backgroundQueryHealthCheck() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.queryHealthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeChan:
			p.logger.Info("backgroundQueryHealthCheck exited..")
			return
		case <-ticker.C:
			p.CheckQueryHealth()
		}
	}
}

// CheckQueryHealth validates every idle connection once, resets an endpoint
// when too many of them fail and then scores each endpoint with one timed
// validation.
func (p *Pool) CheckQueryHealth() {
	for _, name := range p.order {
		p.checkQueryHealth(name)
	}
}

func (p *Pool) runValidator(parent context.Context, conn *PooledConnection) bool {
	tCtx, tCancel := context.WithTimeout(parent, p.queryValidationTimeout)
	defer tCancel()
	return p.queryValidationFunc(tCtx, p.drv, conn, p.logger)
}

func (p *Pool) acquireAllIdle(endpoint string) []*PooledConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[endpoint]
	if !ok || p.closed {
		return nil
	}
	conns := ep.idle
	ep.idle = nil
	for _, c := range conns {
		c.checkedOut = true
		ep.checkedOut[c.id] = c
	}
	return conns
}

func (p *Pool) checkQueryHealth(endpoint string) {
	stats := p.Stat(endpoint)
	if stats == nil {
		return
	}
	host := p.endpoints[endpoint].endpoint.Host
	p.logger.Info("pool stats", zap.String("endpoint", endpoint),
		zap.Int64("acquired", int64(stats.AcquiredConns)),
		zap.Int64("idle", int64(stats.IdleConns)),
		zap.Int64("max", int64(stats.MaxConns)))

	if p.metricsEmitter != nil {
		tags := []MetricsTag{{"endpoint", endpoint}, {"pg_host", host}}
		p.metricsEmitter(*stats, tags)
	}

	if p.queryValidationFunc == nil {
		return
	}
	defer p.scoreEndpoint(endpoint)

	conns := p.acquireAllIdle(endpoint)
	availableCount := len(conns)
	if availableCount == 0 {
		p.logger.Debug("health check found no idle connections", zap.String("endpoint", endpoint))
		return
	}

	destroyCount := 0
	for _, conn := range conns {
		validated := p.runValidator(context.Background(), conn)
		if !validated {
			destroyCount++
			p.logger.Sugar().Errorf("Connection validation healthcheck failed. endpoint=%s destroyCount=%d",
				endpoint, destroyCount)
		}
		p.Release(conn, validated)
	}
	p.logger.Info("Connections pool state", zap.String("endpoint", endpoint),
		zap.Int("availableCount", availableCount), zap.Int("destroyed", destroyCount))

	if availableCount > p.minAvailableConnectionFailSize &&
		destroyCount > p.validationCountDestroyTrigger {
		p.logger.Sugar().Warnf("Resetting %s since > %d connections failed validation",
			endpoint, p.validationCountDestroyTrigger)
		if err := p.Reset(endpoint); err != nil {
			p.logger.Warn("pool reset failed", zap.Error(err))
		}
		if p.metricsEmitter != nil {
			go p.metricsEmitter(
				Metric{"pool_destroy_count", 1},
				[]MetricsTag{{"endpoint", endpoint}, {"pg_host", host}})
		}
	}
}

func responseWeight(d time.Duration) float64 {
	switch {
	case d < fastResponse:
		return 1.2
	case d < slowResponse:
		return 1.0
	default:
		return 0.8
	}
}

// scoreEndpoint times one validation on endpoint. A failed connect or
// validation marks it unhealthy; a busy pool leaves the previous score.
func (p *Pool) scoreEndpoint(endpoint string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.queryValidationTimeout)
	defer cancel()

	conn, err := p.Acquire(ctx, endpoint)
	if err != nil {
		if errors.Is(err, model.ErrPoolExhausted) || errors.Is(err, model.ErrPoolClosed) {
			return
		}
		p.setHealth(endpoint, false, 0)
		p.logger.Warn("endpoint marked unhealthy", zap.String("endpoint", endpoint), zap.Error(err))
		return
	}
	start := time.Now()
	validated := p.runValidator(ctx, conn)
	elapsed := time.Since(start)
	p.Release(conn, validated)
	p.setHealth(endpoint, validated, elapsed)
	if !validated {
		p.logger.Warn("endpoint marked unhealthy", zap.String("endpoint", endpoint))
	}
}

func (p *Pool) setHealth(endpoint string, healthy bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[endpoint]
	if !ok {
		return
	}
	ep.healthy = healthy
	ep.checkLatency = latency
	if healthy {
		ep.weight = responseWeight(latency)
	}
}
