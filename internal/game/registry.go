package game

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jason-s-yu/tileclash/internal/apperr"
	"github.com/jason-s-yu/tileclash/internal/queue"
	"github.com/jason-s-yu/tileclash/internal/ruleset"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultCleanupInterval is how often the registry sweeps expired grace
// periods and finished instances.
const DefaultCleanupInterval = 10 * time.Second

// Transport delivers instance events to connected players.
type Transport interface {
	Broadcast(instanceID string, ev Event)
	SendTo(instanceID, playerID string, ev Event)
}

// Publisher fans broadcast events out to other processes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// SessionSweeper is a Sessions that can also purge expired records.
type SessionSweeper interface {
	Sessions
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// RegistryConfig holds the collaborators shared by every instance.
type RegistryConfig struct {
	Rulesets  ruleset.Provider
	Limiter   queue.Limiter
	Sessions  SessionSweeper
	Transport Transport
	Publisher Publisher

	QueueCapacity   int
	BatchSize       int
	TickInterval    time.Duration
	GracePeriod     time.Duration
	StoreTimeout    time.Duration
	CleanupInterval time.Duration

	Clock  func() time.Time
	Logger logrus.FieldLogger
}

// Registry owns the instances of this process and runs their loops.
type Registry struct {
	cfg RegistryConfig
	log logrus.FieldLogger

	mu        sync.Mutex
	instances map[string]*Instance
	group     *errgroup.Group
	runCtx    context.Context
	closed    bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}
	return &Registry{cfg: cfg, log: log, instances: make(map[string]*Instance)}
}

// Create builds an instance from a ruleset version and, if the registry is
// running, starts its loop.
func (r *Registry) Create(id, rulesetVersion string) (*Instance, error) {
	if r.cfg.Rulesets == nil {
		return nil, errors.New("registry has no ruleset provider")
	}
	rs, err := r.cfg.Rulesets.Get(rulesetVersion)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperr.State(apperr.CodeInstanceNotActive, "registry is shut down")
	}
	if _, exists := r.instances[id]; exists {
		return nil, apperr.Conflict(apperr.CodeDuplicate, "instance %s already exists", id)
	}

	params := Params{
		ID:            id,
		Ruleset:       rs,
		Limiter:       r.cfg.Limiter,
		QueueCapacity: r.cfg.QueueCapacity,
		BatchSize:     r.cfg.BatchSize,
		TickInterval:  r.cfg.TickInterval,
		GracePeriod:   r.cfg.GracePeriod,
		StoreTimeout:  r.cfg.StoreTimeout,
		Clock:         r.cfg.Clock,
		Logger:        r.log,
	}
	if r.cfg.Sessions != nil {
		params.Sessions = r.cfg.Sessions
	}
	in, err := NewInstance(params)
	if err != nil {
		return nil, err
	}
	r.wire(in)
	r.instances[id] = in
	if r.group != nil {
		r.startLocked(in)
	}
	r.log.WithFields(logrus.Fields{"instance_id": id, "ruleset": rs.Version}).Info("instance created")
	return in, nil
}

// wire connects an instance's callbacks to the transport and publisher.
func (r *Registry) wire(in *Instance) {
	id := in.ID
	in.BroadcastFn = func(ev Event) {
		if r.cfg.Transport != nil {
			r.cfg.Transport.Broadcast(id, ev)
		}
		r.publish(ev)
	}
	in.BroadcastToPlayerFn = func(playerID string, ev Event) {
		if r.cfg.Transport != nil {
			r.cfg.Transport.SendTo(id, playerID, ev)
		}
	}
}

// publish hands ev to the publisher asynchronously with a short timeout.
func (r *Registry) publish(ev Event) {
	if r.cfg.Publisher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
		defer cancel()
		if err := r.cfg.Publisher.Publish(ctx, ev); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"instance_id": ev.InstanceID,
				"event":       ev.Type,
			}).Warn("failed publishing event")
		}
	}()
}

// Get returns a live instance.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.instances[id]
	if !ok {
		return nil, apperr.NotFound("instance %s not found", id)
	}
	return in, nil
}

// IDs lists the registered instance ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove terminates and forgets an instance.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	in, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()
	if !ok {
		return apperr.NotFound("instance %s not found", id)
	}
	in.Terminate("removed")
	return nil
}

func (r *Registry) snapshotInstances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, in := range r.instances {
		out = append(out, in)
	}
	return out
}

// startLocked runs an instance loop in the registry group. Assumes r.mu is
// held.
func (r *Registry) startLocked(in *Instance) {
	ctx := r.runCtx
	r.group.Go(func() error {
		return in.Run(ctx)
	})
}

// Run starts every instance loop plus the cleanup sweep and blocks until ctx
// is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	r.mu.Lock()
	if r.group != nil {
		r.mu.Unlock()
		return errors.New("registry is already running")
	}
	r.group = g
	r.runCtx = gctx
	for _, in := range r.instances {
		r.startLocked(in)
	}
	r.mu.Unlock()

	g.Go(func() error {
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				r.Sweep(gctx)
			}
		}
	})
	return g.Wait()
}

// Sweep purges expired reconnect sessions, removes players whose grace ran
// out, and forgets instances that have finished.
func (r *Registry) Sweep(ctx context.Context) {
	if r.cfg.Sessions != nil {
		sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		n, err := r.cfg.Sessions.CleanupExpiredSessions(sctx)
		cancel()
		if err != nil {
			r.log.WithError(err).Warn("reconnect session sweep failed")
		} else if n > 0 {
			r.log.WithField("evicted", n).Debug("reconnect sessions evicted")
		}
	}

	for _, in := range r.snapshotInstances() {
		switch in.Status() {
		case StatusEnded, StatusTerminated:
			r.mu.Lock()
			if r.instances[in.ID] == in {
				delete(r.instances, in.ID)
			}
			r.mu.Unlock()
			r.log.WithField("instance_id", in.ID).Info("finished instance removed")
			continue
		}
		if expired := in.ExpireDisconnected(ctx); len(expired) > 0 {
			r.log.WithFields(logrus.Fields{"instance_id": in.ID, "players": expired}).Info("expired disconnected players")
		}
	}
}

// Shutdown terminates every instance and refuses new ones.
func (r *Registry) Shutdown(reason string) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	for _, in := range r.snapshotInstances() {
		in.Terminate(reason)
	}
}
