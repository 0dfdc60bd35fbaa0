package circuitbreaker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyrelay/gateway/internal/events"
	"github.com/skyrelay/gateway/internal/metrics"
	"github.com/skyrelay/gateway/internal/observability/logging"
	"github.com/skyrelay/gateway/internal/store"
)

// Shared-store key suffixes for mirrored breaker state.
const (
	keyState       = "state"
	keyFailures    = "failures"
	keyLastFailure = "lastFailure"
	keyNextAttempt = "nextAttempt"
)

// Service manages the per-upstream circuit breakers. Breakers for different
// services are fully independent; the service map is only locked for
// registration and lookup.
type Service struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	store   store.Store
	bus     *events.Bus
	metrics *metrics.Registry
	logger  *zap.Logger
	warner  *logging.ThrottledWarner

	// tracks service ids already logged as unregistered
	missingLogged sync.Map
}

// Option is a functional option for the Service.
type Option func(*Service)

// WithStore sets the shared store used for distributed mirroring.
func WithStore(s store.Store) Option {
	return func(svc *Service) {
		svc.store = s
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(svc *Service) {
		svc.metrics = m
	}
}

// WithWarner sets the throttled warner used for fail-local messages.
func WithWarner(w *logging.ThrottledWarner) Option {
	return func(svc *Service) {
		svc.warner = w
	}
}

// NewService creates a circuit breaker service.
func NewService(bus *events.Bus, logger *zap.Logger, opts ...Option) *Service {
	if bus == nil {
		bus = events.NewBus()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	svc := &Service{
		breakers: make(map[string]*Breaker),
		bus:      bus,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc
}

// Register creates a breaker for the service id, replacing any existing one.
// Distributed breakers hydrate from the shared store when mirrored state is
// present.
func (s *Service) Register(ctx context.Context, serviceID string, config *Config) {
	breaker := NewBreaker(serviceID, config, s.logger)

	if breaker.Config().Distributed && s.store != nil {
		s.hydrate(ctx, breaker)
	}

	s.mu.Lock()
	s.breakers[serviceID] = breaker
	s.mu.Unlock()

	s.missingLogged.Delete(serviceID)

	if s.metrics != nil {
		s.metrics.SetBreakerState(serviceID, int(breaker.State()))
	}
}

// Unregister removes a breaker.
func (s *Service) Unregister(serviceID string) {
	s.mu.Lock()
	delete(s.breakers, serviceID)
	s.mu.Unlock()
}

// IsAllowed reports whether a request for the service may proceed. An
// unregistered service id is always allowed; the miss is logged once.
func (s *Service) IsAllowed(ctx context.Context, serviceID string) bool {
	breaker := s.get(serviceID)
	if breaker == nil {
		if _, logged := s.missingLogged.LoadOrStore(serviceID, true); !logged {
			s.logger.Info("no circuit breaker registered, allowing all traffic",
				zap.String("service_id", serviceID),
			)
		}
		return true
	}

	allowed, tr := breaker.Allow()
	if tr.changed {
		s.afterTransition(ctx, breaker, tr)
	}
	return allowed
}

// RecordSuccess records a successful upstream call for the service.
func (s *Service) RecordSuccess(ctx context.Context, serviceID string) {
	breaker := s.get(serviceID)
	if breaker == nil {
		return
	}

	snap, tr := breaker.RecordSuccess()
	if s.metrics != nil {
		s.metrics.RecordBreakerSuccess(serviceID)
	}
	if tr.changed {
		s.afterTransition(ctx, breaker, tr)
	} else if breaker.Config().Distributed {
		s.mirror(ctx, breaker, snap)
	}
}

// RecordFailure records a failed upstream call for the service. The error
// kind labels the failure metric and event.
func (s *Service) RecordFailure(ctx context.Context, serviceID string, errMsg, errKind string) {
	breaker := s.get(serviceID)
	if breaker == nil {
		return
	}

	stateBefore := breaker.State()
	snap, tr := breaker.RecordFailure()

	if s.metrics != nil {
		s.metrics.RecordBreakerFailure(serviceID, errKind)
	}
	s.bus.Publish(events.TopicCircuitFailure, events.FailureEvent{
		ServiceID:      serviceID,
		Timestamp:      time.Now().UnixMilli(),
		ErrorMessage:   errMsg,
		ErrorKind:      errKind,
		StateAtFailure: stateBefore.String(),
	})

	if tr.changed {
		s.afterTransition(ctx, breaker, tr)
	} else if breaker.Config().Distributed {
		s.mirror(ctx, breaker, snap)
	}
}

// Reset forces a breaker back to the closed state.
func (s *Service) Reset(ctx context.Context, serviceID string) bool {
	breaker := s.get(serviceID)
	if breaker == nil {
		return false
	}

	snap, tr := breaker.Reset()
	s.bus.Publish(events.TopicCircuitReset, events.ResetEvent{
		ServiceID: serviceID,
		Timestamp: time.Now().UnixMilli(),
	})

	if tr.changed {
		s.afterTransition(ctx, breaker, tr)
	} else if breaker.Config().Distributed {
		s.mirror(ctx, breaker, snap)
	}
	return true
}

// Health returns a snapshot of every registered breaker.
func (s *Service) Health() map[string]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := make(map[string]Snapshot, len(s.breakers))
	for id, breaker := range s.breakers {
		health[id] = breaker.Snapshot()
	}
	return health
}

func (s *Service) get(serviceID string) *Breaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breakers[serviceID]
}

// afterTransition runs the side effects of a state change: state gauge,
// state-change event, and the distributed mirror write.
func (s *Service) afterTransition(ctx context.Context, breaker *Breaker, tr transition) {
	serviceID := breaker.ServiceID()

	if s.metrics != nil {
		s.metrics.SetBreakerState(serviceID, int(tr.to))
	}

	s.bus.Publish(events.TopicCircuitStateChange, events.StateChangeEvent{
		ServiceID: serviceID,
		From:      tr.from.String(),
		To:        tr.to.String(),
		Timestamp: time.Now().UnixMilli(),
	})

	if breaker.Config().Distributed {
		s.mirror(ctx, breaker, breaker.Snapshot())
	}
}

// mirror writes the breaker state to the shared store in one multi-op.
// Store failures degrade to local-only operation.
func (s *Service) mirror(ctx context.Context, breaker *Breaker, snap Snapshot) {
	if s.store == nil {
		return
	}

	serviceID := breaker.ServiceID()
	prefix := "circuit:" + serviceID + ":"
	pairs := map[string]string{
		prefix + keyState:       strconv.Itoa(int(snap.State)),
		prefix + keyFailures:    strconv.Itoa(snap.Failures),
		prefix + keyLastFailure: strconv.FormatInt(snap.LastFailureTime, 10),
		prefix + keyNextAttempt: strconv.FormatInt(snap.NextAttemptTime, 10),
	}

	callCtx, cancel := store.WithHotPathDeadline(ctx)
	defer cancel()

	if err := s.store.MSetWithExpiry(callCtx, pairs, breaker.Config().mirrorExpiry()); err != nil {
		s.warnFailLocal(serviceID, err)
	}
}

// hydrate loads mirrored state for the breaker from the shared store.
func (s *Service) hydrate(ctx context.Context, breaker *Breaker) {
	serviceID := breaker.ServiceID()
	prefix := "circuit:" + serviceID + ":"
	keys := []string{
		prefix + keyState,
		prefix + keyFailures,
		prefix + keyLastFailure,
		prefix + keyNextAttempt,
	}

	values, err := s.store.MGet(ctx, keys...)
	if err != nil {
		s.warnFailLocal(serviceID, err)
		return
	}

	stateStr, ok := values[prefix+keyState]
	if !ok {
		return
	}

	stateInt, err := strconv.Atoi(stateStr)
	if err != nil || stateInt < int(StateClosed) || stateInt > int(StateHalfOpen) {
		s.logger.Warn("ignoring invalid mirrored circuit state",
			zap.String("service_id", serviceID),
			zap.String("value", stateStr),
		)
		return
	}

	failures, _ := strconv.Atoi(values[prefix+keyFailures])
	lastFailure, _ := strconv.ParseInt(values[prefix+keyLastFailure], 10, 64)
	nextAttempt, _ := strconv.ParseInt(values[prefix+keyNextAttempt], 10, 64)

	breaker.Hydrate(State(stateInt), failures, lastFailure, nextAttempt)

	s.logger.Info("hydrated circuit breaker from shared store",
		zap.String("service_id", serviceID),
		zap.String("state", State(stateInt).String()),
		zap.Int("failures", failures),
	)
}

func (s *Service) warnFailLocal(serviceID string, err error) {
	if s.warner != nil {
		s.warner.Warn("circuit:"+serviceID,
			"shared store unavailable, circuit breaker degraded to local-only",
			zap.String("service_id", serviceID),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("shared store unavailable, circuit breaker degraded to local-only",
		zap.String("service_id", serviceID),
		zap.Error(err),
	)
}
