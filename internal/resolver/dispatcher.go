package resolver

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/linkresolver/internal/config"
	"github.com/sells-group/linkresolver/internal/metrics"
	"github.com/sells-group/linkresolver/internal/resilience"
)

// Dispatcher runs services for a request on a bounded worker pool and
// records each run's outcome on the ledger.
type Dispatcher struct {
	limit    int
	timeout  time.Duration
	retry    resilience.RetryConfig
	breakers *resilience.ServiceBreakers
	log      *zap.Logger
}

// NewDispatcher builds a Dispatcher from the dispatch settings.
func NewDispatcher(cfg config.DispatchConfig) *Dispatcher {
	retry, circuit := resilience.FromDispatchConfig(cfg)
	log := zap.L().With(zap.String("component", "dispatcher"))

	breakers := resilience.NewServiceBreakers(circuit)
	breakers.OnStateChange = func(serviceID string, from, to resilience.CircuitState) {
		open := 0.0
		if to == resilience.CircuitOpen {
			open = 1
		}
		metrics.CircuitOpen.WithLabelValues(serviceID).Set(open)
		log.Warn("circuit state change",
			zap.String("service", serviceID),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	limit := cfg.MaxConcurrentServices
	if limit <= 0 {
		limit = 1
	}
	return &Dispatcher{
		limit:    limit,
		timeout:  time.Duration(cfg.ServiceTimeoutSecs) * time.Second,
		retry:    retry,
		breakers: breakers,
		log:      log,
	}
}

// Breakers exposes the per-service circuit breakers.
func (d *Dispatcher) Breakers() *resilience.ServiceBreakers { return d.breakers }

// Run executes services for req concurrently. A service that cannot be
// claimed (already running, finished, or fatally failed) is skipped. Service
// failures are recorded and never fail Run; ledger write errors do.
func (d *Dispatcher) Run(ctx context.Context, req *Request, services []Service) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.limit)

	for _, svc := range services {
		g.Go(func() error {
			return d.runOne(gctx, req, svc)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runOne(ctx context.Context, req *Request, svc Service) error {
	id := svc.ID()
	log := d.log.With(zap.String("request_id", req.ID), zap.String("service", id))

	claimed, err := req.Claim(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("service not dispatchable, skipping")
		return nil
	}

	ctx, span := otel.Tracer("linkresolver/resolver").Start(ctx, "service "+id)
	span.SetAttributes(attribute.String("request_id", req.ID), attribute.String("service", id))
	defer span.End()

	start := time.Now()
	runErr := d.invoke(ctx, req, svc)
	elapsed := time.Since(start)

	status, detail := resilience.Classify(runErr)
	span.SetAttributes(attribute.String("status", string(status)))
	if runErr != nil {
		span.SetStatus(codes.Error, detail)
	}
	metrics.ServiceDuration.WithLabelValues(id, string(status)).Observe(elapsed.Seconds())

	// The outcome must be written even when ctx was cancelled mid-run.
	recordCtx := context.WithoutCancel(ctx)
	if _, err := req.RecordStatus(recordCtx, id, status, detail); err != nil {
		return err
	}

	fields := []zap.Field{zap.String("status", string(status)), zap.Duration("elapsed", elapsed)}
	if runErr != nil {
		log.Warn("service failed", append(fields, zap.Error(runErr))...)
	} else {
		log.Info("service complete", fields...)
	}
	return nil
}

// invoke calls the service through its circuit breaker, retrying transient
// failures only while the service has not yet added any response.
func (d *Dispatcher) invoke(ctx context.Context, req *Request, svc Service) error {
	id := svc.ID()
	breaker := d.breakers.Get(id)
	before := req.addedBy(id)

	retry := d.retry
	retry.OnRetry = resilience.RetryLogger(id, "handle")
	retry.ShouldRetry = func(err error) bool {
		return resilience.IsTransient(err) && req.addedBy(id) == before
	}

	return resilience.Do(ctx, retry, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			if d.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d.timeout)
				defer cancel()
			}
			return safeHandle(ctx, svc, req)
		})
	})
}

func safeHandle(ctx context.Context, svc Service, req *Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("service panicked",
				zap.String("service", svc.ID()),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = resilience.Permanent(eris.New(fmt.Sprintf("panic: %v", p)))
		}
	}()
	return svc.Handle(ctx, req)
}
