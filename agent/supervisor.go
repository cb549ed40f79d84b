package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/measurementplane/capability"
	"github.com/BaSui01/measurementplane/internal/metrics"
	"github.com/BaSui01/measurementplane/internal/telemetry"
	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/schedule"
	"github.com/BaSui01/measurementplane/transport"
	"github.com/BaSui01/measurementplane/types"
)

// State is the lifecycle state of a running measurement.
type State int

const (
	// StateIdle means no measurement exists for the id.
	StateIdle State = iota
	// StateScheduled means the measurement waits for its start time.
	StateScheduled
	// StateRunning means the capability is executing.
	StateRunning
	// StateDraining means the last operation was withdrawn and the
	// execution is being joined before the EOF result.
	StateDraining
	// StateCompleting means the execution ended on its own and the EOF
	// result is being published.
	StateCompleting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCompleting:
		return "completing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const defaultPublishTimeout = 5 * time.Second

// runningMeasurement is the supervisor's record for one measurement id.
type runningMeasurement struct {
	id         string
	spec       *message.Message
	capability capability.Capability
	operations map[string]struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	state      State
	// queued holds specifications that arrived while draining or
	// completing. They start a new execution after the EOF.
	queued []queuedSpec
}

type queuedSpec struct {
	spec       *message.Message
	capability capability.Capability
}

// ending reports whether the execution is past the point where operations
// can join it.
func (rm *runningMeasurement) ending() bool {
	return rm.state == StateDraining || rm.state == StateCompleting
}

// dequeue drops the queued specification carrying opID.
func (rm *runningMeasurement) dequeue(opID string) bool {
	for i, q := range rm.queued {
		if id, err := message.OperationID(q.spec); err == nil && id == opID {
			rm.queued = append(rm.queued[:i], rm.queued[i+1:]...)
			return true
		}
	}
	return false
}

// Supervisor runs measurements for an agent. Specifications that derive the
// same measurement id share one execution; each contributes an operation id,
// and the execution ends once every operation id has been withdrawn.
type Supervisor struct {
	transport transport.Transport
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	now       func() time.Time

	publishTimeout time.Duration

	mu      sync.Mutex
	running map[string]*runningMeasurement
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor that publishes results on t. A nil
// clock uses time.Now.
func NewSupervisor(t transport.Transport, logger *zap.Logger, collector *metrics.Collector, clock func() time.Time) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		transport:      t,
		logger:         logger.With(zap.String("component", "supervisor")),
		metrics:        collector,
		tracer:         telemetry.Tracer("agent"),
		now:            clock,
		publishTimeout: defaultPublishTimeout,
		running:        make(map[string]*runningMeasurement),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Submit registers the operation carried by spec. It starts an execution
// when the measurement id is new and reports whether it did. Identity or
// schedule errors are returned and nothing is registered.
func (s *Supervisor) Submit(spec *message.Message, c capability.Capability) (bool, error) {
	mid, err := message.MeasurementID(spec)
	if err != nil {
		return false, err
	}
	opID, err := message.OperationID(spec)
	if err != nil {
		return false, err
	}
	sched, err := schedule.ParseAt(spec.Schedule, s.now())
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, types.NewError(types.ErrTaskFailed, "supervisor is shut down")
	}

	if rm, ok := s.running[mid]; ok {
		if rm.ending() {
			rm.queued = append(rm.queued, queuedSpec{spec: spec.Clone(), capability: c})
			s.logger.Debug("measurement ending, specification queued",
				zap.String("measurement_id", mid),
				zap.String("operation_id", opID),
				zap.Stringer("state", rm.state),
			)
			return false, nil
		}
		rm.operations[opID] = struct{}{}
		s.logger.Debug("operation joined running measurement",
			zap.String("measurement_id", mid),
			zap.String("operation_id", opID),
			zap.Int("operations", len(rm.operations)),
		)
		return false, nil
	}

	ctx, cancel := context.WithCancel(s.ctx)
	rm := &runningMeasurement{
		id:         mid,
		spec:       spec.Clone(),
		capability: c,
		operations: map[string]struct{}{opID: {}},
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateScheduled,
	}
	s.running[mid] = rm
	s.metrics.SetRunningMeasurements(len(s.running))

	s.wg.Add(1)
	go s.run(ctx, rm, sched)

	s.logger.Info("measurement started",
		zap.String("measurement_id", mid),
		zap.String("capability", spec.CapabilityName),
		zap.String("schedule", spec.Schedule),
	)
	return true, nil
}

// Withdraw removes the operation carried by interrupt. When it was the last
// one, the execution is cancelled and joined on a supervisor goroutine, the
// measurement is removed and one EOF result is published; the returned
// channel closes after that. Otherwise the channel is already closed.
func (s *Supervisor) Withdraw(interrupt *message.Message) (<-chan struct{}, error) {
	mid, err := message.MeasurementID(interrupt)
	if err != nil {
		return nil, err
	}
	opID, err := message.OperationID(interrupt)
	if err != nil {
		return nil, err
	}

	drained := make(chan struct{})

	s.mu.Lock()
	rm, ok := s.running[mid]
	if !ok {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrUnknownMeasurement, "no running measurement "+mid)
	}
	if rm.ending() {
		queued := rm.dequeue(opID)
		s.mu.Unlock()
		if queued {
			close(drained)
			return drained, nil
		}
		return nil, types.NewError(types.ErrUnknownMeasurement, "measurement "+mid+" is already "+rm.state.String())
	}

	if _, ok := rm.operations[opID]; ok {
		delete(rm.operations, opID)
	} else {
		s.logger.Warn("interrupt for unknown operation",
			zap.String("measurement_id", mid),
			zap.String("operation_id", opID),
		)
	}

	if len(rm.operations) > 0 {
		s.mu.Unlock()
		close(drained)
		return drained, nil
	}

	rm.state = StateDraining
	rm.cancel()
	s.wg.Add(1)
	s.mu.Unlock()

	go s.drain(rm, drained)
	return drained, nil
}

// drain joins a cancelled execution, publishes its EOF and removes it.
func (s *Supervisor) drain(rm *runningMeasurement, drained chan struct{}) {
	defer s.wg.Done()

	<-rm.done
	s.retire(rm)
	s.logger.Info("measurement withdrawn", zap.String("measurement_id", rm.id))
	close(drained)
}

// retire publishes the EOF of an ended execution, then removes it and
// restarts the specifications queued meanwhile. The entry stays in place
// until the EOF is out, so a specification for the same id cannot start a
// new execution whose subscribers would see the old EOF.
func (s *Supervisor) retire(rm *runningMeasurement) {
	s.publishEOF(rm)

	s.mu.Lock()
	if s.running[rm.id] == rm {
		delete(s.running, rm.id)
	}
	queued := rm.queued
	rm.queued = nil
	s.metrics.SetRunningMeasurements(len(s.running))
	s.mu.Unlock()

	for _, q := range queued {
		if _, err := s.Submit(q.spec, q.capability); err != nil {
			s.logger.Warn("failed to restart queued specification",
				zap.String("measurement_id", rm.id),
				zap.Error(err),
			)
		}
	}
}

// State returns the state of the measurement with id mid.
func (s *Supervisor) State(mid string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.running[mid]; ok {
		return rm.state
	}
	return StateIdle
}

// Operations returns the number of outstanding operation ids for mid.
func (s *Supervisor) Operations(mid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.running[mid]; ok {
		return len(rm.operations)
	}
	return 0
}

// Len returns the number of measurements the supervisor holds.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown cancels every measurement and waits for all executions to
// return or ctx to end. Executions that end this way still publish EOF.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown: %w", ctx.Err())
	}
}

// =============================================================================
// Execution
// =============================================================================

func (s *Supervisor) run(ctx context.Context, rm *runningMeasurement, sched schedule.Schedule) {
	defer s.wg.Done()

	ctx, span := s.tracer.Start(ctx, "measurement.run",
		trace.WithAttributes(telemetry.SpecAttributes(rm.spec, rm.id)...))

	s.execute(ctx, rm, sched)
	span.End()

	s.mu.Lock()
	draining := rm.state == StateDraining
	if !draining {
		rm.state = StateCompleting
	}
	s.mu.Unlock()
	close(rm.done)

	if draining {
		return
	}
	s.retire(rm)
	s.logger.Info("measurement completed", zap.String("measurement_id", rm.id))
}

func (s *Supervisor) execute(ctx context.Context, rm *runningMeasurement, sched schedule.Schedule) {
	if wait := sched.Start.Sub(s.now()); wait > 0 {
		if !sleep(ctx, wait) {
			return
		}
	}
	s.markRunning(rm)

	if sched.Stream {
		if streamer, ok := rm.capability.(capability.Streamer); ok {
			s.stream(ctx, rm, streamer, sched)
			return
		}
	}

	for {
		if ctx.Err() != nil || sched.Expired(s.now()) {
			return
		}
		if finished := s.invoke(ctx, rm); finished || sched.Once() {
			return
		}
		if sched.Periodicity > 0 && !sleep(ctx, sched.Periodicity) {
			return
		}
	}
}

func (s *Supervisor) stream(ctx context.Context, rm *runningMeasurement, streamer capability.Streamer, sched schedule.Schedule) {
	if sched.HasStop() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, sched.Stop)
		defer cancel()
	}

	defer s.recoverTask(ctx, rm)
	err := streamer.Stream(ctx, copyParams(rm.spec.Parameters), func(value any) error {
		return s.emit(ctx, rm, value)
	})
	if err != nil && ctx.Err() == nil && !errors.Is(err, capability.ErrDone) {
		s.taskFailed(ctx, rm, "error", err)
	}
}

// invoke runs the capability once and publishes a non-empty return. It
// reports whether the capability declared the measurement finished.
func (s *Supervisor) invoke(ctx context.Context, rm *runningMeasurement) (finished bool) {
	defer s.recoverTask(ctx, rm)

	value, err := rm.capability.Execute(ctx, copyParams(rm.spec.Parameters))
	if errors.Is(err, capability.ErrDone) {
		finished, err = true, nil
	}
	if err != nil {
		if ctx.Err() == nil {
			s.taskFailed(ctx, rm, "error", err)
		}
		return false
	}
	if capability.IsEmpty(value) {
		return finished
	}
	if err := s.emit(ctx, rm, value); err != nil {
		s.logger.Warn("failed to publish result",
			zap.String("measurement_id", rm.id),
			zap.Error(err),
		)
	}
	return finished
}

// emit publishes one result unless the execution was cancelled, so no
// result can follow the EOF of a withdrawn measurement.
func (s *Supervisor) emit(ctx context.Context, rm *runningMeasurement, value any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := s.publish(ctx, rm, rm.spec.Result(s.now(), value)); err != nil {
		return err
	}
	s.metrics.RecordResultPublished(rm.spec.CapabilityName)
	return nil
}

func (s *Supervisor) publishEOF(rm *runningMeasurement) {
	ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
	defer cancel()
	if err := s.publish(ctx, rm, rm.spec.EOF(s.now())); err != nil {
		s.logger.Error("failed to publish EOF",
			zap.String("measurement_id", rm.id),
			zap.Error(err),
		)
		return
	}
	s.metrics.RecordEOFPublished()
}

func (s *Supervisor) publish(ctx context.Context, rm *runningMeasurement, result *message.Message) error {
	body, err := message.Encode(result)
	if err != nil {
		return err
	}
	return s.transport.Publish(ctx, message.ResultsTopic(rm.id), body, "")
}

func (s *Supervisor) recoverTask(ctx context.Context, rm *runningMeasurement) {
	if r := recover(); r != nil {
		s.taskFailed(ctx, rm, "panic", fmt.Errorf("panic: %v", r))
		s.logger.Debug("task panic stack", zap.ByteString("stack", debug.Stack()))
	}
}

func (s *Supervisor) taskFailed(ctx context.Context, rm *runningMeasurement, reason string, err error) {
	s.metrics.RecordTaskFailure(rm.spec.CapabilityName, reason)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, err.Error())
	s.logger.Error("measurement task failed",
		zap.String("measurement_id", rm.id),
		zap.String("capability", rm.spec.CapabilityName),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

func (s *Supervisor) markRunning(rm *runningMeasurement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm.state == StateScheduled {
		rm.state = StateRunning
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
