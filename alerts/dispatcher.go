package alerts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Log writes alerts to a zap logger. It is the fallback when no channel is configured.
type Log struct {
	log *zap.Logger
}

// NewLog creates a log-only notifier
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{log: logger.Named("alerts")}
}

func (l *Log) NotifyExecution(_ context.Context, a ExecutionAlert) error {
	l.log.Info("execution alert", zap.String("alert", FormatExecution(a)))
	return nil
}

func (l *Log) NotifyError(_ context.Context, a ErrorAlert) error {
	l.log.Warn("error alert", zap.String("alert", FormatError(a)))
	return nil
}

func (l *Log) NotifyCritical(_ context.Context, title, msg string) error {
	l.log.Error("critical alert", zap.String("title", title), zap.String("alert", SanitizeText(msg)))
	return nil
}

// Multi fans an alert out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) NotifyExecution(ctx context.Context, a ExecutionAlert) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.NotifyExecution(ctx, a))
	}
	return err
}

func (m Multi) NotifyError(ctx context.Context, a ErrorAlert) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.NotifyError(ctx, a))
	}
	return err
}

func (m Multi) NotifyCritical(ctx context.Context, title, msg string) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.NotifyCritical(ctx, title, msg))
	}
	return err
}

// Dispatcher sends alerts in the background with a per-alert timeout.
// Send never blocks the caller and a panicking notifier is contained.
type Dispatcher struct {
	n       Notifier
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher wraps n. timeout defaults to 10s.
func NewDispatcher(n Notifier, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = NewLog(logger)
	}
	return &Dispatcher{n: n, timeout: timeout, log: logger.Named("alert_dispatcher")}
}

// Execution sends an execution alert
func (d *Dispatcher) Execution(a ExecutionAlert) {
	d.dispatch("execution", func(ctx context.Context) error { return d.n.NotifyExecution(ctx, a) })
}

// Error sends an error alert
func (d *Dispatcher) Error(a ErrorAlert) {
	d.dispatch("error", func(ctx context.Context) error { return d.n.NotifyError(ctx, a) })
}

// Critical sends a critical alert
func (d *Dispatcher) Critical(title, msg string) {
	d.dispatch("critical", func(ctx context.Context) error { return d.n.NotifyCritical(ctx, title, msg) })
}

func (d *Dispatcher) dispatch(kind string, send func(ctx context.Context) error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Debug("alert dropped after close", zap.String("kind", kind))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("notifier panicked", zap.String("kind", kind), zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := send(ctx); err != nil {
			d.log.Warn("alert delivery failed", zap.String("kind", kind), zap.String("error", SanitizeError(err)))
		}
	}()
}

// Wait blocks until every in-flight alert finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting alerts and waits for in-flight ones
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
