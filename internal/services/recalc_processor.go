package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"splitledger/internal/amqp"
	"splitledger/internal/core"
	"splitledger/internal/log"
)

// RecalcProcessorConfig holds configuration for the recalculation processor
type RecalcProcessorConfig struct {
	// FullInterval is how often every scope is rebuilt (default: 1h, 0 disables)
	FullInterval time.Duration

	// QueueSize bounds the number of distinct scopes waiting for a rebuild (default: 64)
	QueueSize int
}

// DefaultRecalcProcessorConfig returns sensible defaults
func DefaultRecalcProcessorConfig() RecalcProcessorConfig {
	return RecalcProcessorConfig{
		FullInterval: time.Hour,
		QueueSize:    64,
	}
}

// RecalcProcessor rebuilds scope balances in the background: all scopes on a
// timer and single scopes on demand.
type RecalcProcessor struct {
	expenses *ExpenseService
	config   RecalcProcessorConfig
	logger   *log.Logger

	queue   chan core.Scope
	pending map[core.Scope]bool
	all     chan struct{}

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewRecalcProcessor(expenses *ExpenseService, config RecalcProcessorConfig) *RecalcProcessor {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultRecalcProcessorConfig().QueueSize
	}
	return &RecalcProcessor{
		expenses: expenses,
		config:   config,
		logger:   expenses.logger.WithComponent(log.ComponentWorker),
		queue:    make(chan core.Scope, config.QueueSize),
		pending:  make(map[core.Scope]bool),
		all:      make(chan struct{}, 1),
	}
}

// Start begins the processing loop. Returns an error if already running.
func (p *RecalcProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("recalc processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.runLoop(ctx)

	p.logger.InfoContext(ctx, "Recalc processor started",
		"full_interval", p.config.FullInterval,
		"queue_size", p.config.QueueSize)
	return nil
}

// Stop gracefully stops the processor and waits for the current rebuild.
func (p *RecalcProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
		p.logger.InfoContext(ctx, "Recalc processor stopped gracefully")
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "Recalc processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *RecalcProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Enqueue schedules a rebuild of scope. A scope already waiting is not queued
// twice. It returns false when the queue is full.
func (p *RecalcProcessor) Enqueue(scope core.Scope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[scope] {
		return true
	}
	select {
	case p.queue <- scope:
		p.pending[scope] = true
		return true
	default:
		return false
	}
}

// EnqueueAll schedules a rebuild of every scope.
func (p *RecalcProcessor) EnqueueAll() {
	select {
	case p.all <- struct{}{}:
	default:
	}
}

// HandleRecalculateRequest queues the rebuild asked for by req. It has the
// signature expected by amqp.Client.ConsumeRecalculateRequests.
func (p *RecalcProcessor) HandleRecalculateRequest(ctx context.Context, req *amqp.RecalculateRequest) error {
	if req.All {
		p.EnqueueAll()
		return nil
	}
	if req.GroupID < 0 {
		return fmt.Errorf("%w: negative group id %d", core.ErrInvalidInput, req.GroupID)
	}
	if !p.Enqueue(core.GroupScope(core.GroupID(req.GroupID))) {
		return fmt.Errorf("%w: recalc queue full", core.ErrStorageFailure)
	}
	p.logger.DebugContext(ctx, "Recalculation queued",
		log.FieldScope, core.GroupScope(core.GroupID(req.GroupID)).String(),
		"requested_by", req.RequestedBy)
	return nil
}

func (p *RecalcProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	var tick <-chan time.Time
	if p.config.FullInterval > 0 {
		ticker := time.NewTicker(p.config.FullInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-tick:
			p.recalculateAll(ctx)
		case <-p.all:
			p.recalculateAll(ctx)
		case scope := <-p.queue:
			p.mu.Lock()
			delete(p.pending, scope)
			p.mu.Unlock()
			p.recalculate(ctx, scope)
		}
	}
}

func (p *RecalcProcessor) recalculate(ctx context.Context, scope core.Scope) {
	n, err := p.expenses.Recalculate(ctx, scope)
	if err != nil {
		p.logger.ErrorContext(ctx, "Scope recalculation failed",
			log.FieldScope, scope.String(),
			log.FieldError, err.Error())
		return
	}
	p.logger.InfoContext(ctx, "Scope recalculated",
		log.FieldScope, scope.String(),
		log.FieldEntries, n)
}

func (p *RecalcProcessor) recalculateAll(ctx context.Context) {
	start := time.Now()
	res, err := p.expenses.RecalculateAll(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Full recalculation failed", log.FieldError, err.Error())
		return
	}
	p.logger.InfoContext(ctx, "Full recalculation finished",
		"scopes", len(res),
		log.FieldDuration, time.Since(start).Milliseconds())
}
