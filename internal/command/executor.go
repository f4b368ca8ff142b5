package command

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sunnyfields/scada-core/internal/device"
	"github.com/sunnyfields/scada-core/internal/store"
)

// Writer is the subset of device.Service the executor drives. Declared
// as an interface so tests can substitute a fake without a live
// Modbus socket.
type Writer interface {
	WriteRegister(plc string, address int, value uint16, verify bool) error
	WriteBitInRegister(plc string, address, bit int, value bool, verify bool) error
}

var _ Writer = (*device.Service)(nil)

// Options tunes the executor's retry behavior (spec.md §6 "Commands").
type Options struct {
	MaxRetries int
	BackoffS   float64
}

func (o Options) backoff(attempt int) time.Duration {
	b := o.BackoffS
	if b <= 0 {
		b = 0.25
	}
	return time.Duration(b * float64(attempt+1) * float64(time.Second))
}

// Executor is the Command Executor: one lazily-started worker
// goroutine per PLC that has ever seen a command, serializing writes
// per PLC (spec.md §4.F, §5 "One background worker per PLC that has
// seen commands (lazy)"). Grounded on command_executor.py's
// CommandExecutor.
type Executor struct {
	db      *store.DB
	writer  Writer
	opts    Options
	log     *slog.Logger
	onEvent func(payload map[string]any)

	mu      sync.Mutex
	queues  map[string]chan int64
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewExecutor constructs an Executor. Per §9, no worker goroutines
// start until Enqueue first needs one.
func NewExecutor(db *store.DB, writer Writer, opts Options, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		db:     db,
		writer: writer,
		opts:   opts,
		log:    log,
		queues: make(map[string]chan int64),
		stop:   make(chan struct{}),
	}
}

// SetBroadcast registers the command_log emit callback invoked on
// every status transition the worker persists.
func (e *Executor) SetBroadcast(fn func(payload map[string]any)) {
	e.onEvent = fn
}

func (e *Executor) emit(payload map[string]any) {
	if e.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("command: broadcast callback panicked", "recover", r)
		}
	}()
	e.onEvent(payload)
}

// Enqueue submits rowID for asynchronous execution against plc,
// lazily starting that PLC's worker on first use.
func (e *Executor) Enqueue(plc string, rowID int64) {
	e.mu.Lock()
	q, ok := e.queues[plc]
	if !ok {
		q = make(chan int64, 256)
		e.queues[plc] = q
		e.wg.Add(1)
		go e.worker(plc, q)
	}
	e.mu.Unlock()
	q <- rowID
}

// QueueDepths returns the number of commands currently buffered per
// PLC worker, for the command queue depth gauge (internal/metrics).
func (e *Executor) QueueDepths() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.queues))
	for plc, q := range e.queues {
		out[plc] = len(q)
	}
	return out
}

// Stop signals every worker to finish its current command and exit,
// then joins them with a bounded deadline (spec.md §5 "Executor
// shutdown joins all per-PLC workers with a bounded deadline").
func (e *Executor) Stop(timeout time.Duration) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stop)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warn("command: executor shutdown timed out, workers may still be running")
	}
}

func (e *Executor) worker(plc string, q chan int64) {
	defer e.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-e.stop:
			return
		case rowID, ok := <-q:
			if !ok {
				return
			}
			e.runOne(ctx, plc, rowID)
		}
	}
}

// runOne executes a single queued command through its retry loop,
// grounded on command_executor.py's _worker body.
func (e *Executor) runOne(ctx context.Context, plc string, rowID int64) {
	row, err := e.db.GetCommandByRowID(ctx, rowID)
	if err != nil {
		e.log.Error("command: load failed", "plc", plc, "row_id", rowID, "error", err)
		return
	}
	if row.Status != "queued" {
		return
	}

	if err := e.persistStatus(ctx, rowID, "executing", row.Attempts, nil); err != nil {
		e.log.Error("command: transition to executing failed", "row_id", rowID, "error", err)
		return
	}
	row.Status = "executing"
	e.emit(buildCommandLogPayload(row, "executing", nil))

	var ok bool
	var cancelled bool
	var lastErr string

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		fresh, err := e.db.GetCommandByRowID(ctx, rowID)
		if err == nil && fresh.Status == "cancelled" {
			row = fresh
			cancelled = true
			break
		}

		row.Attempts = attempt + 1
		if err := e.persistStatus(ctx, rowID, "executing", row.Attempts, nil); err != nil {
			e.log.Error("command: attempt count update failed", "row_id", rowID, "error", err)
		}

		execErr := e.execute(row)
		if execErr == nil {
			ok = true
			break
		}
		lastErr = execErr.Error()
		e.log.Warn("command: execution attempt failed", "plc", plc, "row_id", rowID, "attempt", attempt, "error", execErr)

		if attempt < e.opts.MaxRetries {
			select {
			case <-time.After(e.opts.backoff(attempt)):
			case <-e.stop:
				goto done
			}
		}
	}
done:

	if cancelled {
		e.persistStatus(ctx, rowID, "cancelled", row.Attempts, nil)
		row.Status = "cancelled"
		e.emit(buildCommandLogPayload(row, "cancelled", nil))
		return
	}

	finalStatus := "failed"
	var errMsg *string
	if ok {
		finalStatus = "success"
	} else {
		msg := lastErr
		errMsg = &msg
	}
	if err := e.persistStatus(ctx, rowID, finalStatus, row.Attempts, errMsg); err != nil {
		e.log.Error("command: final transition failed", "row_id", rowID, "error", err)
		return
	}
	row.Status = finalStatus
	row.Error = errMsg
	e.emit(buildCommandLogPayload(row, finalStatus, errMsg))
}

// persistStatus updates the command row and appends its lifecycle
// event in one transaction (spec.md §8 "events with statuses
// {queued,executing,s} in ascending ts").
func (e *Executor) persistStatus(ctx context.Context, rowID int64, status string, attempts int, message *string) error {
	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.db.SetCommandStatus(ctx, tx, rowID, status, attempts, message); err != nil {
			return err
		}
		return e.db.AddCommandEvent(ctx, tx, rowID, status, message, nil)
	})
}

// execute dispatches one write attempt per the command's persisted
// payload, grounded on command_executor.py's _execute.
func (e *Executor) execute(row store.CommandRow) error {
	addrAny, ok := row.Payload["address"]
	if !ok {
		return fmt.Errorf("command: payload missing address")
	}
	addr4x := toInt(addrAny)
	offset := addr4x - 40001

	switch row.Kind {
	case "bit":
		bit := toInt(row.Payload["bit"])
		value := toInt(row.Payload["value"])
		return e.writer.WriteBitInRegister(row.PLCName, offset, bit, value != 0, true)
	case "register":
		value := toInt(row.Payload["value"])
		verify, _ := row.Payload["verify"].(bool)
		return e.writer.WriteRegister(row.PLCName, offset, uint16(value), verify)
	default:
		return fmt.Errorf("command: unsupported command kind %q", row.Kind)
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
