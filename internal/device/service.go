// Package device implements the Modbus device service (spec.md §4.A):
// a connection-pooled, per-PLC-serialized driver for Modbus/TCP
// holding-register I/O, with lazy reconnect, retry-with-backoff, and a
// read-only health snapshot.
//
// Grounded on original_source/sunny_scada/modbus_service.py
// (ModbusService, plc_lock(), _ensure_connected_locked, _execute).
package device

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// PLCConfig is one roster entry: name, network address, and the
// Modbus unit identifier (almost always 0 or 1 for TCP gateways).
type PLCConfig struct {
	Name   string
	Host   string
	Port   int
	UnitID byte
}

func (c PLCConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Health is the read-only per-PLC accounting exposed by HealthSnapshot.
type Health struct {
	Connected          bool
	LastOK             time.Time
	LastError          string
	LastErrorTS        time.Time
	ConsecutiveFailures int
}

// Options tunes retry/backoff behavior (spec.md §6 "Config knobs").
type Options struct {
	TimeoutS        float64
	Retries         int
	BackoffS        float64
	MaxBackoffS     float64
	ReconnectBaseS  float64
	ReconnectMaxS   float64
}

func (o Options) timeout() time.Duration {
	return time.Duration(o.TimeoutS * float64(time.Second))
}

type plcState struct {
	mu           sync.Mutex
	cfg          PLCConfig
	client       *conn
	health       Health
	lastAttempt  time.Time
}

// Service is the process-wide singleton Device Service. Per §9,
// constructors never perform I/O — sockets are opened lazily on first
// use from New's registered roster.
type Service struct {
	opts Options
	log  *slog.Logger

	mu    sync.RWMutex
	plcs  map[string]*plcState
}

// New constructs a Device Service over the given PLC roster. No
// network I/O happens here.
func New(roster []PLCConfig, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{opts: opts, log: log, plcs: make(map[string]*plcState)}
	for _, c := range roster {
		s.plcs[c.Name] = &plcState{cfg: c}
	}
	return s
}

func (s *Service) state(plc string) (*plcState, error) {
	s.mu.RLock()
	st, ok := s.plcs[plc]
	s.mu.RUnlock()
	if !ok {
		return nil, &UnknownPLCError{PLC: plc}
	}
	return st, nil
}

// PLCNames returns the configured roster names.
func (s *Service) PLCNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.plcs))
	for n := range s.plcs {
		names = append(names, n)
	}
	return names
}

// Lock acquires the per-PLC exclusive lock that every Service call
// takes internally and returns its unlock func, for callers composing
// multi-step sequences against one PLC. The lock is a plain sync.Mutex
// and is not re-entrant: a Service call for the same PLC made while it
// is held blocks until the unlock func runs.
func (s *Service) Lock(plc string) (func(), error) {
	st, err := s.state(plc)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	return st.mu.Unlock, nil
}

// HealthSnapshot returns a copy of the current per-PLC health
// accounting.
func (s *Service) HealthSnapshot() map[string]Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Health, len(s.plcs))
	for name, st := range s.plcs {
		st.mu.Lock()
		out[name] = st.health
		st.mu.Unlock()
	}
	return out
}

func (st *plcState) markOK() {
	st.health.Connected = true
	st.health.LastOK = time.Now().UTC()
	st.health.ConsecutiveFailures = 0
	st.health.LastError = ""
}

func (st *plcState) markError(err error) {
	st.health.Connected = false
	st.health.LastError = err.Error()
	st.health.LastErrorTS = time.Now().UTC()
	st.health.ConsecutiveFailures++
}

// ensureConnectedLocked throttles reconnect attempts on top of the
// per-call retry backoff below, so a dead PLC doesn't get a fresh TCP
// handshake attempted on every single retry/poll tick. Grounded on
// _ensure_connected_locked in modbus_service.py.
func (st *plcState) ensureConnectedLocked(opts Options) error {
	if st.client != nil {
		return nil
	}
	if !st.lastAttempt.IsZero() {
		throttle := reconnectThrottle(opts, st.health.ConsecutiveFailures)
		if time.Since(st.lastAttempt) < throttle {
			return &ConnectError{PLC: st.cfg.Name, Err: fmt.Errorf("reconnect throttled, retry after %s", throttle)}
		}
	}
	st.lastAttempt = time.Now()
	c, err := dial(st.cfg.addr(), opts.timeout())
	if err != nil {
		st.markError(err)
		return &ConnectError{PLC: st.cfg.Name, Err: err}
	}
	st.client = c
	st.markOK()
	return nil
}

func reconnectThrottle(opts Options, consecutiveFailures int) time.Duration {
	base := opts.ReconnectBaseS
	if base <= 0 {
		base = 1.0
	}
	max := opts.ReconnectMaxS
	if max <= 0 {
		max = 30.0
	}
	secs := base * math.Pow(2, float64(consecutiveFailures))
	if secs > max {
		secs = max
	}
	return time.Duration(secs * float64(time.Second))
}

func backoffDuration(opts Options, attempt int) time.Duration {
	base := opts.BackoffS
	if base <= 0 {
		base = 0.2
	}
	max := opts.MaxBackoffS
	if max <= 0 {
		max = 2.0
	}
	secs := base * math.Pow(2, float64(attempt))
	if secs > max {
		secs = max
	}
	return time.Duration(secs * float64(time.Second))
}

// execute runs fn under the PLC's lock, ensuring connectivity first and
// retrying with exponential backoff on failure, up to opts.Retries
// additional attempts. Grounded on _execute in modbus_service.py.
func (s *Service) execute(plc string, fn func(c *conn) error) error {
	st, err := s.state(plc)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if err := st.ensureConnectedLocked(s.opts); err != nil {
			lastErr = err
			time.Sleep(backoffDuration(s.opts, attempt))
			continue
		}
		if err := fn(st.client); err != nil {
			st.client.Close()
			st.client = nil
			st.markError(err)
			lastErr = &RequestError{PLC: plc, Err: err}
			s.log.Warn("device: request failed, will retry", "plc", plc, "attempt", attempt, "error", err)
			time.Sleep(backoffDuration(s.opts, attempt))
			continue
		}
		st.markOK()
		return nil
	}
	return lastErr
}
