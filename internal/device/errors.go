package device

import "fmt"

// Error taxonomy per spec.md §4.A/§7: configuration errors (unknown
// PLC) vs. transient device errors (connect/request), mirroring
// original_source/sunny_scada/modbus_service.py's ModbusServiceError
// hierarchy (UnknownPLCError/ModbusConnectError/ModbusRequestError).

// UnknownPLCError is a configuration error: the caller referenced a
// PLC name that isn't in the roster. Never retried.
type UnknownPLCError struct {
	PLC string
}

func (e *UnknownPLCError) Error() string {
	return fmt.Sprintf("device: unknown plc %q", e.PLC)
}

// ConnectError means the reconnect attempt(s) for a PLC were
// exhausted. Transient; the caller may retry on the next cycle.
type ConnectError struct {
	PLC string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("device: connect to plc %q failed: %v", e.PLC, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RequestError means a Modbus request was sent but the response was an
// exception/protocol error or the socket timed out mid-request.
type RequestError struct {
	PLC string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("device: request to plc %q failed: %v", e.PLC, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ValidationError covers range checks on inputs (bit/value) performed
// before any I/O is attempted.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "device: " + e.Msg }
