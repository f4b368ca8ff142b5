package device

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// conn is a minimal Modbus/TCP (MBAP) client over a single net.Conn. The
// core only needs function codes 0x03 (read holding registers) and
// 0x06 (write single register) — spec.md §1 scopes the core to holding
// registers only, never a general Modbus stack. No third-party Modbus
// client appears in the retrieved example pack, so this framing is
// hand-rolled over the standard library net package (see DESIGN.md
// "Stdlib-only choices").
type conn struct {
	c        net.Conn
	r        *bufio.Reader
	nextTxID uint32
}

const (
	funcReadHoldingRegisters = 0x03
	funcWriteSingleRegister  = 0x06
)

func dial(addr string, timeout time.Duration) (*conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return &conn{c: c, r: bufio.NewReader(c)}, nil
}

func (mc *conn) Close() error {
	if mc.c == nil {
		return nil
	}
	return mc.c.Close()
}

func (mc *conn) setDeadline(timeout time.Duration) {
	mc.c.SetDeadline(time.Now().Add(timeout))
}

// transact sends one MBAP-framed PDU and returns the response PDU
// (function code + data), with the MBAP header stripped. Only the
// header's length field is checked; transaction and protocol ids are
// not compared.
func (mc *conn) transact(unitID byte, pdu []byte, timeout time.Duration) ([]byte, error) {
	txID := uint32(atomic.AddUint32(&mc.nextTxID, 1))

	header := make([]byte, 7)
	binary.BigEndian.PutUint16(header[0:2], uint16(txID))
	binary.BigEndian.PutUint16(header[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(header[4:6], uint16(len(pdu)+1))
	header[6] = unitID

	mc.setDeadline(timeout)
	if _, err := mc.c.Write(append(header, pdu...)); err != nil {
		return nil, fmt.Errorf("modbus write: %w", err)
	}

	respHeader := make([]byte, 7)
	mc.setDeadline(timeout)
	if _, err := readFull(mc.r, respHeader); err != nil {
		return nil, fmt.Errorf("modbus read header: %w", err)
	}
	respLen := binary.BigEndian.Uint16(respHeader[4:6])
	if respLen == 0 || respLen > 253 {
		return nil, errors.New("modbus: invalid response length")
	}
	body := make([]byte, respLen-1)
	mc.setDeadline(timeout)
	if _, err := readFull(mc.r, body); err != nil {
		return nil, fmt.Errorf("modbus read body: %w", err)
	}

	if len(body) > 0 && body[0]&0x80 != 0 {
		code := byte(0)
		if len(body) > 1 {
			code = body[1]
		}
		return nil, fmt.Errorf("modbus exception: function=%#x code=%#x", body[0]&0x7F, code)
	}
	return body, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// readHoldingRegisters issues function 0x03 for `count` registers
// starting at `address` (zero-based, already offset-adjusted).
func (mc *conn) readHoldingRegisters(unitID byte, address, count int, timeout time.Duration) ([]uint16, error) {
	pdu := make([]byte, 5)
	pdu[0] = funcReadHoldingRegisters
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	binary.BigEndian.PutUint16(pdu[3:5], uint16(count))

	resp, err := mc.transact(unitID, pdu, timeout)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, errors.New("modbus: short read response")
	}
	byteCount := int(resp[1])
	if len(resp) < 2+byteCount || byteCount != count*2 {
		return nil, errors.New("modbus: read response length mismatch")
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		out[i] = binary.BigEndian.Uint16(resp[2+2*i : 4+2*i])
	}
	return out, nil
}

// writeSingleRegister issues function 0x06.
func (mc *conn) writeSingleRegister(unitID byte, address int, value uint16, timeout time.Duration) error {
	pdu := make([]byte, 5)
	pdu[0] = funcWriteSingleRegister
	binary.BigEndian.PutUint16(pdu[1:3], uint16(address))
	binary.BigEndian.PutUint16(pdu[3:5], value)

	resp, err := mc.transact(unitID, pdu, timeout)
	if err != nil {
		return err
	}
	if len(resp) < 5 {
		return errors.New("modbus: short write response")
	}
	echoedAddr := binary.BigEndian.Uint16(resp[1:3])
	echoedVal := binary.BigEndian.Uint16(resp[3:5])
	if int(echoedAddr) != address || echoedVal != value {
		return errors.New("modbus: write echo mismatch")
	}
	return nil
}
