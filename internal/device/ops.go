package device

import "fmt"

// ReadHoldingRegisters reads count registers starting at the
// zero-based offset (already converted from the 4xxxx convention by
// the caller — spec.md §3).
func (s *Service) ReadHoldingRegisters(plc string, address, count int) ([]uint16, error) {
	st, err := s.state(plc)
	if err != nil {
		return nil, err
	}
	var out []uint16
	err = s.execute(plc, func(c *conn) error {
		words, err := c.readHoldingRegisters(st.cfg.UnitID, address, count, s.opts.timeout())
		if err != nil {
			return err
		}
		out = words
		return nil
	})
	return out, err
}

// ReadRegister reads a single INTEGER register.
func (s *Service) ReadRegister(plc string, address int) (uint16, error) {
	words, err := s.ReadHoldingRegisters(plc, address, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// ReadBitFromRegister reads register `address` and returns bit
// `bit`'s value (0..15).
func (s *Service) ReadBitFromRegister(plc string, address, bit int) (bool, error) {
	if bit < 0 || bit > 15 {
		return false, &ValidationError{Msg: fmt.Sprintf("bit %d out of range [0..15]", bit)}
	}
	word, err := s.ReadRegister(plc, address)
	if err != nil {
		return false, err
	}
	return (word>>uint(bit))&0x01 == 1, nil
}

// WriteRegister writes a single INTEGER register. The 0x06 response
// echo of address+value is always checked; when verify is true the
// register is also read back and compared with value.
func (s *Service) WriteRegister(plc string, address int, value uint16, verify bool) error {
	st, err := s.state(plc)
	if err != nil {
		return err
	}
	return s.execute(plc, func(c *conn) error {
		if err := c.writeSingleRegister(st.cfg.UnitID, address, value, s.opts.timeout()); err != nil {
			return err
		}
		if verify {
			words, err := c.readHoldingRegisters(st.cfg.UnitID, address, 1, s.opts.timeout())
			if err != nil {
				return err
			}
			if words[0] != value {
				return fmt.Errorf("write verify mismatch: wrote %d, read back %d", value, words[0])
			}
		}
		return nil
	})
}

// WriteBitInRegister performs an atomic read-modify-write of a single
// bit within a holding register, under the per-PLC lock so it can
// never tear against a concurrent poll read (spec.md §4.A/§5).
func (s *Service) WriteBitInRegister(plc string, address, bit int, value bool, verify bool) error {
	if bit < 0 || bit > 15 {
		return &ValidationError{Msg: fmt.Sprintf("bit %d out of range [0..15]", bit)}
	}
	st, err := s.state(plc)
	if err != nil {
		return err
	}
	return s.execute(plc, func(c *conn) error {
		words, err := c.readHoldingRegisters(st.cfg.UnitID, address, 1, s.opts.timeout())
		if err != nil {
			return err
		}
		current := words[0]
		var next uint16
		if value {
			next = current | (1 << uint(bit))
		} else {
			next = current &^ (1 << uint(bit))
		}
		if err := c.writeSingleRegister(st.cfg.UnitID, address, next, s.opts.timeout()); err != nil {
			return err
		}
		if verify {
			readback, err := c.readHoldingRegisters(st.cfg.UnitID, address, 1, s.opts.timeout())
			if err != nil {
				return err
			}
			got := (readback[0]>>uint(bit))&0x01 == 1
			if got != value {
				return fmt.Errorf("bit write verify mismatch: wanted %v, read back %v", value, got)
			}
		}
		return nil
	})
}
