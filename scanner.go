package modbusclient

import (
	"context"
	"errors"
)

// Candidate is an endpoint together with the unit IDs to try on it.
type Candidate struct {
	Endpoint Endpoint
	Units    []byte
}

// Probe is the register read used to detect a unit.
type Probe struct {
	Access   Access
	Address  uint16
	Quantity uint16
}

// Found is a unit that answered a probe.
type Found struct {
	Endpoint  Endpoint
	Unit      byte
	Registers []uint16
	// Exception is the exception code the unit answered with, 0 for a
	// regular answer. An exception still proves the unit is there.
	Exception byte
}

// Scanner looks for units on a list of candidate endpoints.
type Scanner struct {
	Factory *Factory
	Probe   Probe
	Logger  logger
}

// Scan probes every unit of every candidate in order. Endpoints that cannot
// be connected are skipped. Every handle opened is put before Scan moves on
// to the next candidate. Scan stops early when ctx is done.
func (s *Scanner) Scan(ctx context.Context, candidates []Candidate) ([]Found, error) {
	if !s.Probe.Access.Valid() {
		return nil, &ConfigurationError{Op: "scan", Err: ErrInvalidAccessKind}
	}
	var found []Found
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		f, err := s.scanEndpoint(ctx, c)
		found = append(found, f...)
		if err != nil {
			var connErr *ConnectionError
			if errors.As(err, &connErr) {
				s.logf("modbusclient: skipping %v: %v", c.Endpoint, err)
				continue
			}
			return found, err
		}
	}
	return found, nil
}

func (s *Scanner) scanEndpoint(ctx context.Context, c Candidate) ([]Found, error) {
	h, err := s.Factory.Open(c.Endpoint)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := h.Put(); err != nil {
			s.logf("modbusclient: release %v: %v", c.Endpoint, err)
		}
	}()

	var found []Found
	for _, unit := range c.Units {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		regs, err := h.ReadRegisters(unit, s.Probe.Access, s.Probe.Address, s.Probe.Quantity)
		var protoErr *ProtocolError
		switch {
		case err == nil:
			found = append(found, Found{Endpoint: c.Endpoint, Unit: unit, Registers: regs})
		case errors.As(err, &protoErr) && protoErr.ExceptionCode() != 0:
			found = append(found, Found{Endpoint: c.Endpoint, Unit: unit, Exception: protoErr.ExceptionCode()})
		case errors.As(err, &protoErr):
			s.logf("modbusclient: bad reply from unit %d on %v: %v", unit, c.Endpoint, err)
		default:
			s.logf("modbusclient: no answer from unit %d on %v: %v", unit, c.Endpoint, err)
		}
	}
	return found, nil
}

func (s *Scanner) logf(format string, v ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}
