package commission

import (
	"context"
	"sync"

	"github.com/srg/am43/internal/am43"
)

type calibrationKey struct {
	index int
	edge  am43.Edge
}

// Calibration is one open limit adjustment. While it is open the motor may
// run past its limit, so every Calibration must be closed; Close issues
// CANCEL unless the limit was saved.
type Calibration struct {
	session *Session
	key     calibrationKey

	mu     sync.Mutex
	saved  bool
	closed bool
}

// BeginCalibration enters calibration mode for edge on the motor at index.
// An already open calibration for the same edge is returned as is, after SET is re-sent.
func (s *Session) BeginCalibration(ctx context.Context, index int, edge am43.Edge) (*Calibration, error) {
	payload, err := am43.LimitPayload(edge, am43.LimitSet)
	if err != nil {
		return nil, err
	}
	if _, err := s.linkFor(index); err != nil {
		return nil, err
	}

	key := calibrationKey{index: index, edge: edge}
	s.mu.Lock()
	c, ok := s.calibrations[key]
	if !ok {
		c = &Calibration{session: s, key: key}
		s.calibrations[key] = c
	}
	s.mu.Unlock()
	s.setState(CalibratingLimit)

	if err := s.send(ctx, index, am43.CommandSetLimit, payload); err != nil {
		if !ok {
			c.forget()
		}
		return nil, err
	}
	s.logger.WithField("index", index).WithField("edge", string(edge)).Info("Entered limit calibration")
	return c, nil
}

// Calibration returns the open calibration for edge on the motor at index
func (s *Session) Calibration(index int, edge am43.Edge) (*Calibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calibrations[calibrationKey{index: index, edge: edge}]
	return c, ok
}

// AdjustLimit runs one phase of the calibration protocol
func (s *Session) AdjustLimit(ctx context.Context, index int, edge am43.Edge, phase am43.LimitPhase) error {
	switch phase {
	case am43.LimitSet:
		_, err := s.BeginCalibration(ctx, index, edge)
		return err
	case am43.LimitSave:
		c, ok := s.Calibration(index, edge)
		if !ok {
			// SAVE outside of a tracked calibration still reaches the motor
			payload, err := am43.LimitPayload(edge, phase)
			if err != nil {
				return err
			}
			return s.send(ctx, index, am43.CommandSetLimit, payload)
		}
		return c.Save(ctx)
	case am43.LimitCancel:
		c, ok := s.Calibration(index, edge)
		if !ok {
			payload, err := am43.LimitPayload(edge, phase)
			if err != nil {
				return err
			}
			return s.send(ctx, index, am43.CommandSetLimit, payload)
		}
		return c.Close(ctx)
	default:
		_, err := am43.LimitPayload(edge, phase)
		return err
	}
}

func (c *Calibration) Index() int { return c.key.index }

func (c *Calibration) Edge() am43.Edge { return c.key.edge }

// Saved reports whether SAVE was sent successfully
func (c *Calibration) Saved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved
}

// Save commits the current motor position as the limit and closes the calibration
func (c *Calibration) Save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	payload, err := am43.LimitPayload(c.key.edge, am43.LimitSave)
	if err != nil {
		return err
	}
	if err := c.session.send(ctx, c.key.index, am43.CommandSetLimit, payload); err != nil {
		return err
	}
	c.saved = true
	c.closed = true
	c.forget()
	return nil
}

// Close leaves calibration mode, sending CANCEL unless the limit was saved.
// It is safe to call more than once. When CANCEL cannot be delivered the
// calibration stays open so a later Close can retry it.
func (c *Calibration) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	if !c.saved {
		payload, err := am43.LimitPayload(c.key.edge, am43.LimitCancel)
		if err != nil {
			return err
		}
		c.session.logger.WithField("index", c.key.index).WithField("edge", string(c.key.edge)).Info("Cancelling limit calibration")
		if err := c.session.send(ctx, c.key.index, am43.CommandSetLimit, payload); err != nil {
			return err
		}
	}
	c.closed = true
	c.forget()
	return nil
}

func (c *Calibration) forget() {
	s := c.session
	s.mu.Lock()
	if s.calibrations[c.key] == c {
		delete(s.calibrations, c.key)
	}
	s.mu.Unlock()
	s.settle()
}
