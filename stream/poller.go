package stream

import (
	"context"
	"time"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/hw"
)

// The poll/wake scheduler: one periodic timer per enabled stream runs the
// ring readiness check and wakes blocked readers. Readiness needs the ring
// pointer lock and a register read, too expensive to run on every consumer
// poll, so it is centralized here.

func (s *Stream) startPollerLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stopPoll = stop
	s.pollDone = done
	go s.pollLoop(stop, done)
}

func (s *Stream) stopPollerLocked() {
	if s.stopPoll == nil {
		return
	}
	close(s.stopPoll)
	<-s.pollDone
	s.stopPoll = nil
	s.pollDone = nil
}

func (s *Stream) pollLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.ring.CheckTail(s.gen.TailPointer(s.group))
			if s.ring.Ready(s.threshold) ||
				s.gen.Status(s.group)&(hw.StatusOverflow|hw.StatusReportLost) != 0 {
				s.wake()
			}
		}
	}
}

// wake broadcasts to all blocked readers by closing the current wake
// channel and installing a fresh one.
func (s *Stream) wake() {
	s.wakeMu.Lock()
	close(s.wakeCh)
	s.wakeCh = make(chan struct{})
	s.wakeMu.Unlock()
}

// waitForData blocks until the poller signals readiness, the stream stops
// delivering, or ctx is done. The wake channel is snapshotted before the
// state re-check so a concurrent disable or close cannot be missed.
func (s *Stream) waitForData(ctx context.Context) error {
	s.wakeMu.Lock()
	ch := s.wakeCh
	s.wakeMu.Unlock()

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case StateClosed:
		return errors.ErrStreamClosed
	case StateEnabled:
	default:
		return errors.ErrNotEnabled
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
