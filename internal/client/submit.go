// Package client talks to a running controller: job submission over the
// line protocol and queries against the admin API.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angariumd/gridq/internal/models"
	"github.com/angariumd/gridq/internal/netutils"
	"github.com/angariumd/gridq/internal/protocol"
)

// RejectedError is an ERROR reply to a submission.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Code, e.Message)
}

// IsClosed reports whether err means the controller is shutting down.
func IsClosed(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej) && rej.Code == protocol.CodeQueueClosed
}

// Submitter holds one submission connection. It is not safe for concurrent
// use; open one per goroutine.
type Submitter struct {
	conn    *protocol.Conn
	timeout time.Duration
}

// DialSubmitter connects to the controller's job port.
func DialSubmitter(ctx context.Context, addr string, timeout time.Duration) (*Submitter, error) {
	raw, err := netutils.DialTCP(ctx, addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Submitter{conn: protocol.NewConn(raw, protocol.FromServer), timeout: timeout}, nil
}

// Submit sends a job with explicit priority and timeout and returns its id.
func (s *Submitter) Submit(draft models.JobDraft) (int64, error) {
	return s.roundTrip(protocol.Submit(draft))
}

// SubmitLegacy sends a bare script; the controller applies its defaults.
func (s *Submitter) SubmitLegacy(script string) (int64, error) {
	return s.roundTrip(protocol.Message{Kind: protocol.KindSubmit, Script: script, Legacy: true})
}

func (s *Submitter) roundTrip(m protocol.Message) (int64, error) {
	if s.timeout > 0 {
		if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, err
		}
	}
	if err := s.conn.Write(m); err != nil {
		return 0, fmt.Errorf("sending job: %w", err)
	}
	reply, err := s.conn.Read()
	if err != nil {
		return 0, fmt.Errorf("reading reply: %w", err)
	}
	switch reply.Kind {
	case protocol.KindAccepted:
		return reply.JobID, nil
	case protocol.KindError:
		return 0, &RejectedError{Code: reply.Code, Message: reply.Text}
	default:
		return 0, fmt.Errorf("unexpected reply %s", reply.Kind)
	}
}

func (s *Submitter) Close() error {
	return s.conn.Close()
}
