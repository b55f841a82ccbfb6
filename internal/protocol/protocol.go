// Package protocol implements the line-oriented wire format spoken between
// the controller, submitting clients and workers.
//
// Every frame is a single line terminated by '\n'. Free-text fields (scripts,
// outputs, hostnames, error messages) are escaped so they never contain a raw
// newline.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/angariumd/gridq/internal/models"
)

// MaxFrameSize bounds a single encoded line, terminator excluded.
const MaxFrameSize = 64 * 1024

type Kind int

const (
	KindSubmit Kind = iota + 1
	KindAccepted
	KindError
	KindRegister
	KindRegistered
	KindRequestJob
	KindJobOffer
	KindNoJobs
	KindResult
	KindHeartbeat
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindSubmit:
		return "SUBMIT_JOB"
	case KindAccepted:
		return "JOB_ACCEPTED"
	case KindError:
		return "ERROR"
	case KindRegister:
		return "REGISTER_WORKER"
	case KindRegistered:
		return "REGISTERED"
	case KindRequestJob:
		return "REQUEST_JOB"
	case KindJobOffer:
		return "JOB_OFFER"
	case KindNoJobs:
		return "NO_JOBS"
	case KindResult:
		return "JOB_RESULT"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindShutdown:
		return "SHUTDOWN"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Direction tells the decoder who sent a frame. "JOB:" means a submission
// when a peer sends it to the controller and an offer when the controller
// sends it to a worker.
type Direction int

const (
	FromPeer Direction = iota
	FromServer
)

// Error codes carried in ERROR frames.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeQueueClosed     = "QUEUE_CLOSED"
	CodeQueueFull       = "QUEUE_FULL"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL"
)

// Message is the decoded form of any frame. Only the fields relevant to Kind
// are meaningful.
type Message struct {
	Kind Kind

	JobID          int64
	WorkerID       int64
	Script         string
	Priority       int
	TimeoutSeconds int
	Hostname       string

	Success  bool
	ExecTime float64
	Output   string

	Code string
	Text string

	// Legacy marks a submission sent in the short "JOB:<script>" form that
	// carries no priority or timeout.
	Legacy bool
}

func Submit(draft models.JobDraft) Message {
	return Message{Kind: KindSubmit, Script: draft.Script, Priority: draft.Priority, TimeoutSeconds: draft.TimeoutSeconds}
}

func Offer(job models.Job) Message {
	return Message{Kind: KindJobOffer, JobID: job.ID, Script: job.Script, TimeoutSeconds: job.TimeoutSeconds}
}

func Result(r models.JobResult) Message {
	return Message{Kind: KindResult, JobID: r.JobID, Success: r.Success, ExecTime: r.ExecTime, Output: r.Output}
}

func Errorf(code, format string, args ...any) Message {
	return Message{Kind: KindError, Code: code, Text: fmt.Sprintf(format, args...)}
}

// Draft returns the submission carried by a SUBMIT_JOB message.
func (m Message) Draft() models.JobDraft {
	return models.JobDraft{Script: m.Script, Priority: m.Priority, TimeoutSeconds: m.TimeoutSeconds}
}

func (m Message) JobResult() models.JobResult {
	return models.JobResult{JobID: m.JobID, Success: m.Success, ExecTime: m.ExecTime, Output: m.Output}
}

// ProtocolError reports a frame that could not be decoded or that arrived
// out of sequence. The connection it came from must be closed.
type ProtocolError struct {
	Reason string
	Frame  string
}

func (e *ProtocolError) Error() string {
	if e.Frame == "" {
		return "protocol error: " + e.Reason
	}
	frame := e.Frame
	if len(frame) > 64 {
		frame = frame[:64] + "..."
	}
	return fmt.Sprintf("protocol error: %s (frame %q)", e.Reason, frame)
}

func protoErr(frame, format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Frame: frame}
}

// Encode renders a message as a single line without the trailing newline.
func Encode(m Message) (string, error) {
	var line string
	switch m.Kind {
	case KindSubmit:
		if m.Legacy {
			// The legacy form carries the script verbatim, so it cannot span lines.
			if strings.ContainsAny(m.Script, "\r\n") {
				return "", fmt.Errorf("encoding %s: legacy script contains a line break", m.Kind)
			}
			line = "JOB:" + m.Script
		} else {
			line = fmt.Sprintf("SUBMIT:%d:%d:%s", m.Priority, m.TimeoutSeconds, Escape(m.Script))
		}
	case KindAccepted:
		line = fmt.Sprintf("JOB_ACCEPTED:%d", m.JobID)
	case KindError:
		line = fmt.Sprintf("ERROR:%s:%s", m.Code, Escape(m.Text))
	case KindRegister:
		line = "REGISTER_WORKER"
		if m.Hostname != "" {
			line += ":" + Escape(m.Hostname)
		}
	case KindRegistered:
		line = fmt.Sprintf("REGISTERED:%d", m.WorkerID)
	case KindRequestJob:
		line = "REQUEST_JOB"
	case KindJobOffer:
		line = fmt.Sprintf("JOB:%d:%s:%d", m.JobID, Escape(m.Script), m.TimeoutSeconds)
	case KindNoJobs:
		line = "NO_JOBS"
	case KindResult:
		success := 0
		if m.Success {
			success = 1
		}
		line = fmt.Sprintf("JOB_RESULT:%d:%d:%s:%s", m.JobID, success,
			strconv.FormatFloat(m.ExecTime, 'f', 2, 64), Escape(m.Output))
	case KindHeartbeat:
		line = "HEARTBEAT"
		if m.WorkerID > 0 {
			line += ":" + strconv.FormatInt(m.WorkerID, 10)
		}
	case KindShutdown:
		line = "SHUTDOWN"
	default:
		return "", fmt.Errorf("encoding %s: unknown message kind", m.Kind)
	}
	if len(line) > MaxFrameSize {
		return "", fmt.Errorf("encoding %s: frame of %d bytes exceeds %d", m.Kind, len(line), MaxFrameSize)
	}
	return line, nil
}

// Decode parses one line (without its terminator).
func Decode(line string, dir Direction) (Message, error) {
	if line == "" {
		return Message{}, protoErr("", "empty frame")
	}
	if len(line) > MaxFrameSize {
		return Message{}, protoErr(line, "frame exceeds %d bytes", MaxFrameSize)
	}

	tag, rest, hasRest := strings.Cut(line, ":")
	switch tag {
	case "JOB":
		if !hasRest {
			return Message{}, protoErr(line, "truncated JOB frame")
		}
		if dir == FromServer {
			return decodeOffer(line, rest)
		}
		if rest == "" {
			return Message{}, protoErr(line, "empty script")
		}
		return Message{Kind: KindSubmit, Script: rest, Legacy: true}, nil

	case "SUBMIT":
		return decodeSubmit(line, rest, hasRest)

	case "JOB_ACCEPTED":
		id, err := parseID(line, rest, hasRest, "job id")
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindAccepted, JobID: id}, nil

	case "ERROR":
		code, text, ok := strings.Cut(rest, ":")
		if !hasRest || !ok || code == "" {
			return Message{}, protoErr(line, "truncated ERROR frame")
		}
		msg, err := Unescape(text)
		if err != nil {
			return Message{}, protoErr(line, "%v", err)
		}
		return Message{Kind: KindError, Code: code, Text: msg}, nil

	case "REGISTER_WORKER":
		m := Message{Kind: KindRegister}
		if hasRest {
			host, err := Unescape(rest)
			if err != nil {
				return Message{}, protoErr(line, "%v", err)
			}
			m.Hostname = host
		}
		return m, nil

	case "REGISTERED":
		id, err := parseID(line, rest, hasRest, "worker id")
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindRegistered, WorkerID: id}, nil

	case "REQUEST_JOB":
		return bare(line, KindRequestJob, hasRest)

	case "NO_JOBS":
		return bare(line, KindNoJobs, hasRest)

	case "SHUTDOWN":
		return bare(line, KindShutdown, hasRest)

	case "HEARTBEAT":
		m := Message{Kind: KindHeartbeat}
		if hasRest {
			id, err := parseID(line, rest, true, "worker id")
			if err != nil {
				return Message{}, err
			}
			m.WorkerID = id
		}
		return m, nil

	case "JOB_RESULT":
		return decodeResult(line, rest, hasRest)
	}

	return Message{}, protoErr(line, "unknown command %q", tag)
}

func bare(line string, k Kind, hasRest bool) (Message, error) {
	if hasRest {
		return Message{}, protoErr(line, "unexpected payload for %s", k)
	}
	return Message{Kind: k}, nil
}

func parseID(line, s string, present bool, what string) (int64, error) {
	if !present || s == "" {
		return 0, protoErr(line, "missing %s", what)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, protoErr(line, "invalid %s %q", what, s)
	}
	return id, nil
}

func parseTimeout(line, s string) (int, error) {
	t, err := strconv.Atoi(s)
	if err != nil || t < 1 || t > models.MaxTimeoutSeconds {
		return 0, protoErr(line, "timeout %q out of range [1,%d]", s, models.MaxTimeoutSeconds)
	}
	return t, nil
}

// decodeSubmit checks only the shape of a SUBMIT frame. Out-of-range values
// are left for the queue to reject so the client gets an ERROR reply instead
// of losing its connection.
func decodeSubmit(line, rest string, hasRest bool) (Message, error) {
	parts := strings.SplitN(rest, ":", 3)
	if !hasRest || len(parts) != 3 {
		return Message{}, protoErr(line, "truncated SUBMIT frame")
	}
	prio, err := strconv.Atoi(parts[0])
	if err != nil {
		return Message{}, protoErr(line, "priority %q is not an integer", parts[0])
	}
	timeout, err := strconv.Atoi(parts[1])
	if err != nil {
		return Message{}, protoErr(line, "timeout %q is not an integer", parts[1])
	}
	script, err := Unescape(parts[2])
	if err != nil {
		return Message{}, protoErr(line, "%v", err)
	}
	return Message{Kind: KindSubmit, Script: script, Priority: prio, TimeoutSeconds: timeout}, nil
}

// decodeOffer reads JOB:<id>:<script>:<timeout>. The script may contain
// colons, so the id is the first field and the timeout the last.
func decodeOffer(line, rest string) (Message, error) {
	idStr, body, ok := strings.Cut(rest, ":")
	if !ok {
		return Message{}, protoErr(line, "truncated JOB offer")
	}
	id, err := parseID(line, idStr, true, "job id")
	if err != nil {
		return Message{}, err
	}
	sep := strings.LastIndexByte(body, ':')
	if sep < 0 {
		return Message{}, protoErr(line, "JOB offer missing timeout")
	}
	timeout, err := parseTimeout(line, body[sep+1:])
	if err != nil {
		return Message{}, err
	}
	script, err := Unescape(body[:sep])
	if err != nil {
		return Message{}, protoErr(line, "%v", err)
	}
	return Message{Kind: KindJobOffer, JobID: id, Script: script, TimeoutSeconds: timeout}, nil
}

func decodeResult(line, rest string, hasRest bool) (Message, error) {
	parts := strings.SplitN(rest, ":", 4)
	if !hasRest || len(parts) != 4 {
		return Message{}, protoErr(line, "truncated JOB_RESULT frame")
	}
	id, err := parseID(line, parts[0], true, "job id")
	if err != nil {
		return Message{}, err
	}
	var success bool
	switch parts[1] {
	case "0":
	case "1":
		success = true
	default:
		return Message{}, protoErr(line, "success flag %q is not 0 or 1", parts[1])
	}
	execTime, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || execTime < 0 {
		return Message{}, protoErr(line, "invalid exec time %q", parts[2])
	}
	output, err := Unescape(parts[3])
	if err != nil {
		return Message{}, protoErr(line, "%v", err)
	}
	return Message{Kind: KindResult, JobID: id, Success: success, ExecTime: execTime, Output: output}, nil
}

var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

// Escape makes s safe to embed in a single frame.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape reverses Escape.
func Unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", fmt.Errorf("dangling escape at end of field")
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return b.String(), nil
}
