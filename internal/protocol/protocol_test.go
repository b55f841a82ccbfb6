package protocol

import (
	"errors"
	"io"
	"net"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		dir  Direction
		msg  Message
		line string
	}{
		{"legacy submit", FromPeer, Message{Kind: KindSubmit, Script: "echo hi", Legacy: true}, "JOB:echo hi"},
		{"explicit submit", FromPeer, Message{Kind: KindSubmit, Script: "echo a:b", Priority: 9, TimeoutSeconds: 60}, "SUBMIT:9:60:echo a:b"},
		{"accepted", FromServer, Message{Kind: KindAccepted, JobID: 42}, "JOB_ACCEPTED:42"},
		{"error", FromServer, Message{Kind: KindError, Code: CodeInvalidArgument, Text: "priority: bad"}, "ERROR:INVALID_ARGUMENT:priority: bad"},
		{"register", FromPeer, Message{Kind: KindRegister, Hostname: "node-1"}, "REGISTER_WORKER:node-1"},
		{"register bare", FromPeer, Message{Kind: KindRegister}, "REGISTER_WORKER"},
		{"registered", FromServer, Message{Kind: KindRegistered, WorkerID: 3}, "REGISTERED:3"},
		{"request", FromPeer, Message{Kind: KindRequestJob}, "REQUEST_JOB"},
		{"offer", FromServer, Message{Kind: KindJobOffer, JobID: 7, Script: "ls:/tmp", TimeoutSeconds: 30}, "JOB:7:ls:/tmp:30"},
		{"no jobs", FromServer, Message{Kind: KindNoJobs}, "NO_JOBS"},
		{"result", FromPeer, Message{Kind: KindResult, JobID: 7, Success: true, ExecTime: 1.25, Output: "a:b\nc"}, `JOB_RESULT:7:1:1.25:a:b\nc`},
		{"heartbeat", FromPeer, Message{Kind: KindHeartbeat, WorkerID: 3}, "HEARTBEAT:3"},
		{"shutdown", FromServer, Message{Kind: KindShutdown}, "SHUTDOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if line != tt.line {
				t.Errorf("Encode = %q, want %q", line, tt.line)
			}
			got, err := Decode(line, tt.dir)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.msg {
				t.Errorf("Decode = %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestLegacySubmitIsVerbatim(t *testing.T) {
	for _, script := range []string{`printf 'a\tb'`, `echo C:\dir`, `ls \`, `echo a\ b`} {
		line, err := Encode(Message{Kind: KindSubmit, Script: script, Legacy: true})
		if err != nil {
			t.Fatalf("Encode(%q): %v", script, err)
		}
		if line != "JOB:"+script {
			t.Errorf("Encode(%q) = %q", script, line)
		}
		m, err := Decode(line, FromPeer)
		if err != nil {
			t.Fatalf("Decode(%q): %v", line, err)
		}
		if m.Script != script || !m.Legacy {
			t.Errorf("Decode(%q) = %+v", line, m)
		}
	}

	if _, err := Encode(Message{Kind: KindSubmit, Script: "echo a\necho b", Legacy: true}); err == nil {
		t.Error("legacy encode accepted a multi-line script")
	}
}

func TestDecodeSubmitLeavesRangeChecksToCaller(t *testing.T) {
	m, err := Decode("SUBMIT:11:0:echo", FromPeer)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Priority != 11 || m.TimeoutSeconds != 0 || m.Script != "echo" {
		t.Errorf("Decode = %+v", m)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		dir  Direction
		line string
	}{
		{"empty", FromPeer, ""},
		{"unknown tag", FromPeer, "HELLO"},
		{"truncated job", FromPeer, "JOB"},
		{"empty script", FromPeer, "JOB:"},
		{"priority not a number", FromPeer, "SUBMIT:high:30:echo"},
		{"timeout not a number", FromPeer, "SUBMIT:5:soon:echo"},
		{"truncated submit", FromPeer, "SUBMIT:5:30"},
		{"offer without timeout", FromServer, "JOB:1:echo"},
		{"offer bad id", FromServer, "JOB:x:echo:30"},
		{"result bad flag", FromPeer, "JOB_RESULT:1:2:0.5:out"},
		{"result negative time", FromPeer, "JOB_RESULT:1:1:-1:out"},
		{"result truncated", FromPeer, "JOB_RESULT:1:1"},
		{"heartbeat bad id", FromPeer, "HEARTBEAT:abc"},
		{"request with payload", FromPeer, "REQUEST_JOB:1"},
		{"bad escape", FromPeer, `SUBMIT:5:30:echo \t`},
		{"dangling escape", FromPeer, `SUBMIT:5:30:echo \`},
		{"oversized", FromPeer, "JOB:" + strings.Repeat("x", MaxFrameSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.line, tt.dir)
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProtocolError, got %v", err)
			}
		})
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	inputs := []string{"", "plain", "line1\nline2", `back\slash`, "crlf\r\n", `\n literal`}
	for _, in := range inputs {
		esc := Escape(in)
		if strings.ContainsAny(esc, "\n\r") {
			t.Errorf("Escape(%q) = %q still contains a line break", in, esc)
		}
		out, err := Unescape(esc)
		if err != nil {
			t.Fatalf("Unescape(%q): %v", esc, err)
		}
		if out != in {
			t.Errorf("round trip of %q gave %q", in, out)
		}
	}
}

func TestConn(t *testing.T) {
	a, b := net.Pipe()
	server := NewConn(a, FromPeer)
	peer := NewConn(b, FromServer)
	defer server.Close()

	go func() {
		peer.Write(Message{Kind: KindSubmit, Script: "printf 'x\ny'", Priority: 10, TimeoutSeconds: 5})
		peer.Write(Message{Kind: KindHeartbeat})
		peer.Close()
	}()

	m, err := server.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.Kind != KindSubmit || m.Script != "printf 'x\ny'" || m.Priority != 10 {
		t.Errorf("unexpected message %+v", m)
	}

	m, err = server.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.Kind != KindHeartbeat || m.WorkerID != 0 {
		t.Errorf("unexpected message %+v", m)
	}

	if _, err := server.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after close, got %v", err)
	}
}

func TestConnFrameTooLong(t *testing.T) {
	a, b := net.Pipe()
	server := NewConn(a, FromPeer)
	defer server.Close()

	go func() {
		b.Write([]byte("JOB:" + strings.Repeat("x", MaxFrameSize+16) + "\n"))
		b.Close()
	}()

	_, err := server.Read()
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}
