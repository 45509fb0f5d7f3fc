package verifier

import (
	"bufio"
	"context"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"mailprobe/models"
	"mailprobe/testutil"
)

// fakeSMTPServer answers the probe dialogue. rcpt decides the reply line
// for each RCPT TO argument.
type fakeSMTPServer struct {
	ln   net.Listener
	rcpt func(addr string) string

	mu    sync.Mutex
	rcpts []string
}

func startFakeSMTPServer(t *testing.T, rcpt func(addr string) string) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	testutil.AssertNoError(t, err, "listen")

	s := &fakeSMTPServer{ln: ln, rcpt: rcpt}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTPServer) port() string {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	return port
}

func (s *fakeSMTPServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rcpts...)
}

func (s *fakeSMTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	reply := func(line string) {
		w.WriteString(line + "\r\n")
		w.Flush()
	}

	reply("220 fake.test ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(verb, "EHLO"), strings.HasPrefix(verb, "HELO"):
			reply("250 fake.test")
		case strings.HasPrefix(verb, "MAIL FROM:"):
			reply("250 2.1.0 Ok")
		case strings.HasPrefix(verb, "RCPT TO:"):
			addr := strings.Trim(line[len("RCPT TO:"):], "<> ")
			s.mu.Lock()
			s.rcpts = append(s.rcpts, addr)
			s.mu.Unlock()
			reply(s.rcpt(addr))
		case strings.HasPrefix(verb, "QUIT"):
			reply("221 2.0.0 Bye")
			return
		default:
			reply("502 5.5.2 Command not recognized")
		}
	}
}

func newTestProber(port string) *Prober {
	return NewProber(ProbeConfig{Port: port, Timeout: 2 * time.Second}, nil)
}

func TestProber_Probe(t *testing.T) {
	tests := []struct {
		name          string
		reply         string
		outcome       models.Outcome
		mailbox       models.MailboxStatus
		policyBlocked bool
	}{
		{"accepted", "250 2.1.5 Ok", models.OutcomePass, models.MailboxExists, false},
		{"forwarded", "251 2.1.5 User not local; will forward", models.OutcomePass, models.MailboxExists, false},
		{"unknown user", "550 5.1.1 <x@example.test>: Recipient address rejected: User unknown", models.OutcomeFail, models.MailboxMissing, false},
		{"policy 550", "550 5.7.1 Service unavailable; client host blocked using Spamhaus", models.OutcomeInconclusive, models.MailboxUnknown, true},
		{"greylisted", "451 4.7.1 Greylisted, try again later", models.OutcomeInconclusive, models.MailboxUnknown, false},
		{"mailbox full", "452 4.2.2 Mailbox full", models.OutcomeInconclusive, models.MailboxUnknown, false},
		{"not authorized, generic text", "550 5.7.1 Requested action not taken: mailbox unavailable", models.OutcomeInconclusive, models.MailboxUnknown, true},
		{"listed sender ip", "550 5.7.1 Recipient address rejected: sender IP listed at zen", models.OutcomeInconclusive, models.MailboxUnknown, true},
		{"unknown user without status", "550 No such user here", models.OutcomeFail, models.MailboxMissing, false},
		{"bare mailbox unavailable", "550 Requested action not taken: mailbox unavailable", models.OutcomeInconclusive, models.MailboxUnknown, true},
		{"refused", "554 5.7.1 Access denied", models.OutcomeInconclusive, models.MailboxUnknown, true},
		{"odd code", "503 5.5.1 Bad sequence", models.OutcomeInconclusive, models.MailboxUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startFakeSMTPServer(t, func(string) string { return tt.reply })
			p := newTestProber(srv.port())

			res := p.Probe(context.Background(), "127.0.0.1", "x@example.test", models.PolicyStandard, false)
			testutil.AssertEqual(t, res.Outcome, tt.outcome, "outcome")
			testutil.AssertEqual(t, res.Mailbox, tt.mailbox, "mailbox")
			testutil.AssertEqual(t, res.PolicyBlocked, tt.policyBlocked, "policy blocked")
			if tt.outcome == models.OutcomeInconclusive {
				testutil.AssertEqual(t, res.Confidence, models.ConfidenceUnknown, "confidence")
			} else {
				testutil.AssertEqual(t, res.Confidence, models.ConfidenceHigh, "confidence")
			}
		})
	}
}

func TestProber_CatchAll(t *testing.T) {
	srv := startFakeSMTPServer(t, func(string) string { return "250 Ok" })
	p := newTestProber(srv.port())

	res := p.Probe(context.Background(), "127.0.0.1", "john.doe@example.test", models.PolicyStandard, true)
	testutil.AssertEqual(t, res.Outcome, models.OutcomeInconclusive, "catch-all is inconclusive")
	testutil.AssertTrue(t, res.CatchAll, "catch-all flagged")

	got := srv.received()
	testutil.AssertEqual(t, len(got), 2, "two recipients tried in one session")
	testutil.AssertEqual(t, got[0], "john.doe@example.test", "real recipient first")
	testutil.AssertTrue(t, strings.HasSuffix(got[1], "@example.test"), "random recipient on same domain")
}

func TestProber_NotCatchAll(t *testing.T) {
	srv := startFakeSMTPServer(t, func(addr string) string {
		if addr == "john.doe@example.test" {
			return "250 Ok"
		}
		return "550 5.1.1 No such user"
	})
	p := newTestProber(srv.port())

	res := p.Probe(context.Background(), "127.0.0.1", "john.doe@example.test", models.PolicyStandard, true)
	testutil.AssertEqual(t, res.Outcome, models.OutcomePass, "real mailbox confirmed")
	testutil.AssertFalse(t, res.CatchAll, "not catch-all")
}

func TestProber_TransportFailures(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		testutil.AssertNoError(t, err, "listen")
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		ln.Close()

		res := newTestProber(port).Probe(context.Background(), "127.0.0.1", "x@example.test", models.PolicyStandard, false)
		testutil.AssertEqual(t, res.Outcome, models.OutcomeInconclusive, "refused is inconclusive")
		testutil.AssertContains(t, res.Detail, "connect failed", "detail")
	})

	t.Run("silent server times out", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		testutil.AssertNoError(t, err, "listen")
		defer ln.Close()
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}()
		_, port, _ := net.SplitHostPort(ln.Addr().String())

		p := NewProber(ProbeConfig{Port: port, Timeout: 200 * time.Millisecond}, nil)
		start := time.Now()
		res := p.Probe(context.Background(), "127.0.0.1", "x@example.test", models.PolicyStandard, false)
		testutil.AssertEqual(t, res.Outcome, models.OutcomeInconclusive, "timeout is inconclusive")
		testutil.AssertTrue(t, time.Since(start) < time.Second, "session aborted at the deadline")
	})
}

func TestProber_EnterpriseSkipped(t *testing.T) {
	dialed := false
	p := NewProber(ProbeConfig{
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialed = true
			return nil, context.Canceled
		},
	}, nil)

	res := p.Probe(context.Background(), "mx.bigcorp.test", "x@bigcorp.test", models.PolicyEnterpriseStrict, false)
	testutil.AssertEqual(t, res.Outcome, models.OutcomeInconclusive, "outcome")
	testutil.AssertTrue(t, res.PolicyBlocked, "policy blocked")
	testutil.AssertFalse(t, dialed, "no connection attempted")
}

func TestClassifyRcpt_NonProtocolError(t *testing.T) {
	res := classifyRcpt(&net.OpError{Op: "read", Err: context.DeadlineExceeded})
	testutil.AssertEqual(t, res.Outcome, models.OutcomeInconclusive, "transport error")

	res = classifyRcpt(&textproto.Error{Code: 553, Msg: "5.1.3 Bad recipient address syntax"})
	testutil.AssertEqual(t, res.Outcome, models.OutcomeFail, "enhanced 5.1.x status")

	res = classifyRcpt(&textproto.Error{Code: 550, Msg: "5.2.1 User unknown, mailbox disabled"})
	testutil.AssertEqual(t, res.Outcome, models.OutcomeInconclusive, "5.2.x status wins over wording")
	testutil.AssertTrue(t, res.PolicyBlocked, "5.2.x is a refusal")
}

func TestEnhancedClass(t *testing.T) {
	testutil.AssertEqual(t, enhancedClass("5.1.1 User unknown"), 1, "addressing")
	testutil.AssertEqual(t, enhancedClass("Rejected 5.7.26 DMARC"), 7, "security")
	testutil.AssertEqual(t, enhancedClass("4.2.2 Mailbox full"), -1, "transient statuses ignored")
	testutil.AssertEqual(t, enhancedClass("User unknown"), -1, "no status")
}
