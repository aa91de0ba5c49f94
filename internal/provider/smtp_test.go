package provider

import (
	"bufio"
	"context"
	"mime"
	"net"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

// fakeRelay speaks just enough SMTP for net/smtp's client.
type fakeRelay struct {
	ln       net.Listener
	rcptCode int

	mu       sync.Mutex
	messages []string
}

func startRelay(t *testing.T, rcptCode int) *fakeRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &fakeRelay{ln: ln, rcptCode: rcptCode}
	t.Cleanup(func() { _ = ln.Close() })
	go r.serve()
	return r
}

func (r *fakeRelay) creds() core.Credentials {
	host, port, _ := net.SplitHostPort(r.ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return core.Credentials{Host: host, Port: p}
}

func (r *fakeRelay) serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		go r.handle(conn)
	}
}

func (r *fakeRelay) handle(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 fake relay ready")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			_ = tp.PrintfLine("250 fake")
		case "MAIL":
			_ = tp.PrintfLine("250 ok")
		case "RCPT":
			if r.rcptCode != 250 {
				_ = tp.PrintfLine("%d mailbox unavailable", r.rcptCode)
				continue
			}
			_ = tp.PrintfLine("250 ok")
		case "DATA":
			_ = tp.PrintfLine("354 go ahead")
			body, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			r.mu.Lock()
			r.messages = append(r.messages, strings.Join(body, "\n"))
			r.mu.Unlock()
			_ = tp.PrintfLine("250 queued")
		case "RSET", "NOOP":
			_ = tp.PrintfLine("250 ok")
		case "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 not implemented")
		}
	}
}

func (r *fakeRelay) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func TestSMTP_Send(t *testing.T) {
	relay := startRelay(t, 250)
	s := NewSMTP(nil)

	env := Envelope{
		From:        "bot@sender.test",
		Credentials: relay.creds(),
		To:          "ann@example.com",
		Subject:     "Hello Ann",
		Body:        "<p>hi</p>\nbye",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := s.Send(ctx, env)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "<"))
	require.True(t, strings.HasSuffix(id, "@sender.test>"))

	msgs := relay.received()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "Subject: Hello Ann")
	require.Contains(t, msgs[0], "Message-ID: "+id)
	require.Contains(t, msgs[0], "<p>hi</p>")
}

func TestSMTP_RecipientRejectedIsBounce(t *testing.T) {
	relay := startRelay(t, 550)
	s := NewSMTP(nil)

	_, err := s.Send(context.Background(), Envelope{From: "bot@sender.test", Credentials: relay.creds(), To: "ghost@example.com"})
	out, bounce := Classify(err)
	require.Equal(t, PermanentFailure, out)
	require.True(t, bounce)

	// rejections do not count against the relay
	require.Equal(t, uint32(0), s.breaker(net.JoinHostPort(relay.creds().Host, strconv.Itoa(relay.creds().Port))).Counts().TotalFailures)
}

func TestSMTP_BreakerOpensOnDeadRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	host, port, _ := net.SplitHostPort(addr)
	p, _ := strconv.Atoi(port)

	s := NewSMTP(nil)
	s.DialTimeout = time.Second
	env := Envelope{From: "bot@sender.test", Credentials: core.Credentials{Host: host, Port: p}, To: "a@example.com"}

	for i := 0; i < 5; i++ {
		_, err := s.Send(context.Background(), env)
		out, _ := Classify(err)
		require.Equal(t, TransientFailure, out)
	}
	_, err = s.Send(context.Background(), env)
	require.ErrorContains(t, err, "relay circuit open")
	out, _ := Classify(err)
	require.Equal(t, TransientFailure, out)
}

func TestClassifySMTP(t *testing.T) {
	cases := []struct {
		stage     string
		code      int
		permanent bool
		bounce    bool
	}{
		{"RCPT TO", 550, true, true},
		{"RCPT TO", 553, true, true},
		{"RCPT TO", 552, true, false},
		{"RCPT TO", 450, false, false},
		{"MAIL FROM", 550, true, false},
		{"AUTH", 535, true, false},
		{"DATA", 421, false, false},
	}
	for _, tc := range cases {
		err := classifySMTP(tc.stage, &textproto.Error{Code: tc.code, Msg: "x"})
		se, ok := err.(*SendError)
		require.True(t, ok)
		require.Equal(t, tc.permanent, se.Permanent, "%s %d", tc.stage, tc.code)
		require.Equal(t, tc.bounce, se.Bounce, "%s %d", tc.stage, tc.code)
		require.Equal(t, tc.code, se.Code)
	}

	err := classifySMTP("HELO", net.ErrClosed)
	out, _ := Classify(err)
	require.Equal(t, TransientFailure, out)
}

func TestBuildMessage(t *testing.T) {
	raw := string(buildMessage(Envelope{From: "a@b.test", To: "c@d.test", Subject: "S", Body: "l1\nl2"}, "<id@b.test>"))
	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok)
	require.Equal(t, "l1\r\nl2", body)

	r := textproto.NewReader(bufio.NewReader(strings.NewReader(head + "\r\n\r\n")))
	h, err := r.ReadMIMEHeader()
	require.NoError(t, err)
	require.Equal(t, "<a@b.test>", h.Get("From"))
	require.Equal(t, "<c@d.test>", h.Get("To"))
	require.Equal(t, "S", h.Get("Subject"))
	require.Equal(t, "<id@b.test>", h.Get("Message-Id"))
	require.Equal(t, "text/html; charset=UTF-8", h.Get("Content-Type"))
}

func TestBuildMessage_HeaderValuesStayOnOneLine(t *testing.T) {
	raw := string(buildMessage(Envelope{
		From:    "Bot <bot@b.test>",
		To:      "c@d.test\r\nCc: cc@evil.test",
		Subject: "Hi Bob\r\nBcc: victim@evil.test",
		Body:    "x",
	}, "<id@b.test>"))

	msg, err := mail.ReadMessage(strings.NewReader(raw))
	require.NoError(t, err)
	require.Empty(t, msg.Header.Get("Bcc"))
	require.Empty(t, msg.Header.Get("Cc"))
	require.Equal(t, `"Bot" <bot@b.test>`, msg.Header.Get("From"))

	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	require.Equal(t, "Hi Bob  Bcc: victim@evil.test", subject)
	require.NotContains(t, msg.Header.Get("To"), "\n")
}

func TestBuildMessage_EncodesNonASCIISubject(t *testing.T) {
	raw := string(buildMessage(Envelope{From: "a@b.test", To: "c@d.test", Subject: "Grüße, Zoë", Body: "x"}, "<id@b.test>"))
	msg, err := mail.ReadMessage(strings.NewReader(raw))
	require.NoError(t, err)

	encoded := msg.Header.Get("Subject")
	require.True(t, strings.HasPrefix(encoded, "=?utf-8?q?"), encoded)
	subject, err := new(mime.WordDecoder).DecodeHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, "Grüße, Zoë", subject)
}

func TestSend_RejectsLineBreakInAddress(t *testing.T) {
	_, err := NewSMTP(nil).Send(context.Background(), Envelope{From: "a@b.test", To: "c@d.test\r\nRCPT TO:<x@evil.test>"})
	out, _ := Classify(err)
	require.Equal(t, PermanentFailure, out)
}

func TestDomainOf(t *testing.T) {
	require.Equal(t, "example.com", domainOf("bot@example.com"))
	require.Equal(t, "example.com", domainOf("Bot <bot@example.com>"))
	require.Equal(t, "localhost", domainOf("nobody"))
	require.Equal(t, "localhost", domainOf("trailing@"))
}
