package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// SMTP delivers through each bot's own submission server. Every server gets
// its own circuit breaker so one failing relay cannot stall other bots.
type SMTP struct {
	DialTimeout time.Duration
	HelloName   string

	log      *zap.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewSMTP(log *zap.Logger) *SMTP {
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTP{
		DialTimeout: 10 * time.Second,
		HelloName:   "localhost",
		log:         log.With(zap.String("component", "smtp")),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *SMTP) breaker(addr string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp:" + addr,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// A rejected recipient says nothing about the relay's health.
		IsSuccessful: func(err error) bool {
			var se *SendError
			return err == nil || (errors.As(err, &se) && se.Permanent)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.log.Info("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	s.breakers[addr] = cb
	return cb
}

func (s *SMTP) Send(ctx context.Context, env Envelope) (string, error) {
	if strings.ContainsAny(env.From+env.To, "\r\n") {
		return "", &SendError{Reason: "address contains a line break", Permanent: true}
	}
	addr := net.JoinHostPort(env.Credentials.Host, strconv.Itoa(env.Credentials.Port))
	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(env.From))

	_, err := s.breaker(addr).Execute(func() (interface{}, error) {
		return nil, s.deliver(ctx, addr, env, msgID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &SendError{Reason: "relay circuit open", Err: err}
		}
		return "", err
	}
	return msgID, nil
}

func (s *SMTP) deliver(ctx context.Context, addr string, env Envelope, msgID string) error {
	dialer := &net.Dialer{Timeout: s.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &SendError{Reason: "dial " + addr, Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, env.Credentials.Host)
	if err != nil {
		conn.Close()
		return &SendError{Reason: "smtp handshake", Err: err}
	}
	defer func() { _ = client.Close() }()

	if err := client.Hello(s.HelloName); err != nil {
		return classifySMTP("HELO", err)
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: env.Credentials.Host}); err != nil {
			return classifySMTP("STARTTLS", err)
		}
	}
	if env.Credentials.Username != "" {
		auth := smtp.PlainAuth("", env.Credentials.Username, env.Credentials.Password, env.Credentials.Host)
		if err := client.Auth(auth); err != nil {
			return classifySMTP("AUTH", err)
		}
	}
	if err := client.Mail(env.From); err != nil {
		return classifySMTP("MAIL FROM", err)
	}
	if err := client.Rcpt(env.To); err != nil {
		return classifySMTP("RCPT TO", err)
	}
	w, err := client.Data()
	if err != nil {
		return classifySMTP("DATA", err)
	}
	if _, err := w.Write(buildMessage(env, msgID)); err != nil {
		return &SendError{Reason: "write body", Err: err}
	}
	if err := w.Close(); err != nil {
		return classifySMTP("DATA", err)
	}
	if err := client.Quit(); err != nil {
		s.log.Warn("QUIT command failed", zap.Error(err))
	}
	return nil
}

// classifySMTP maps reply codes: 4xx is retryable, 5xx is not, and a 5xx on
// RCPT TO for an unknown or rejected mailbox is a hard bounce.
func classifySMTP(stage string, err error) error {
	var tp *textproto.Error
	if !errors.As(err, &tp) {
		return &SendError{Reason: stage, Err: err}
	}
	se := &SendError{Code: tp.Code, Reason: stage + ": " + tp.Msg, Err: err}
	if tp.Code >= 500 {
		se.Permanent = true
		if stage == "RCPT TO" {
			switch tp.Code {
			case 550, 551, 553:
				se.Bounce = true
			}
		}
	}
	return se
}

// buildMessage renders the message for DATA. Every header value is kept
// on one line; the subject is Q-encoded when it is not plain ASCII.
func buildMessage(env Envelope, msgID string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", formatAddress(env.From))
	fmt.Fprintf(&b, "To: %s\r\n", formatAddress(env.To))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", oneLine(env.Subject)))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", oneLine(msgID))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(env.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}

// oneLine replaces CR and LF so a value cannot start a new header.
func oneLine(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

func formatAddress(addr string) string {
	if a, err := mail.ParseAddress(addr); err == nil {
		return a.String()
	}
	return (&mail.Address{Address: oneLine(addr)}).String()
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return "localhost"
}
