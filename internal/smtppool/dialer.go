package smtppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// Conn is the slice of *smtp.Client the pool drives. The default dialer
// hands out real clients; tests substitute in-memory fakes.
type Conn interface {
	Noop() error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// Dialer opens an authenticated connection for the given endpoint.
type Dialer func(ctx context.Context, p Params) (Conn, error)

// Timeouts bound each phase of a pooled connection's life.
type Timeouts struct {
	Connect time.Duration // TCP dial
	Login   time.Duration // dial + greeting + TLS + AUTH, total
	Send    time.Duration // one full MAIL..DATA transaction
	Probe   time.Duration // NOOP liveness check
}

// DefaultTimeouts returns the service defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 10 * time.Second,
		Login:   15 * time.Second,
		Send:    30 * time.Second,
		Probe:   5 * time.Second,
	}
}

// NewDialer builds the production dialer. TLS mode follows the endpoint:
// implicit TLS on port 465, STARTTLS on any other port when UseTLS is
// set, plaintext otherwise. AUTH runs only when both credentials are
// present. If STARTTLS is requested but the server does not offer it the
// dial fails rather than silently downgrading a credentialed session.
func NewDialer(t Timeouts) Dialer {
	return func(ctx context.Context, p Params) (Conn, error) {
		addr := p.Addr()
		loginDeadline := time.Now().Add(t.Login)
		nd := &net.Dialer{Timeout: t.Connect}

		var conn net.Conn
		var err error
		if p.UseTLS && p.Port == 465 {
			td := &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: p.Host}}
			conn, err = td.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = nd.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			return nil, fmt.Errorf("SMTP connect to %s: %w", addr, err)
		}
		conn.SetDeadline(loginDeadline)

		c, err := smtp.NewClient(conn, p.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("SMTP client: %w", err)
		}
		if p.UseTLS && p.Port != 465 {
			if ok, _ := c.Extension("STARTTLS"); !ok {
				c.Close()
				return nil, fmt.Errorf("SMTP server %s does not offer STARTTLS", addr)
			}
			if err := c.StartTLS(&tls.Config{ServerName: p.Host}); err != nil {
				c.Close()
				return nil, fmt.Errorf("STARTTLS: %w", err)
			}
		}
		if p.Username != "" && p.Password != "" {
			if err := c.Auth(&plainAuth{user: p.Username, pass: p.Password}); err != nil {
				c.Close()
				return nil, fmt.Errorf("AUTH: %w", err)
			}
		}
		conn.SetDeadline(time.Time{})
		return &client{Client: c, raw: conn}, nil
	}
}

// client pairs an smtp.Client with its raw conn so the pool can arm a
// deadline around the whole send transaction.
type client struct {
	*smtp.Client
	raw net.Conn
}

func (c *client) armDeadline(d time.Duration) { c.raw.SetDeadline(time.Now().Add(d)) }
func (c *client) clearDeadline()              { c.raw.SetDeadline(time.Time{}) }

// plainAuth implements smtp.Auth without the TLS check that stdlib's
// PlainAuth enforces. Relays on private networks commonly accept AUTH
// on plaintext submission ports.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}

// Addr renders host:port for dialing.
func (p Params) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
