// Package topic implements the one-datagram request/response control channel spoken by the game server.
//
// A request is a single UDP datagram carrying a URL query string:
//
//	?token=<access token>&command=<command text>
//
// and the server answers with a single datagram of the form "<3 digit code> <text>".
package topic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a query when neither Sender.Timeout nor the context sets a deadline
const DefaultTimeout = 5 * time.Second

// maxDatagram is large enough for any reply the game server sends
const maxDatagram = 64 * 1024

const (
	CodeOK           = 200
	CodeBadRequest   = 400
	CodeUnauthorized = 401
)

var (
	// ErrTimeout is returned when no reply arrives before the deadline
	ErrTimeout = errors.New("topic: no reply before deadline")
	// ErrUnauthorized is returned when the server rejects the access token
	ErrUnauthorized = errors.New("topic: access token rejected")
)

// ProtocolError reports a reply that does not follow the "<code> <text>" format
type ProtocolError struct {
	Reply  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("topic: malformed reply %q: %s", e.Reply, e.Reason)
}

// Response is a decoded reply datagram
type Response struct {
	Code int
	Text string
}

// OK reports whether the server accepted the command
func (r Response) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

func (r Response) String() string {
	return fmt.Sprintf("%03d %s", r.Code, r.Text)
}

// Querier is what the session layer needs from a topic sender
type Querier interface {
	Query(ctx context.Context, address string, port int, token, payload string) (Response, error)
}

// Sender sends topic queries. The zero value is ready to use.
type Sender struct {
	Timeout time.Duration
	// Observe, when set, is called with the outcome of every query
	Observe func(command string, err error)
}

// NewSender returns a Sender with the given per-query timeout
func NewSender(timeout time.Duration) *Sender {
	return &Sender{Timeout: timeout}
}

// Query sends exactly one request datagram and waits for exactly one reply. It never retries.
func (s *Sender) Query(ctx context.Context, address string, port int, token, payload string) (resp Response, err error) {
	if s.Observe != nil {
		defer func() { s.Observe(payload, err) }()
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ErrTimeout
		}
		return Response{}, fmt.Errorf("topic: dial %s:%d: %w", address, port, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return Response{}, fmt.Errorf("topic: set deadline: %w", err)
	}

	// Unblock the read if the caller's context ends before the deadline
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write([]byte(EncodeRequest(token, payload))); err != nil {
		if ctx.Err() != nil {
			return Response{}, ErrTimeout
		}
		return Response{}, fmt.Errorf("topic: send: %w", err)
	}

	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return Response{}, ErrTimeout
		}
		return Response{}, fmt.Errorf("topic: receive: %w", err)
	}

	resp, err = DecodeResponse(string(buf[:n]))
	if err != nil {
		return Response{}, err
	}
	if resp.Code == CodeUnauthorized {
		return resp, ErrUnauthorized
	}

	slog.Debug(fmt.Sprintf("Topic %s:%d %q -> %s", address, port, payload, resp))
	return resp, nil
}

// EncodeRequest builds the request datagram payload
func EncodeRequest(token, command string) string {
	// Built by hand: url.Values.Encode sorts keys and would put command first
	return "?token=" + url.QueryEscape(token) + "&command=" + url.QueryEscape(command)
}

// DecodeRequest parses a request datagram; used by responders
func DecodeRequest(datagram string) (token, command string, err error) {
	if !strings.HasPrefix(datagram, "?") {
		return "", "", &ProtocolError{Reply: datagram, Reason: "request must start with '?'"}
	}
	v, err := url.ParseQuery(datagram[1:])
	if err != nil {
		return "", "", &ProtocolError{Reply: datagram, Reason: err.Error()}
	}
	if !v.Has("command") {
		return "", "", &ProtocolError{Reply: datagram, Reason: "missing command"}
	}
	return v.Get("token"), v.Get("command"), nil
}

// EncodeResponse builds a reply datagram payload
func EncodeResponse(r Response) string {
	return r.String()
}

// DecodeResponse parses "<3 digit code> <text>". The text may be empty.
func DecodeResponse(datagram string) (Response, error) {
	datagram = strings.TrimRight(datagram, "\r\n\x00")
	if len(datagram) < 3 {
		return Response{}, &ProtocolError{Reply: datagram, Reason: "reply shorter than a status code"}
	}
	code, err := strconv.Atoi(datagram[:3])
	if err != nil || code < 100 || code > 999 {
		return Response{}, &ProtocolError{Reply: datagram, Reason: "status code is not three digits"}
	}
	rest := datagram[3:]
	if rest != "" && rest[0] != ' ' {
		return Response{}, &ProtocolError{Reply: datagram, Reason: "missing space after status code"}
	}
	return Response{Code: code, Text: strings.TrimPrefix(rest, " ")}, nil
}
