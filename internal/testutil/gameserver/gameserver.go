// Package gameserver provides a fake game server topic responder for integration testing.
//
// It can run in-process (Server, bound to a random UDP port) or as a child process spawned by
// the session launcher (RunProcess, called from a test binary's TestMain), in which case it
// reads its port, token and behaviour from the command line and the environment just like
// the real game server would.
package gameserver

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.olrik.dev/warden/internal/topic"
)

const (
	// EnvChild marks a test binary invocation as a fake game server child
	EnvChild = "WARDEN_TEST_GAMESERVER"
	// EnvMode selects the child behaviour, see the Mode constants
	EnvMode = "WARDEN_TEST_MODE"
	// EnvExitCode is the exit code used by ModeExit
	EnvExitCode = "WARDEN_TEST_EXIT_CODE"
	// EnvToken is how the launcher hands the access token to the game server
	EnvToken = "WARDEN_ACCESS_TOKEN"
)

const (
	ModeReady    = "ready"    // answer topic queries
	ModeSilent   = "silent"   // bind the port but never answer
	ModeExit     = "exit"     // exit immediately
	ModeStubborn = "stubborn" // answer pings but ignore shutdown and SIGTERM
)

// Handler produces the reply for an authenticated command
type Handler func(command string) topic.Response

// Responder answers topic datagrams on a packet connection
type Responder struct {
	Token   string
	Handler Handler
	// Silent drops every request without replying
	Silent bool

	mu       sync.Mutex
	commands []string
}

// DefaultHandler answers ping with pong, status with a fixed line and echoes anything else
func DefaultHandler(command string) topic.Response {
	switch command {
	case "ping":
		return topic.Response{Code: topic.CodeOK, Text: "pong"}
	case "status":
		return topic.Response{Code: topic.CodeOK, Text: "running players=0"}
	case "":
		return topic.Response{Code: topic.CodeBadRequest, Text: "empty command"}
	default:
		return topic.Response{Code: topic.CodeOK, Text: "ack " + command}
	}
}

// Serve answers requests until conn is closed
func (r *Responder) Serve(conn net.PacketConn) error {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		token, command, err := topic.DecodeRequest(string(buf[:n]))
		if err != nil {
			conn.WriteTo([]byte(topic.EncodeResponse(topic.Response{Code: topic.CodeBadRequest, Text: "bad request"})), addr)
			continue
		}

		r.mu.Lock()
		r.commands = append(r.commands, command)
		silent := r.Silent
		r.mu.Unlock()

		if silent {
			continue
		}

		var resp topic.Response
		if token != r.Token {
			resp = topic.Response{Code: topic.CodeUnauthorized, Text: "bad token"}
		} else {
			h := r.Handler
			if h == nil {
				h = DefaultHandler
			}
			resp = h(command)
		}
		conn.WriteTo([]byte(topic.EncodeResponse(resp)), addr)
	}
}

// Commands returns every command received so far, authenticated or not
func (r *Responder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.commands))
	copy(out, r.commands)
	return out
}

// SetSilent toggles whether requests are answered
func (r *Responder) SetSilent(silent bool) {
	r.mu.Lock()
	r.Silent = silent
	r.mu.Unlock()
}

// Server is an in-process fake game server for tests
type Server struct {
	*Responder

	t    testing.TB
	conn net.PacketConn
	done chan struct{}
}

// New creates a test server bound to a random localhost UDP port and starts serving.
// It is stopped automatically when the test ends.
func New(t testing.TB, token string, handler Handler) *Server {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("gameserver: listen: %v", err)
	}

	s := &Server{
		Responder: &Responder{Token: token, Handler: handler},
		t:         t,
		conn:      conn,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		s.Serve(conn)
	}()

	t.Cleanup(s.Close)
	return s
}

// Port returns the UDP port the server listens on
func (s *Server) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close stops the server
func (s *Server) Close() {
	s.conn.Close()
	<-s.done
}

// PIDFromLog extracts the pid a child process printed to its log
func PIDFromLog(log string) (int, bool) {
	for _, line := range strings.Split(log, "\n") {
		var pid int
		if _, err := fmt.Sscanf(line, "gameserver: pid %d", &pid); err == nil {
			return pid, true
		}
	}
	return 0, false
}

// FreePort returns a currently unused localhost UDP port
func FreePort(t testing.TB) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("gameserver: free port: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// RunProcess runs the child-process fake game server and returns its exit code.
// Arguments follow the real game server: <dmb> <port> [flags...] [-params <query>].
func RunProcess(args []string) int {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		mode = ModeReady
	}

	if mode == ModeExit {
		code, _ := strconv.Atoi(os.Getenv(EnvExitCode))
		return code
	}

	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "gameserver: usage: <dmb> <port> [flags...]")
		return 2
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "gameserver: bad port %q\n", args[1])
		return 2
	}

	token := os.Getenv(EnvToken)
	for i, a := range args {
		if a == "-params" && i+1 < len(args) {
			if v, err := url.ParseQuery(args[i+1]); err == nil && v.Get("warden_token") != "" {
				token = v.Get("warden_token")
			}
		}
	}

	conn, err := net.ListenPacket("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "gameserver: listen: %v\n", err)
		return 1
	}
	defer conn.Close()

	fmt.Printf("gameserver: pid %d serving %s on port %d (mode %s)\n", os.Getpid(), args[0], port, mode)

	exit := make(chan int, 1)
	sigCh := make(chan os.Signal, 1)
	if mode == ModeStubborn {
		signal.Ignore(syscall.SIGTERM)
	} else {
		signal.Notify(sigCh, syscall.SIGTERM)
	}

	r := &Responder{
		Token:  token,
		Silent: mode == ModeSilent,
		Handler: func(command string) topic.Response {
			if command == "shutdown" && mode != ModeStubborn {
				select {
				case exit <- 0:
				default:
				}
				return topic.Response{Code: topic.CodeOK, Text: "shutting down"}
			}
			if strings.HasPrefix(command, "crash") {
				select {
				case exit <- 7:
				default:
				}
				return topic.Response{Code: topic.CodeOK, Text: "crashing"}
			}
			return DefaultHandler(command)
		},
	}
	go r.Serve(conn)

	select {
	case code := <-exit:
		// Let the reply datagram leave before the socket closes
		time.Sleep(20 * time.Millisecond)
		return code
	case <-sigCh:
		return 0
	}
}
