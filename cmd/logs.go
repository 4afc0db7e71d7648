package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/core"
	"go.olrik.dev/warden/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time.

Press Ctrl+C to exit. By default, only shows INFO level and above.

Filter categories:
  server  - Game server lifecycle (launch, crash, reattach, swap)
  topic   - Topic commands sent to the game server
  chat    - Chat providers and commands
  jobs    - Background operations
  system  - System events (daemon start/stop, config reload)

Examples:
  warden logs            # Stream INFO and above
  warden logs -v         # Include DEBUG logs
  warden logs -F server  # Filter to game server lifecycle
  warden logs -F chat    # Filter to chat messages
  warden logs -F 1337    # Filter by keyword
  warden logs -L 50      # Show 50 history lines on connect

Automatically reconnects if the daemon is reloaded.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !daemon.IsRunning() {
				slog.Error(errNotRunning.Error())
				os.Exit(1)
			}

			verbose, _ := cmd.Flags().GetCount("verbose")
			keyword, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")
			filter := logFilter{debug: verbose > 0, keyword: keyword, stripColor: noColor}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			// History is only replayed on the first connection
			history := true
			for {
				conn, err := net.Dial("unix", core.GetSocketPath())
				if err != nil {
					slog.Error(fmt.Sprintf("Failed to connect to daemon: %v", err))
					os.Exit(1)
				}

				request := fmt.Sprintf("LOGS %d", lines)
				if !history {
					request += " no_history"
				}
				if _, err := conn.Write([]byte(request + "\n")); err != nil {
					conn.Close()
					slog.Error(fmt.Sprintf("Failed to send LOGS command: %v", err))
					os.Exit(1)
				}

				done := make(chan struct{})
				go func() {
					defer close(done)
					streamLogs(conn, os.Stdout, filter)
				}()

				select {
				case <-sigChan:
					conn.Close()
					fmt.Println("\nDisconnected from daemon logs.")
					return
				case <-done:
					conn.Close()
				}

				fmt.Println("Connection lost. Reconnecting...")
				if !waitForReconnect() {
					fmt.Println("Daemon not available. Exiting.")
					return
				}
				history = false
			}
		},
	}

	logsCmd.Flags().StringP("filter", "F", "", "Filter logs by category or keyword (e.g., server, topic, chat, jobs, system)")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show on connect")

	return logsCmd
}

// waitForReconnect waits up to 5s for a reloaded daemon to answer again
func waitForReconnect() bool {
	time.Sleep(500 * time.Millisecond)
	for range 10 {
		if daemon.IsRunning() {
			return true
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}

type logFilter struct {
	debug      bool
	keyword    string
	stripColor bool
}

// apply returns the line to print, or false when the line is filtered out
func (f logFilter) apply(line string) (string, bool) {
	if !f.debug && isDebugLog(line) {
		return "", false
	}
	if f.keyword != "" && !matchesFilter(line, f.keyword) {
		return "", false
	}
	if f.stripColor {
		line = stripANSI(line)
	}
	return line, true
}

// streamLogs copies filtered lines from r to w until r fails
func streamLogs(r io.Reader, w io.Writer, filter logFilter) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("Log stream interrupted", "error", err)
			}
			return
		}
		if out, ok := filter.apply(line); ok {
			fmt.Fprint(w, out)
		}
	}
}

// tint prints the level as DBG, DBG-4 below debug
func isDebugLog(line string) bool {
	return strings.Contains(stripANSI(line), " DBG")
}

var filterCategories = map[string][]string{
	"server": {"game server", "reattach", "crash", "swap", "deployment"},
	"topic":  {"topic"},
	"chat":   {"chat", "telnet", "channel"},
	"jobs":   {"job"},
	"system": {"daemon", "configuration", "shutdown"},
}

// matchesFilter matches a category from filterCategories, else any substring
func matchesFilter(line, filter string) bool {
	filter = strings.ToLower(filter)
	lineLower := strings.ToLower(stripANSI(line))

	keywords, ok := filterCategories[filter]
	if !ok {
		keywords = []string{filter}
	}
	return lo.SomeBy(keywords, func(k string) bool { return strings.Contains(lineLower, k) })
}

// stripANSI removes SGR escape sequences
func stripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for {
		start := strings.IndexByte(s, '\033')
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:start])
		end := strings.IndexByte(s[start:], 'm')
		if end < 0 {
			return b.String()
		}
		s = s[start+end+1:]
	}
}
