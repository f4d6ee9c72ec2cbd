// Command venti-cli is an interactive shell for a venti server.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/ventibase/client"
	"github.com/INLOpen/ventibase/core"
	"github.com/chzyer/readline"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("ping"),
	readline.PcItem("write"),
	readline.PcItem("writefile"),
	readline.PcItem("read"),
	readline.PcItem("sync"),
	readline.PcItem("help"),
	readline.PcItem("quit"),
)

const helpText = `Commands:
  ping                       - check the server is alive
  write <type> <text>        - store text as a block of the given type
  writefile <type> <path>    - store a file's contents as one block
  read <score> <type> [max]  - fetch a block and print it
  sync                       - flush the server's arena to disk
  quit                       - say goodbye and exit
`

// errQuit ends the REPL.
var errQuit = errors.New("quit")

func main() {
	addr := pflag.String("addr", "localhost:17034", "venti server address")
	version := pflag.String("version", "", "protocol version to request: 02 or 04 (default: highest offered)")
	uid := pflag.String("uid", os.Getenv("USER"), "user id sent in hello")
	timeout := pflag.Duration("timeout", 10*time.Second, "per-request timeout")
	pflag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	c, err := client.Dial(ctx, *addr, client.Options{Version: *version, UID: *uid, Software: "venti-cli"})
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %s\n", *addr, err)
		os.Exit(1)
	}
	defer c.Close()

	sh := &shell{client: c, out: os.Stdout, timeout: *timeout}

	// Piped input runs as a script without the line editor.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if err := sh.runScript(os.Stdin); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			c.Close()
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Connected to %s\n", c.ServerGreeting())
	fmt.Printf("Protocol %s, session %s\n", c.Version(), c.SessionID())
	fmt.Println("Enter help for usage hints.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "venti> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".venti_cli_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}
		if err := sh.execute(line); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
	}
	fmt.Println("Goodbye!")
}

// blockClient is the part of *client.Client the shell uses.
type blockClient interface {
	Ping(ctx context.Context) error
	Write(ctx context.Context, blockType uint8, data []byte) (core.Score, error)
	Read(ctx context.Context, score core.Score, blockType uint8, count uint32) ([]byte, error)
	Sync(ctx context.Context) error
	Version() string
}

type shell struct {
	client  blockClient
	out     io.Writer
	timeout time.Duration
}

func (s *shell) execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	switch cmd := strings.ToLower(parts[0]); cmd {
	case "help", ".help":
		fmt.Fprint(s.out, helpText)
	case "quit", "exit", ".exit":
		return errQuit
	case "ping":
		start := time.Now()
		if err := s.client.Ping(ctx); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "pong (%s)\n", time.Since(start).Round(time.Microsecond))
	case "sync":
		if err := s.client.Sync(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "ok")
	case "write":
		if len(parts) < 3 {
			return fmt.Errorf("usage: write <type> <text>")
		}
		t, err := parseType(parts[1])
		if err != nil {
			return err
		}
		text := strings.Join(parts[2:], " ")
		return s.write(ctx, t, []byte(text))
	case "writefile":
		if len(parts) != 3 {
			return fmt.Errorf("usage: writefile <type> <path>")
		}
		t, err := parseType(parts[1])
		if err != nil {
			return err
		}
		data, err := os.ReadFile(parts[2])
		if err != nil {
			return err
		}
		return s.write(ctx, t, data)
	case "read":
		if len(parts) < 3 || len(parts) > 4 {
			return fmt.Errorf("usage: read <score> <type> [max]")
		}
		score, err := core.ParseScore(parts[1])
		if err != nil {
			return err
		}
		t, err := parseType(parts[2])
		if err != nil {
			return err
		}
		count := s.maxCount()
		if len(parts) == 4 {
			n, err := strconv.ParseUint(parts[3], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid max %q: %w", parts[3], err)
			}
			count = uint32(n)
		}
		data, err := s.client.Read(ctx, score, t, count)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%d bytes\n%s\n", len(data), data)
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

// runScript executes one command per line and stops at the first failure.
// Blank lines and lines starting with # are skipped.
func (s *shell) runScript(r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.execute(line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

func (s *shell) write(ctx context.Context, t uint8, data []byte) error {
	score, err := s.client.Write(ctx, t, data)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, score.String())
	return nil
}

// maxCount is the largest read count the negotiated version can express.
func (s *shell) maxCount() uint32 {
	if s.client.Version() == "02" {
		return 0xffff
	}
	return core.MaxBlockSize
}

func parseType(text string) (uint8, error) {
	n, err := strconv.ParseUint(text, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid block type %q: %w", text, err)
	}
	return uint8(n), nil
}
