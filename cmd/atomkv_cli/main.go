// Command atomkv_cli is an interactive client for atomkv_server. Commands
// typed at the prompt are sent verbatim over a pooled TCP connection; see
// the server for the protocol.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/mitul-kalra/atomkv/pkg/connection"
)

const (
	poolSize    = 2
	dialTimeout = 5 * time.Second
)

// sendCommand ships one line to the server and returns the reply line.
func sendCommand(pool *connection.PoolManager, addr, line string) (string, error) {
	conn, err := pool.Get(addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		conn.ForceClose()
		return "", fmt.Errorf("failed to send command: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.ForceClose()
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <table> <key> <value>")
	fmt.Println("  get <table> <key>")
	fmt.Println("  del <table> <key>")
	fmt.Println("  begin                        start a batched transaction")
	fmt.Println("  queue <insert|update|delete> <table> <key> [value]")
	fmt.Println("  exec                         execute the pending batch")
	fmt.Println("  recover <txn_id>")
	fmt.Println("  metrics")
	fmt.Println("  log")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
}

func main() {
	addr := flag.String("addr", "localhost:7400", "atomkv server address")
	flag.Parse()

	pool := connection.NewPoolManager(poolSize, dialTimeout)
	defer pool.Close()

	// One-shot mode: forward the remaining args as a single command.
	if args := flag.Args(); len(args) > 0 {
		reply, err := sendCommand(pool, *addr, strings.Join(args, " "))
		if err != nil {
			fmt.Fprintf(os.Stderr, "atomkv_cli: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(reply)
		return
	}

	rl, err := readline.New("atomkv> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "atomkv_cli: failed to initialize readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("AtomKV CLI (interactive mode). Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println("Exiting AtomKV CLI.")
				return
			}
			fmt.Fprintf(os.Stderr, "atomkv_cli: %v\n", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch strings.ToLower(strings.Fields(line)[0]) {
		case "exit", "quit":
			fmt.Println("Exiting AtomKV CLI.")
			return
		case "help":
			printHelp()
			continue
		}

		reply, err := sendCommand(pool, *addr, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "atomkv_cli: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
}
