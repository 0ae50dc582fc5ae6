// peerchat is the control-socket client for a running peerchatd.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"peerchat/internal/control"
	"peerchat/internal/daemon"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "send":
		return runSend(args[1:], stdout, stderr)
	case "recv":
		return runRecv(args[1:], stdout, stderr)
	case "inbox":
		return runSimple("inbox", args[1:], stdout, stderr)
	case "outbox":
		return runSimple("outbox", args[1:], stdout, stderr)
	case "peers":
		return runSimple("peers", args[1:], stdout, stderr)
	case "peer-add":
		return runPeerAdd(args[1:], stdout, stderr)
	case "peer-remove":
		return runPeerRemove(args[1:], stdout, stderr)
	case "peer-resolve":
		return runPeerResolve(args[1:], stdout, stderr)
	case "status":
		return runSimple("status", args[1:], stdout, stderr)
	case "multiaddrs":
		return runSimple("multiaddrs", args[1:], stdout, stderr)
	case "connect":
		return runConnect(args[1:], stdout, stderr)
	case "stop":
		return runSimple("stop", args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: peerchat <command> [args]")
	fmt.Fprintln(w, "  send         --to <principal|alias> --msg <text> [--as <principal>]")
	fmt.Fprintln(w, "  recv         [--since <unix-ms>] [--timeout <ms>] [--as <principal>]")
	fmt.Fprintln(w, "  inbox        [--as <principal>]")
	fmt.Fprintln(w, "  outbox       [--as <principal>]")
	fmt.Fprintln(w, "  peers        [--as <principal>]")
	fmt.Fprintln(w, "  peer-add     --principal <p> [--address <multiaddrs>] [--alias <name>] [--as <principal>]")
	fmt.Fprintln(w, "  peer-remove  --principal <p> [--as <principal>]")
	fmt.Fprintln(w, "  peer-resolve --principal <p> [--through <principal>] [--as <principal>]")
	fmt.Fprintln(w, "  status       [--as <principal>]")
	fmt.Fprintln(w, "  multiaddrs")
	fmt.Fprintln(w, "  connect      --addr <multiaddr> [--as <principal>]")
	fmt.Fprintln(w, "  stop")
	fmt.Fprintln(w, "common: --socket <path> (default <root>/control.sock), --root <dir>")
}

// commonFlags registers the flags every command shares and returns a
// getter for the resolved socket path.
func commonFlags(fs *flag.FlagSet) func() string {
	root := fs.String("root", defaultRoot(), "data directory")
	socket := fs.String("socket", "", "control socket path")
	return func() string {
		if *socket != "" {
			return *socket
		}
		return filepath.Join(*root, "control.sock")
	}
}

func defaultRoot() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".peerchat")
}

func execute(socket string, req daemon.Request, stdout, stderr io.Writer) int {
	c, err := control.DialSocket(socket)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	defer c.Close()
	resp, err := c.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	if !resp.OK {
		fmt.Fprintf(stderr, "error: %s\n", resp.Error)
		return 1
	}
	if resp.Data != nil {
		out, err := json.MarshalIndent(resp.Data, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(out))
	}
	return 0
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	socket := commonFlags(fs)
	to := fs.String("to", "", "recipient principal or alias")
	msg := fs.String("msg", "", "message text")
	as := fs.String("as", "", "acting identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *to == "" || *msg == "" {
		fmt.Fprintln(stderr, "missing --to or --msg")
		return 1
	}
	return execute(socket(), daemon.Request{Cmd: "send", To: *to, Content: *msg, As: *as}, stdout, stderr)
}

func runRecv(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("recv", flag.ContinueOnError)
	fs.SetOutput(stderr)
	socket := commonFlags(fs)
	since := fs.Int64("since", 0, "only messages after this unix millisecond timestamp")
	timeout := fs.Int64("timeout", 0, "wait this many milliseconds for new messages")
	as := fs.String("as", "", "acting identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return execute(socket(), daemon.Request{Cmd: "recv", Since: *since, Timeout: *timeout, As: *as}, stdout, stderr)
}

func runSimple(cmd string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	socket := commonFlags(fs)
	as := fs.String("as", "", "acting identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return execute(socket(), daemon.Request{Cmd: cmd, As: *as}, stdout, stderr)
}

func runPeerAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peer-add", flag.ContinueOnError)
	fs.SetOutput(stderr)
	socket := commonFlags(fs)
	principal := fs.String("principal", "", "peer principal")
	address := fs.String("address", "", "comma-separated multiaddrs")
	alias := fs.String("alias", "", "local alias")
	as := fs.String("as", "", "acting identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *principal == "" {
		fmt.Fprintln(stderr, "missing --principal")
		return 1
	}
	return execute(socket(), daemon.Request{
		Cmd: "peer_add", Principal: *principal, Address: *address, Alias: *alias, As: *as,
	}, stdout, stderr)
}

func runPeerRemove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peer-remove", flag.ContinueOnError)
	fs.SetOutput(stderr)
	socket := commonFlags(fs)
	principal := fs.String("principal", "", "peer principal")
	as := fs.String("as", "", "acting identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *principal == "" {
		fmt.Fprintln(stderr, "missing --principal")
		return 1
	}
	return execute(socket(), daemon.Request{Cmd: "peer_remove", Principal: *principal, As: *as}, stdout, stderr)
}

func runPeerResolve(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peer-resolve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	socket := commonFlags(fs)
	principal := fs.String("principal", "", "principal to resolve")
	through := fs.String("through", "", "connected peer to ask")
	as := fs.String("as", "", "acting identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *principal == "" {
		fmt.Fprintln(stderr, "missing --principal")
		return 1
	}
	return execute(socket(), daemon.Request{
		Cmd: "peer_resolve", Principal: *principal, Through: *through, As: *as,
	}, stdout, stderr)
}

func runConnect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	socket := commonFlags(fs)
	addr := fs.String("addr", "", "multiaddr with /p2p peer component")
	as := fs.String("as", "", "acting identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	return execute(socket(), daemon.Request{Cmd: "connect", Multiaddr: *addr, As: *as}, stdout, stderr)
}
