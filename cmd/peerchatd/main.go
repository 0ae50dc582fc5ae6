// peerchatd runs the chat daemon: libp2p node, hosted identities,
// delivery engine and control socket.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"peerchat/internal/config"
	"peerchat/internal/control"
	"peerchat/internal/daemon"
	"peerchat/internal/identity"
	"peerchat/internal/node"
	"peerchat/internal/pprofutil"
)

const defaultListen = "/ip4/0.0.0.0/tcp/0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peerchatd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", defaultRoot(), "data directory")
	listen := fs.String("listen", defaultListen, "comma-separated listen multiaddrs")
	socket := fs.String("socket", "", "control socket path (default <root>/control.sock)")
	nick := fs.String("nick", "", "nickname for a first-run identity")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("PEERCHAT_DEBUG", "1")
	}
	if *socket == "" {
		*socket = filepath.Join(*root, "control.sock")
	}

	log, err := newLogger()
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	if err := pprofutil.StartFromEnv(log); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	listenAddrs := splitList(*listen)
	n, err := node.New(*root, listenAddrs)
	if err != nil {
		fmt.Fprintf(stderr, "start node: %v\n", err)
		return 1
	}
	store, err := identity.Open(*root)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		_ = n.Close()
		return 1
	}
	// First run hosts the node's own identity.
	if len(store.List()) == 0 {
		ident := identity.Identity{Principal: n.Principal(), Nick: *nick}
		if err := store.Create(ident); err != nil {
			fmt.Fprintf(stderr, "create identity: %v\n", err)
			_ = n.Close()
			return 1
		}
		log.Info("created identity",
			zap.String("principal", ident.Principal), zap.String("nick", ident.Nick))
	}

	cfg := daemon.Config{
		SweepInterval:    config.SweepInterval(),
		GossipInterval:   config.GossipInterval(),
		RetryMaxBackoff:  config.RetryMaxBackoff(),
		RetryMaxAttempts: config.RetryMaxAttempts(),
		DialTimeout:      config.DialTimeout(),
		HelloTimeout:     config.HelloTimeout(),
		MaxFrameBytes:    config.MaxFrameBytes(),
		PexCacheSize:     config.PexCacheSize(),
		WakeCommand:      config.WakeCommand(),
		ListenAddrs:      listenAddrs,
		MetricsPath:      filepath.Join(*root, "metrics.json"),
	}
	d, err := daemon.New(n, store, cfg, clock.New(), log)
	if err != nil {
		fmt.Fprintf(stderr, "start daemon: %v\n", err)
		_ = n.Close()
		return 1
	}
	d.Start()

	srv, err := control.Listen(*socket, d, log.Named("control"))
	if err != nil {
		fmt.Fprintf(stderr, "control socket: %v\n", err)
		_ = d.Stop()
		return 1
	}
	pidPath := filepath.Join(*root, "peerchatd.pid")
	writePidFile(pidPath, log)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	fmt.Fprintf(stdout, "peerchatd ready principal=%s peer=%s socket=%s\n",
		n.Principal(), n.PeerID(), *socket)
	for _, a := range n.Multiaddrs() {
		fmt.Fprintf(stdout, "listening on %s\n", a)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("signal received", zap.String("signal", sig.String()))
	case <-d.Stopped():
		// stop command arrived over the control socket
	case err := <-serveErr:
		if err != nil {
			log.Error("control server failed", zap.Error(err))
		}
	}

	if err := srv.Close(); err != nil {
		log.Warn("control close failed", zap.Error(err))
	}
	if err := d.Stop(); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	_ = os.Remove(pidPath)
	return 0
}

func newLogger() (*zap.Logger, error) {
	if config.Debug() {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = nil
	return cfg.Build()
}

func defaultRoot() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".peerchat")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writePidFile(path string, log *zap.Logger) {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600); err != nil {
		log.Warn("pid file write failed", zap.Error(err))
	}
}
