// Package pprofutil starts an optional pprof HTTP server for the
// daemon. Off unless PEERCHAT_PPROF=1; bound to loopback unless
// explicitly allowed to go public.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv starts the pprof server when PEERCHAT_PPROF=1.
func StartFromEnv(log *zap.Logger) error {
	if strings.TrimSpace(os.Getenv("PEERCHAT_PPROF")) != "1" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("PEERCHAT_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		allowPublic := strings.TrimSpace(os.Getenv("PEERCHAT_PPROF_ALLOW_PUBLIC")) == "1"
		if !allowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("PEERCHAT_PPROF_ADDR must be loopback unless PEERCHAT_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		log.Info("pprof enabled", zap.String("addr", ln.Addr().String()))
		srv := &http.Server{
			Addr:              ln.Addr().String(),
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
