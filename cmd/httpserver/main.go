// Command httpserver is the analog of test_coroutine_webserver.cc: a
// deliberately minimal byte-scanning request handler (not a conformant HTTP
// parser, per the explicit Non-goal) that exercises ioloop.Manager's
// accept/read/write readiness dispatch and its composed timer.Manager.
//
// The original test program called server->start() and iom->addTimer(...)
// twice in a row (a copy-paste defect); this port collapses both to a
// single call.
package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/go-sylar/sylar/internal/logx"
	"github.com/go-sylar/sylar/ioloop"
)

type route struct {
	contentType string
	body        func() string
}

var routes = map[string]route{
	"/api/hello": {
		contentType: "text/plain; charset=utf-8",
		body:        func() string { return "hello from the coroutine web server\n" },
	},
	"/api/json": {
		contentType: "application/json; charset=utf-8",
		body: func() string {
			return fmt.Sprintf(`{"status":"success","timestamp":%q}`, time.Now().Format(time.RFC3339))
		},
	},
}

func main() {
	var addr string
	var workers int

	cmd := &cobra.Command{
		Use:   "httpserver",
		Short: "Minimal byte-scanning HTTP server driven by the ioloop scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, workers)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:0", "address to listen on")
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "worker thread count")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addr string, workers int) error {
	logger := logx.New("httpserver")
	defer logger.Sync()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	m, err := ioloop.New("httpserver", workers, false, ioloop.WithLogger(logger))
	if err != nil {
		return err
	}
	defer m.Close()
	m.Start()

	lfd, err := dupListenerFD(ln)
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(lfd, true); err != nil {
		return err
	}

	var acceptCb func()
	acceptCb = func() {
		for {
			connFd, _, err := unix.Accept(lfd)
			if err != nil {
				if err == unix.EAGAIN {
					_ = m.AddEvent(lfd, ioloop.Read, acceptCb)
					return
				}
				logger.Warn("accept failed", zap.Error(err))
				return
			}
			unix.SetNonblock(connFd, true)
			serveHTTPConn(m, logger, connFd)
		}
	}
	if err := m.AddEvent(lfd, ioloop.Read, acceptCb); err != nil {
		return err
	}

	logger.Info("listening", zap.String("addr", ln.Addr().String()))

	// A single status timer; the original test program scheduled this
	// (and called start) twice.
	m.Timers().AddTimer(time.Second, true, func() {
		logger.Info("serving")
	})

	select {}
}

func serveHTTPConn(m *ioloop.Manager, logger *zap.Logger, fd int) {
	var pending bytes.Buffer

	var onReadable func()
	onReadable = func() {
		buf := make([]byte, 4096)
		for {
			n, err := unix.Read(fd, buf)
			if n > 0 {
				pending.Write(buf[:n])
				if idx := bytes.Index(pending.Bytes(), []byte("\r\n\r\n")); idx >= 0 {
					handleRequest(fd, logger, pending.Bytes()[:idx])
					unix.Close(fd)
					return
				}
				continue
			}
			if n == 0 {
				unix.Close(fd)
				return
			}
			if err == unix.EAGAIN {
				if err := m.AddEvent(fd, ioloop.Read, onReadable); err != nil {
					logger.Error("re-arm read failed", zap.Error(err))
				}
				return
			}
			unix.Close(fd)
			return
		}
	}
	if err := m.AddEvent(fd, ioloop.Read, onReadable); err != nil {
		logger.Error("initial read arm failed", zap.Error(err))
	}
}

// handleRequest extracts the request line's path via a byte scan (not a
// conformant parser, per the explicit Non-goal) and writes a minimal
// response.
func handleRequest(fd int, logger *zap.Logger, head []byte) {
	firstLine, _, _ := bytes.Cut(head, []byte("\r\n"))
	fields := strings.Fields(string(firstLine))
	path := "/"
	if len(fields) >= 2 {
		path = fields[1]
	}

	r, ok := routes[path]
	status := "200 OK"
	ct := "text/plain; charset=utf-8"
	body := "not found\n"
	if ok {
		body = r.body()
		ct = r.contentType
	} else if path != "/" {
		status = "404 Not Found"
	} else {
		body = "go-sylar coroutine web server\n"
	}

	resp := fmt.Sprintf("HTTP/1.1 %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, ct, len(body), body)
	if _, err := unix.Write(fd, []byte(resp)); err != nil {
		logger.Debug("write response failed", zap.Error(err))
	}
}

func dupListenerFD(ln net.Listener) (int, error) {
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return -1, fmt.Errorf("httpserver: listener is not a *net.TCPListener")
	}
	raw, err := tl.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	var ctrlErr error
	err = raw.Control(func(f uintptr) {
		dup, derr := unix.Dup(int(f))
		if derr != nil {
			ctrlErr = derr
			return
		}
		fd = dup
	})
	if err != nil {
		return -1, err
	}
	return fd, ctrlErr
}
