// Command echoserver is the thin consumer from scenario S1: it binds a
// loopback listener, registers its accept readiness with an ioloop.Manager,
// and echoes back whatever a client sends until the client closes.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/go-sylar/sylar/internal/logx"
	"github.com/go-sylar/sylar/ioloop"
)

func main() {
	var addr string
	var workers int

	cmd := &cobra.Command{
		Use:   "echoserver",
		Short: "Epoll-backed echo server driven by the ioloop scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, workers)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:0", "address to listen on")
	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "worker thread count")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addr string, workers int) error {
	logger := logx.New("echoserver")
	defer logger.Sync()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Info("listening", zap.String("addr", ln.Addr().String()))

	m, err := ioloop.New("echoserver", workers, false, ioloop.WithLogger(logger))
	if err != nil {
		return err
	}
	defer m.Close()
	m.Start()

	lfd, err := listenerFD(ln)
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
					if err := m.AddEvent(lfd, ioloop.Read, acceptCb); err != nil {
						logger.Error("re-arm accept failed", zap.Error(err))
					}
					return
				}
				logger.Warn("accept failed", zap.Error(err))
				return
			}
			unix.SetNonblock(connFd, true)
			serveConn(m, logger, connFd)
		}
	}
	if err := m.AddEvent(lfd, ioloop.Read, acceptCb); err != nil {
		return err
	}

	select {}
}

// serveConn registers an edge-triggered read handler draining to EAGAIN,
// per the spec's edge-triggered contract; n==0 is always treated as EOF
// regardless of errno.
func serveConn(m *ioloop.Manager, logger *zap.Logger, fd int) {
	var onReadable func()
	onReadable = func() {
		buf := make([]byte, 4096)
		for {
			n, err := unix.Read(fd, buf)
			if n > 0 {
				if _, werr := unix.Write(fd, buf[:n]); werr != nil {
					logger.Debug("write failed, closing", zap.Error(werr))
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
			logger.Debug("read failed, closing", zap.Error(err))
			unix.Close(fd)
			return
		}
	}
	if err := m.AddEvent(fd, ioloop.Read, onReadable); err != nil {
		logger.Error("initial read arm failed", zap.Error(err))
	}
}

func listenerFD(ln net.Listener) (int, error) {
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return -1, fmt.Errorf("echoserver: listener is not a *net.TCPListener")
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
