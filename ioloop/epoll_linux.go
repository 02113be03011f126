//go:build linux

package ioloop

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	ctlAdd = unix.EPOLL_CTL_ADD
	ctlMod = unix.EPOLL_CTL_MOD
	ctlDel = unix.EPOLL_CTL_DEL
)

func kindMaskToEpoll(mask Kind) uint32 {
	var events uint32 = unix.EPOLLET
	if mask&Read != 0 {
		events |= unix.EPOLLIN
	}
	if mask&Write != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func epollToKindMask(events uint32) Kind {
	var k Kind
	if events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		k |= Read
	}
	if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		k |= Write
	}
	return k
}

func epollCreate() (int, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "epoll_create1")
	}
	return fd, nil
}

// epollApply adds, modifies or deletes fd's registration to reflect mask.
// mask == 0 deletes the fd from the epoll set entirely.
func epollApply(epfd, fd int, mask Kind, wasRegistered bool) error {
	if mask == 0 {
		if !wasRegistered {
			return nil
		}
		if err := unix.EpollCtl(epfd, ctlDel, fd, nil); err != nil && err != unix.ENOENT {
			return errors.Wrapf(err, "epoll_ctl(DEL, %d)", fd)
		}
		return nil
	}

	ev := &unix.EpollEvent{Events: kindMaskToEpoll(mask), Fd: int32(fd)}
	op := ctlMod
	if !wasRegistered {
		op = ctlAdd
	}
	if err := unix.EpollCtl(epfd, op, fd, ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl(%d, %d)", op, fd)
	}
	return nil
}

func epollWait(epfd int, events []unix.EpollEvent, timeoutMs int) (int, error) {
	n, err := unix.EpollWait(epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, unix.EINTR
		}
		return 0, errors.Wrap(err, "epoll_wait")
	}
	return n, nil
}

func newEventfd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "eventfd")
	}
	return fd, nil
}

func eventfdSignal(fd int) error {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "eventfd write")
	}
	return nil
}

// eventfdDrain reads the eventfd counter to zero. Per the spec this also
// serves only to break a blocking wait; errors besides EAGAIN are returned,
// and the caller only logs them, since a failed drain must not wedge the
// idle loop.
func eventfdDrain(fd int) error {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "eventfd read")
	}
	return nil
}
