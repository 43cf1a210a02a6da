//go:build linux

package ws

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Poller wraps a Linux epoll instance. Connections are registered by file
// descriptor; Wait blocks until one or more registered descriptors are
// readable or closed.
type Poller struct {
	fd     int
	mu     sync.Mutex
	events []unix.EpollEvent
}

// NewPoller creates an epoll instance sized for up to maxEvents per wait.
func NewPoller(maxEvents int) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Poller{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Add registers a socket descriptor for readability and hangup events.
func (p *Poller) Add(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add fd=%d: %w", fd, err)
	}
	return nil
}

// Remove deregisters a socket descriptor. Removing a descriptor that was
// already closed is not an error worth surfacing.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks until registered descriptors become ready and returns their
// fds. Interrupted waits (EINTR) are retried.
func (p *Poller) Wait() ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		n, err := unix.EpollWait(p.fd, p.events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("epoll wait: %w", err)
		}

		fds := make([]int, 0, n)
		for i := 0; i < n; i++ {
			fds = append(fds, int(p.events[i].Fd))
		}
		return fds, nil
	}
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
