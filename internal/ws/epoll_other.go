//go:build !linux

package ws

import "errors"

// Poller is the event-loop stub for non-Linux platforms. NewPoller fails and
// the server falls back to one reader goroutine per connection.
type Poller struct{}

var errNoPoller = errors.New("epoll event loop requires linux")

// NewPoller always fails on non-Linux platforms.
func NewPoller(maxEvents int) (*Poller, error) {
	return nil, errNoPoller
}

func (p *Poller) Add(fd int) error { return errNoPoller }

func (p *Poller) Remove(fd int) error { return errNoPoller }

func (p *Poller) Wait() ([]int, error) { return nil, errNoPoller }

func (p *Poller) Close() error { return nil }
