// Package reactor — однопоточный диспетчер готовности ввода-вывода:
// epoll, каналы с обработчиками и цикл событий с отложенными задачами.
package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxEvents — событий за один epoll_wait.
const maxEvents = 64

// Маски интереса.
const (
	EventNone  uint32 = 0
	EventRead  uint32 = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	EventWrite uint32 = unix.EPOLLOUT
)

// Event — готовность одного дескриптора.
type Event struct {
	FD     int
	Events uint32
}

// Poller — обёртка над epoll.
// Потокобезопасность: ядро сериализует epoll_ctl; Wait зовёт одна горутина.
type Poller struct {
	epfd int
	buf  [maxEvents]unix.EpollEvent
}

// NewPoller — epoll с CLOEXEC.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

func (p *Poller) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(%d, fd=%d, %#x): %w", op, fd, events, err)
	}
	return nil
}

// Add — начать следить за fd.
func (p *Poller) Add(fd int, events uint32) error { return p.ctl(unix.EPOLL_CTL_ADD, fd, events) }

// Modify — сменить маску интереса.
func (p *Poller) Modify(fd int, events uint32) error { return p.ctl(unix.EPOLL_CTL_MOD, fd, events) }

// Remove — перестать следить за fd.
func (p *Poller) Remove(fd int) error { return p.ctl(unix.EPOLL_CTL_DEL, fd, 0) }

// Wait — дождаться готовности (timeoutMs < 0 — без таймаута).
// Вход: срез для переиспользования. Выход: готовые события; EINTR — пусто.
func (p *Poller) Wait(timeoutMs int, ready []Event) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.buf[:], timeoutMs)
	if err == unix.EINTR {
		return ready[:0], nil
	}
	if err != nil {
		return ready[:0], fmt.Errorf("reactor: epoll_wait: %w", err)
	}
	ready = ready[:0]
	for i := 0; i < n; i++ {
		ready = append(ready, Event{FD: int(p.buf[i].Fd), Events: p.buf[i].Events})
	}
	return ready, nil
}

// Close — закрыть epoll.
func (p *Poller) Close() error { return unix.Close(p.epfd) }
