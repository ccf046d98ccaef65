package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrNotRegistered — канал не принадлежит этому циклу.
var ErrNotRegistered = errors.New("reactor: channel not registered")

// EventLoop — цикл событий: ждёт готовности, зовёт обработчики каналов,
// выполняет задачи из Post. Каналы меняются только из горутины цикла.
type EventLoop struct {
	poller   *Poller
	channels map[int]*Channel
	log      *slog.Logger

	// wake — self-pipe для Post и Stop из других горутин.
	wakeR, wakeW int

	mu      sync.Mutex
	posted  []func()
	stopped bool
}

// New — цикл с собственным epoll и wake-pipe.
func New(log *slog.Logger) (*EventLoop, error) {
	if log == nil {
		log = slog.Default()
	}
	p, err := NewPoller()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}
	if err := p.Add(fds[0], unix.EPOLLIN); err != nil {
		_ = p.Close()
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, err
	}
	return &EventLoop{
		poller:   p,
		channels: make(map[int]*Channel),
		log:      log.With("component", "reactor"),
		wakeR:    fds[0],
		wakeW:    fds[1],
	}, nil
}

// Add — зарегистрировать канал с его текущей маской.
func (l *EventLoop) Add(c *Channel) error {
	if c.loop != nil {
		return fmt.Errorf("reactor: fd %d already registered", c.fd)
	}
	if err := l.poller.Add(c.fd, c.interest); err != nil {
		return err
	}
	c.loop = l
	l.channels[c.fd] = c
	l.log.Debug("channel added", "fd", c.fd, "interest", c.interest)
	return nil
}

// Update — передать epoll новую маску канала.
func (l *EventLoop) Update(c *Channel) error {
	if c.loop != l {
		return ErrNotRegistered
	}
	return l.poller.Modify(c.fd, c.interest)
}

// Remove — снять канал. Повторное снятие возвращает ErrNotRegistered.
func (l *EventLoop) Remove(c *Channel) error {
	if c.loop != l {
		return ErrNotRegistered
	}
	c.loop = nil
	if l.channels[c.fd] == c {
		delete(l.channels, c.fd)
	}
	l.log.Debug("channel removed", "fd", c.fd)
	return l.poller.Remove(c.fd)
}

// Len — число зарегистрированных каналов.
func (l *EventLoop) Len() int { return len(l.channels) }

// Post — выполнить f в горутине цикла. Безопасно из любых горутин.
func (l *EventLoop) Post(f func()) {
	l.mu.Lock()
	l.posted = append(l.posted, f)
	l.mu.Unlock()
	l.wake()
}

// Stop — завершить Run после текущей итерации.
func (l *EventLoop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.wake()
}

func (l *EventLoop) wake() {
	if _, err := unix.Write(l.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		l.log.Warn("wake write", "err", err)
	}
}

// Run — крутить цикл до Stop или отмены ctx.
func (l *EventLoop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	l.log.Info("event loop started")
	ready := make([]Event, 0, maxEvents)
	for {
		var err error
		ready, err = l.poller.Wait(-1, ready)
		if err != nil {
			return err
		}
		for _, ev := range ready {
			if ev.FD == l.wakeR {
				l.drainWake()
				continue
			}
			c, ok := l.channels[ev.FD]
			if !ok {
				// снят обработчиком раньше в этой же пачке
				continue
			}
			c.handle(ev.Events)
		}
		if l.runPosted() {
			l.log.Info("event loop stopped")
			return nil
		}
	}
}

func (l *EventLoop) drainWake() {
	var buf [64]byte
	for {
		if n, err := unix.Read(l.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

// runPosted — выполнить накопленные задачи. Выход: запрошена остановка.
func (l *EventLoop) runPosted() bool {
	l.mu.Lock()
	tasks := l.posted
	l.posted = nil
	stopped := l.stopped
	l.mu.Unlock()
	for _, f := range tasks {
		f()
	}
	return stopped
}

// Close — снять все каналы и закрыть epoll и wake-pipe.
// Дескрипторы каналов остаются за их владельцами.
func (l *EventLoop) Close() error {
	for _, c := range l.channels {
		c.loop = nil
	}
	clear(l.channels)
	return errors.Join(l.poller.Close(), unix.Close(l.wakeR), unix.Close(l.wakeW))
}
