package reactor

import (
	"golang.org/x/sys/unix"
)

// Channel — дескриптор в цикле событий и его обработчики.
// Все методы вызываются из горутины цикла (или до его запуска).
type Channel struct {
	fd       int
	interest uint32
	loop     *EventLoop

	OnRead  func()
	OnWrite func()
	OnClose func()
	OnError func()
}

// NewChannel — канал для fd; fd переводится в non-blocking.
func NewChannel(fd int) *Channel {
	_ = unix.SetNonblock(fd, true)
	return &Channel{fd: fd}
}

func (c *Channel) FD() int          { return c.fd }
func (c *Channel) Interest() uint32 { return c.interest }

// Registered — канал добавлен в цикл.
func (c *Channel) Registered() bool { return c.loop != nil }

func (c *Channel) EnableReading() error  { return c.setInterest(c.interest | EventRead) }
func (c *Channel) DisableReading() error { return c.setInterest(c.interest &^ EventRead) }
func (c *Channel) EnableWriting() error  { return c.setInterest(c.interest | EventWrite) }
func (c *Channel) DisableWriting() error { return c.setInterest(c.interest &^ EventWrite) }
func (c *Channel) DisableAll() error     { return c.setInterest(EventNone) }

func (c *Channel) setInterest(m uint32) error {
	c.interest = m
	if c.loop != nil {
		return c.loop.Update(c)
	}
	return nil
}

// handle — разобрать маску готовности по обработчикам.
// HUP без IN — закрытие; ERR — ошибка; IN/PRI/RDHUP — чтение; OUT — запись.
// Обработчик, снявший канал с цикла, прерывает разбор.
func (c *Channel) handle(ev uint32) {
	if ev&unix.EPOLLHUP != 0 && ev&unix.EPOLLIN == 0 {
		if c.OnClose != nil {
			c.OnClose()
		}
		if c.loop == nil {
			return
		}
	}
	if ev&unix.EPOLLERR != 0 {
		if c.OnError != nil {
			c.OnError()
		}
		if c.loop == nil {
			return
		}
	}
	if ev&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.OnRead != nil {
			c.OnRead()
		}
		if c.loop == nil {
			return
		}
	}
	if ev&unix.EPOLLOUT != 0 && c.OnWrite != nil {
		c.OnWrite()
	}
}
