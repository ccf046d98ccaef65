package transport

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Границы эфемерных портов.
const (
	FirstEphemeralPort = 1025
	LastEphemeralPort  = 65535
)

// ports — эфемерные порты одного протокола: счётчик от 1025 по кругу,
// занятые пропускаются.
type ports struct {
	mu   sync.Mutex
	next uint16
	used map[uint16]struct{}
}

func newPorts() *ports {
	return &ports{next: FirstEphemeralPort, used: make(map[uint16]struct{})}
}

// allocate — следующий свободный порт или EADDRINUSE, если заняты все.
func (p *ports) allocate() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < LastEphemeralPort-FirstEphemeralPort+1; i++ {
		port := p.next
		if p.next == LastEphemeralPort {
			p.next = FirstEphemeralPort
		} else {
			p.next++
		}
		if _, busy := p.used[port]; !busy {
			p.used[port] = struct{}{}
			return port, nil
		}
	}
	return 0, unix.EADDRINUSE
}

// release — вернуть порт.
func (p *ports) release(port uint16) {
	p.mu.Lock()
	delete(p.used, port)
	p.mu.Unlock()
}
