package netif

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// snapLen — предел захвата кадра.
const snapLen = 65535

// Capture — pcap-файл кадров интерфейса (LINKTYPE_RAW: голый IPv4).
// Потокобезопасность: запись под мьютексом (пишут rx и tx).
type Capture struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

// NewCapture — создать файл и записать заголовок.
func NewCapture(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("netif: capture: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("netif: capture header: %w", err)
	}
	return &Capture{f: f, w: w}, nil
}

// Write — записать кадр из кусков.
func (c *Capture) Write(parts ...[]byte) error {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	frame := make([]byte, 0, n)
	for _, p := range parts {
		frame = append(frame, p...)
	}
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: n, Length: n}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.WritePacket(ci, frame)
}

// Close — закрыть файл.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
