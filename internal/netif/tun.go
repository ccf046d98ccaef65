// Package netif — виртуальный интерфейс: TUN-устройство, его настройка
// через netlink, цикл приёма в IP-уровень и отправка кадров через writev.
package netif

import (
	"errors"
	"net"
	"net/netip"
	"slices"
	"unsafe"

	netlink "github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Системные константы TUN.
const (
	iffTUN    = 0x0001
	iffNO_PI  = 0x1000
	TUNSETIFF = 0x400454ca
	IFNAMSIZ  = 16
)

// ifreq — аргумент ioctl(TUNSETIFF).
type ifreq struct {
	Name  [IFNAMSIZ]byte
	Flags uint16
	Pad   [22]byte
}

// Device — пакетный дескриптор: одно чтение — один IP-пакет.
type Device interface {
	FD() int
	Name() string
	ReadNB(p []byte) (int, error)
	Writev(bufs [][]byte) (int, error)
	Close() error
}

// Tun — TUN-дескриптор в non-blocking режиме.
// Потокобезопасность: читает одна горутина; writev атомарен для ядра.
type Tun struct {
	fd   int
	name string
}

// OpenTUN — открыть /dev/net/tun, привязать имя, включить non-blocking.
// Вход: имя интерфейса. Выход: *Tun или ошибка.
func OpenTUN(name string) (*Tun, error) {
	if len(name) >= IFNAMSIZ {
		return nil, errors.New("tun name too long: " + name)
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.New("open /dev/net/tun: " + err.Error())
	}
	var req ifreq
	copy(req.Name[:], name)
	req.Flags = iffTUN | iffNO_PI
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(TUNSETIFF), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		_ = unix.Close(fd)
		return nil, errors.New("ioctl TUNSETIFF: " + errno.Error())
	}
	return NewDevice(fd, name)
}

// NewDevice — обернуть готовый пакетный дескриптор (TUN или seqpacket
// в тестах), включив non-blocking.
func NewDevice(fd int, name string) (*Tun, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &Tun{fd: fd, name: name}, nil
}

func (t *Tun) FD() int      { return t.fd }
func (t *Tun) Name() string { return t.name }

// ReadNB — неблокирующее чтение IP-пакета.
// Вход: буфер. Выход: n байт (0 если нет данных) или ошибка.
func (t *Tun) ReadNB(p []byte) (int, error) {
	n, err := unix.Read(t.fd, p)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	return n, err
}

// Writev — запись одного пакета из нескольких кусков.
func (t *Tun) Writev(bufs [][]byte) (int, error) { return unix.Writev(t.fd, bufs) }

// Close — закрытие дескриптора.
func (t *Tun) Close() error { return unix.Close(t.fd) }

// Configure — поднять линк, выставить MTU и назначить стороне ядра
// адрес prefix. Маршрут на подсеть prefix ставится только с addRoute:
// обычно его добавляет само ядро вместе с адресом.
// Вход: имя, адрес ядра с длиной префикса, MTU (0 — не трогать), addRoute.
// Выход: MTU линка после настройки или ошибка.
func Configure(name string, prefix netip.Prefix, linkMTU int, addRoute bool) (int, error) {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		return 0, errors.New("tun addr " + prefix.String() + ": IPv4 prefix required")
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, errors.New("link not found: " + err.Error())
	}
	if linkMTU > 0 && link.Attrs().MTU != linkMTU {
		if err := netlink.LinkSetMTU(link, linkMTU); err != nil {
			return 0, errors.New("set mtu: " + err.Error())
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return 0, errors.New("link up: " + err.Error())
	}
	if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: ipNet(prefix)}); err != nil {
		return 0, errors.New("addr set " + prefix.String() + ": " + err.Error())
	}
	if addRoute {
		if err := routeTo(link, prefix.Masked()); err != nil {
			return 0, err
		}
	}
	if link, err = netlink.LinkByName(name); err != nil {
		return 0, errors.New("link reload: " + err.Error())
	}
	return link.Attrs().MTU, nil
}

// AddRoutes — направить дополнительные подсети в интерфейс. Биты хоста
// в префиксах отбрасываются, повторы ставятся один раз.
func AddRoutes(name string, routes []netip.Prefix) error {
	var dsts []netip.Prefix
	for _, r := range routes {
		if !r.IsValid() || !r.Addr().Is4() {
			return errors.New("route " + r.String() + ": IPv4 only")
		}
		if r = r.Masked(); !slices.Contains(dsts, r) {
			dsts = append(dsts, r)
		}
	}
	if len(dsts) == 0 {
		return nil
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.New("link not found: " + err.Error())
	}
	for _, dst := range dsts {
		if err := routeTo(link, dst); err != nil {
			return err
		}
	}
	return nil
}

func routeTo(link netlink.Link, dst netip.Prefix) error {
	rt := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipNet(dst), Scope: netlink.SCOPE_LINK}
	if err := netlink.RouteReplace(rt); err != nil {
		return errors.New("route " + dst.String() + ": " + err.Error())
	}
	return nil
}

// ipNet — префикс в виде, который ждёт netlink.
func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{IP: p.Addr().AsSlice(), Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen())}
}
