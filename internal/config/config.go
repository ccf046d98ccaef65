// Package config — настройки демона: TOML-файл, дефолты, проверка.
package config

import (
	"errors"
	"log/slog"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config — общие настройки сервиса.
// Вход: TOML. Выход: заполненная структура с дефолтами.
type Config struct {
	Tun struct {
		Name     string   `toml:"name"`      // имя TUN
		Addr     string   `toml:"addr"`      // IPv4 CIDR адрес на TUN (сторона ядра)
		LinkMTU  int      `toml:"link_mtu"`  // MTU интерфейса (>0 применить)
		AddRoute bool     `toml:"add_route"` // добавить маршрут своей подсети
		Routes   []string `toml:"routes"`    // дополнительные подсети → TUN
	} `toml:"tun"`
	Stack struct {
		Addr              string        `toml:"addr"`               // адрес стека в подсети TUN
		RxQueue           int           `toml:"rx_queue"`           // очередь приёма IP
		RecvQueue         int           `toml:"recv_queue"`         // очередь приёма сокета
		ReassemblyTimeout time.Duration `toml:"reassembly_timeout"` // жизнь незавершённой сборки
		VerifyChecksum    *bool         `toml:"verify_checksum"`    // проверять суммы на приёме
	} `toml:"stack"`
	Control struct {
		SocketDir  string `toml:"socket_dir"`  // каталог точки встречи
		SocketName string `toml:"socket_name"` // имя сокета
		FDStart    int    `toml:"fd_start"`    // первый дескриптор шима
		FDCount    int    `toml:"fd_count"`    // размер диапазона
	} `toml:"control"`
	Capture struct {
		Path string `toml:"path"` // pcap кадров интерфейса, пусто — выключено
	} `toml:"capture"`
	Log struct {
		Level string `toml:"level"` // уровень логов
	} `toml:"log"`
}

// Default — конфигурация без файла.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load — загрузка TOML и дефолтизация.
// Вход: путь (пустой — только дефолты). Выход: Config или ошибка.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, errors.New("config " + path + ": " + err.Error())
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return cfg, errors.New("config " + path + ": unknown key " + keys[0].String())
		}
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Tun.Name == "" {
		c.Tun.Name = "tun0"
	}
	if c.Tun.Addr == "" {
		c.Tun.Addr = "192.168.168.8/24"
	}
	if c.Stack.Addr == "" {
		c.Stack.Addr = "192.168.168.10"
	}
	if c.Stack.RxQueue == 0 {
		c.Stack.RxQueue = 2048
	}
	if c.Stack.RecvQueue == 0 {
		c.Stack.RecvQueue = 128
	}
	if c.Stack.ReassemblyTimeout == 0 {
		c.Stack.ReassemblyTimeout = 60 * time.Second
	}
	if c.Stack.VerifyChecksum == nil {
		on := true
		c.Stack.VerifyChecksum = &on
	}
	if c.Control.SocketDir == "" {
		c.Control.SocketDir = "/run/tunstackd"
	}
	if c.Control.SocketName == "" {
		c.Control.SocketName = "master.socket"
	}
	if c.Control.FDStart == 0 {
		c.Control.FDStart = 4096
	}
	if c.Control.FDCount == 0 {
		c.Control.FDCount = 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate — проверка значений после дефолтов.
// Адрес стека должен лежать в подсети TUN и не совпадать с адресом ядра:
// иначе ядро не отправит ему ни одного пакета.
func (c *Config) Validate() error {
	tun, err := netip.ParsePrefix(c.Tun.Addr)
	if err != nil {
		return errors.New("tun.addr: " + err.Error())
	}
	if !tun.Addr().Is4() {
		return errors.New("tun.addr: IPv4 only")
	}
	stack, err := netip.ParseAddr(c.Stack.Addr)
	if err != nil {
		return errors.New("stack.addr: " + err.Error())
	}
	if !stack.Is4() {
		return errors.New("stack.addr: IPv4 only")
	}
	if !tun.Contains(stack) {
		return errors.New("stack.addr " + stack.String() + " outside tun.addr " + tun.Masked().String())
	}
	if stack == tun.Addr() {
		return errors.New("stack.addr: taken by the kernel side of " + c.Tun.Name)
	}
	for _, r := range c.Tun.Routes {
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return errors.New("tun.routes: " + err.Error())
		}
		if !p.Addr().Is4() {
			return errors.New("tun.routes " + r + ": IPv4 only")
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return errors.New("log.level: " + err.Error())
	}
	if c.Tun.LinkMTU != 0 && (c.Tun.LinkMTU < 576 || c.Tun.LinkMTU > 65535) {
		return errors.New("tun.link_mtu out of range")
	}
	if c.Stack.RxQueue < 0 || c.Stack.RecvQueue < 0 {
		return errors.New("stack: queue limits must be positive")
	}
	if c.Stack.ReassemblyTimeout < 0 {
		return errors.New("stack.reassembly_timeout must be positive")
	}
	if c.Control.FDStart < 0 || c.Control.FDCount < 0 {
		return errors.New("control: fd range must be positive")
	}
	if strings.ContainsRune(c.Control.SocketName, filepath.Separator) {
		return errors.New("control.socket_name: must be a file name")
	}
	return nil
}

// StackAddr — адрес стека.
func (c *Config) StackAddr() netip.Addr { return netip.MustParseAddr(c.Stack.Addr) }

// SocketPath — путь точки встречи.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Control.SocketDir, c.Control.SocketName)
}

// Verify — включена ли проверка сумм.
func (c *Config) Verify() bool { return c.Stack.VerifyChecksum == nil || *c.Stack.VerifyChecksum }

// TunPrefix — адрес ядра на TUN вместе с длиной префикса подсети.
func (c *Config) TunPrefix() netip.Prefix { return netip.MustParsePrefix(c.Tun.Addr) }

// RoutePrefixes — дополнительные подсети, приведённые к адресу сети.
func (c *Config) RoutePrefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.Tun.Routes))
	for _, r := range c.Tun.Routes {
		out = append(out, netip.MustParsePrefix(r).Masked())
	}
	return out
}

// LogLevel — уровень логов; конфиг уже прошёл Validate.
func (c *Config) LogLevel() slog.Level {
	l, _ := ParseLevel(c.Log.Level)
	return l
}

// ParseLevel — уровень в нотации slog: "debug", "info", "warn", "error",
// со смещением вроде "debug+2". "warning" читается как "warn".
func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "warning") {
		s = "warn"
	}
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}
