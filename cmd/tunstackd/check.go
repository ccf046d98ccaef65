package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"tunstack/internal/rpc"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	timeout time.Duration
	send    string
	payload string
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string { return "check" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string { return "проверить точку встречи работающего демона" }

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [flags] - подключиться как шим и выполнить atstart;
с -send дополнительно отправить UDP-датаграмму через стек.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Check) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&p.timeout, "timeout", rpc.DefaultDialTimeout, "сколько ждать появления сокета")
	f.StringVar(&p.send, "send", "", "ip:port для контрольной UDP-датаграммы")
	f.StringVar(&p.payload, "payload", "ping", "содержимое датаграммы")
}

// Execute implements subcommands.Command.Execute.
func (p *Check) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg, log := env(args)
	var remote netip.AddrPort
	if p.send != "" {
		var err error
		if remote, err = netip.ParseAddrPort(p.send); err != nil || !remote.Addr().Is4() {
			fmt.Fprintln(os.Stderr, "check: -send must be IPv4 ip:port")
			return subcommands.ExitUsageError
		}
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	c, err := rpc.Dial(ctx, cfg.SocketPath())
	if err != nil {
		log.Error("check dial", "path", cfg.SocketPath(), "err", err)
		return subcommands.ExitFailure
	}
	defer c.Close()
	c.SetPid(int32(os.Getpid()))

	start, count, err := c.AtStart(ctx, "tunstackd-check")
	if err != nil {
		log.Error("check atstart", "err", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("fd range: %d..%d\n", start, start+count-1)

	if !remote.IsValid() {
		return subcommands.ExitSuccess
	}
	if err := c.Socket(ctx, unix.SOCK_DGRAM); err != nil {
		log.Error("check socket", "err", err)
		return subcommands.ExitFailure
	}
	n, err := c.SendTo(ctx, []byte(p.payload), remote)
	if err != nil {
		log.Error("check sendto", "remote", remote, "err", err)
		return subcommands.ExitFailure
	}
	local, err := c.SockName(ctx)
	if err != nil {
		log.Error("check getsockname", "err", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("sent %d bytes %s -> %s\n", n, local, remote)
	return subcommands.ExitSuccess
}
