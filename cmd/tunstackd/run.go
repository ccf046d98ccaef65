package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"tunstack/internal/config"
	"tunstack/internal/header"
	"tunstack/internal/ip"
	"tunstack/internal/mux"
	"tunstack/internal/netif"
	"tunstack/internal/transport"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	capture string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string { return "поднять TUN, стек и точку встречи шимов" }

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - запустить демон до SIGINT/SIGTERM.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.capture, "capture", "", "pcap-файл трафика интерфейса (перекрывает capture.path)")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, log := env(args)
	if r.capture != "" {
		cfg.Capture.Path = r.capture
	}
	if err := serve(ctx, cfg, log); err != nil {
		log.Error("run failed", "err", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// serve — собрать стек и обслуживать до отмены ctx.
// Вход: конфиг, логгер. Выход: ошибка запуска или одной из горутин.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	tun, err := netif.OpenTUN(cfg.Tun.Name)
	if err != nil {
		return errors.New("tun open: " + err.Error())
	}
	defer tun.Close()

	linkMTU, err := netif.Configure(cfg.Tun.Name, cfg.TunPrefix(), cfg.Tun.LinkMTU, cfg.Tun.AddRoute)
	if err != nil {
		return errors.New("tun configure: " + err.Error())
	}
	if err := netif.AddRoutes(cfg.Tun.Name, cfg.RoutePrefixes()); err != nil {
		return errors.New("routes add: " + err.Error())
	}

	var capture *netif.Capture
	if cfg.Capture.Path != "" {
		if capture, err = netif.NewCapture(cfg.Capture.Path); err != nil {
			return errors.New("capture: " + err.Error())
		}
		defer capture.Close()
	}
	ifc := netif.New(tun, capture, log)

	engine := ip.New(ifc, ip.Options{
		Addr:              cfg.StackAddr(),
		RxQueue:           cfg.Stack.RxQueue,
		ReassemblyTimeout: cfg.Stack.ReassemblyTimeout,
		VerifyChecksum:    cfg.Verify(),
		Logger:            log,
	})
	ifc.Attach(engine)

	topts := transport.Options{VerifyChecksum: cfg.Verify(), Logger: log}
	tcp := transport.NewTCP(engine, topts)
	udp := transport.NewUDP(engine, topts)
	engine.Register(header.ProtoTCP, tcp)
	engine.Register(header.ProtoUDP, udp)

	m, err := mux.New(tcp, udp, mux.Options{
		SocketPath: cfg.SocketPath(),
		FDStart:    cfg.Control.FDStart,
		FDCount:    cfg.Control.FDCount,
		QueueLimit: cfg.Stack.RecvQueue,
		Logger:     log,
	})
	if err != nil {
		return errors.New("control socket: " + err.Error())
	}
	defer m.Close()

	log.Info("start",
		"tun", cfg.Tun.Name, "tun_addr", cfg.Tun.Addr, "link_mtu", linkMTU,
		"stack_addr", cfg.Stack.Addr, "socket", cfg.SocketPath(),
		"verify_checksum", cfg.Verify(), "capture", cfg.Capture.Path,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ifc.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return m.Run(ctx) })
	err = g.Wait()

	st, is := engine.Stats(), ifc.Stats()
	log.Info("stop",
		"rx", is.RxPackets, "rx_dropped", is.RxDropped, "tx", is.TxPackets, "tx_errors", is.TxErrors,
		"ip_delivered", st.Delivered, "ip_dropped", st.Dropped, "reassembled", st.Reassembled,
	)
	return err
}
