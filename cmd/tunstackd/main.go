// tunstackd — пользовательский TCP/IP-стек поверх TUN.
// Приложения подключаются через шим по unix seqpacket-сокету.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"tunstack/internal/config"
)

var global globalFlags

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Check), "")
	subcommands.Register(new(Version), "")

	global.register(flag.CommandLine)
	flag.Parse()

	cfg, err := global.load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunstackd:", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})
	log := slog.New(h)
	slog.SetDefault(log)

	// Контекст завершения. Прерывает циклы приёма и цикл событий.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx, &cfg, log)
	stop()
	os.Exit(int(status))
}

// globalFlags — флаги, перекрывающие значения конфига.
type globalFlags struct {
	config    string
	logLevel  string
	tunName   string
	tunAddr   string
	stackAddr string
}

func (g *globalFlags) register(f *flag.FlagSet) {
	f.StringVar(&g.config, "config", "", "путь к TOML-конфигу (пусто — дефолты)")
	f.StringVar(&g.logLevel, "log-level", "", "уровень логов: debug|info|warn|error, можно со смещением (debug+2)")
	f.StringVar(&g.tunName, "tun-name", "", "имя TUN-интерфейса")
	f.StringVar(&g.tunAddr, "tun-addr", "", "IPv4 CIDR на стороне ядра")
	f.StringVar(&g.stackAddr, "stack-addr", "", "адрес стека в подсети TUN")
}

// load — конфиг из файла с перекрытием флагами и повторной проверкой.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.config)
	if err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.tunName != "" {
		cfg.Tun.Name = g.tunName
	}
	if g.tunAddr != "" {
		cfg.Tun.Addr = g.tunAddr
	}
	if g.stackAddr != "" {
		cfg.Stack.Addr = g.stackAddr
	}
	return cfg, cfg.Validate()
}

// env — аргументы, которые main передаёт каждой команде.
func env(args []interface{}) (*config.Config, *slog.Logger) {
	return args[0].(*config.Config), args[1].(*slog.Logger)
}
