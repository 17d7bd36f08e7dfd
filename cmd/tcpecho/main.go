// Command tcpecho brings up a TAP-backed interface and runs a TCP echo
// server on top of the netstack engine — the Go equivalent of
// original_source/apps/tcp_echo.c's accept_handler/handler pair, wired
// through this module's device/arp/ipv4/tcpstack layers instead of the
// reference C stack.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/netstack/internal/arp"
	"github.com/malbeclabs/netstack/internal/config"
	"github.com/malbeclabs/netstack/internal/device"
	"github.com/malbeclabs/netstack/internal/device/pcapdev"
	"github.com/malbeclabs/netstack/internal/device/tap"
	"github.com/malbeclabs/netstack/internal/ipaddr"
	"github.com/malbeclabs/netstack/internal/ipv4"
	"github.com/malbeclabs/netstack/internal/tcpstack"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		driverName  = flag.String("driver", "tap", "device driver: tap (virtual interface) or pcap (live host interface, for host-side testing)")
		ifaceName   = flag.StringP("iface", "i", "tap0", "device/interface name (TAP device for -driver=tap, host NIC for -driver=pcap)")
		unicastStr  = flag.String("addr", "192.168.33.13", "interface unicast address")
		netmaskStr  = flag.String("netmask", "255.255.255.0", "interface netmask")
		port        = flag.Uint16P("port", "p", 20000, "TCP listen port")
		metricsAddr = flag.String("metrics-addr", "", "address to listen on for prometheus metrics (empty disables)")
		promisc     = flag.Bool("promisc", false, "enable promiscuous-mode capture (-driver=pcap only)")
		verbose     = flag.BoolP("verbose", "v", false, "show debug logs")
	)
	flag.Parse()

	log := newLogger(*verbose)

	unicast, err := ipaddr.Parse(*unicastStr)
	if err != nil {
		return fmt.Errorf("parse --addr: %w", err)
	}
	netmask, err := ipaddr.Parse(*netmaskStr)
	if err != nil {
		return fmt.Errorf("parse --netmask: %w", err)
	}
	cfg, err := config.New(
		config.WithDevice(*ifaceName, 1500),
		config.WithAddress(unicast, netmask, ipaddr.Addr{}),
		config.WithMetricsAddr(*metricsAddr),
	)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			log.Info("prometheus metrics server listening", "address", cfg.MetricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var drv device.Driver
	switch *driverName {
	case "tap":
		drv = tap.New(tap.Config{Name: cfg.DeviceName, MTU: cfg.MTU})
	case "pcap":
		drv = pcapdev.New(pcapdev.Config{Iface: cfg.DeviceName, MTU: cfg.MTU, Promisc: *promisc})
	default:
		return fmt.Errorf("unknown --driver %q (want tap or pcap)", *driverName)
	}
	dev := device.New(drv, log)
	if err := dev.Open(ctx); err != nil {
		return fmt.Errorf("open device %s: %w", cfg.DeviceName, err)
	}
	defer dev.Close()

	resolver := arp.New(dev, log)
	iface := ipv4.NewInterface(cfg.Unicast, cfg.Netmask, cfg.Gateway, dev)
	ip := ipv4.NewStack(&iface, resolver, log)
	tcp := tcpstack.New(ip, log)

	go dev.Run(ctx)
	go ip.RunReassemblySweeper(ctx)
	go tcp.RunTimer(ctx)
	go resolver.RunGC(ctx, 30*time.Second)

	listener, err := tcp.Open()
	if err != nil {
		return fmt.Errorf("tcp open: %w", err)
	}
	if err := tcp.Bind(listener, &iface, *port); err != nil {
		return fmt.Errorf("tcp bind: %w", err)
	}
	if err := tcp.Listen(listener); err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}
	log.Info("listening", "device", cfg.DeviceName, "addr", cfg.Unicast, "port", *port)

	go acceptLoop(ctx, log, tcp, listener)

	<-ctx.Done()
	log.Info("shutting down")
	_ = tcp.Close(listener)
	return nil
}

// acceptLoop mirrors original_source/apps/tcp_echo.c's accept_handler:
// spawn one handler goroutine per accepted connection.
func acceptLoop(ctx context.Context, log *slog.Logger, tcp *tcpstack.Stack, listener tcpstack.Socket) {
	for {
		sock, err := tcp.Accept(ctx, listener)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("accept failed", "error", err)
			return
		}
		log.Info("accepted connection", "socket", sock)
		go echo(ctx, log, tcp, sock)
	}
}

// echo mirrors tcp_echo.c's handler: read, write back, stop on "quit" or
// error.
func echo(ctx context.Context, log *slog.Logger, tcp *tcpstack.Stack, sock tcpstack.Socket) {
	buf := make([]byte, 1024)
	for {
		n, err := tcp.Recv(ctx, sock, buf)
		if err != nil {
			log.Debug("recv ended", "socket", sock, "error", err)
			break
		}
		if _, err := tcp.Send(ctx, sock, buf[:n]); err != nil {
			log.Debug("send failed", "socket", sock, "error", err)
			break
		}
		if strings.HasPrefix(string(buf[:n]), "quit") {
			break
		}
	}
	if err := tcp.Close(sock); err != nil {
		log.Debug("close failed", "socket", sock, "error", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}
