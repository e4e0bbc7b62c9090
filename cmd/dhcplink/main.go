package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/equinix-labs/otel-init-go/otelinit"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinkerbell/dhcplink/internal/dhcp/client"
	"github.com/tinkerbell/dhcplink/internal/dhcp/data"
	dhcpotel "github.com/tinkerbell/dhcplink/internal/dhcp/otel"
	"github.com/tinkerbell/dhcplink/internal/dhcp/packet"
	"github.com/tinkerbell/dhcplink/internal/engine/nclient"
	"github.com/tinkerbell/dhcplink/internal/handle"
	"github.com/tinkerbell/dhcplink/internal/metric"
	"github.com/tinkerbell/dhcplink/internal/profile"
	"github.com/tinkerbell/dhcplink/internal/service"
	"github.com/tinkerbell/dhcplink/internal/status"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// GitRev is the git revision of the build. It is set by the Makefile.
var GitRev = "unknown (use make)"

const name = "dhcplink"

type config struct {
	// logLevel is the log level for dhcplink.
	logLevel   string
	configFile string
	dhcp       dhcpConfig
	profile    profileConfig
	inform     informConfig
	metrics    metricsConfig
	otel       otelConfig
}

type dhcpConfig struct {
	iface        string
	serverAddr   string
	unicastAddr  string
	timeout      time.Duration
	attempts     uint
	backoff      time.Duration
	startTimeout time.Duration
	callbackWait time.Duration
	release      bool
}

type profileConfig struct {
	file string
}

type informConfig struct {
	server  string
	port    uint
	timeout time.Duration
}

type metricsConfig struct {
	bindAddr string
}

type otelConfig struct {
	endpoint string
	insecure bool
}

func main() {
	cfg := &config{}
	cli := newCLI(cfg, flag.NewFlagSet(name, flag.ExitOnError))
	_ = cli.Parse(os.Args[1:])

	log := defaultLogger(cfg.logLevel)
	log.Info("starting", "version", GitRev)

	code := 0
	defer func() { os.Exit(code) }()

	ctx, done := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
	defer done()
	cfg.otel.setEnv()
	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, name)
	defer otelShutdown(ctx)
	metric.Init()

	if err := run(ctx, log, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "dhcplink failed", "status", status.Of(err))
		code = 1
	}
	log.Info("stopped")
}

// setEnv hands the collector settings to otelinit, which reads them from the environment.
func (o otelConfig) setEnv() {
	if o.endpoint == "" {
		return
	}
	os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", o.endpoint)
	os.Setenv("OTEL_EXPORTER_OTLP_INSECURE", strconv.FormatBool(o.insecure))
}

func (d dhcpConfig) clientOpts() ([]nclient4.ClientOpt, error) {
	opts := []nclient4.ClientOpt{nclient4.WithTimeout(d.timeout)}
	if d.serverAddr != "" {
		ap, err := netip.ParseAddrPort(d.serverAddr)
		if err != nil {
			return nil, fmt.Errorf("dhcp server address: %w", err)
		}
		opts = append(opts, nclient4.WithServerAddr(net.UDPAddrFromAddrPort(ap)))
	}
	if d.unicastAddr != "" {
		ap, err := netip.ParseAddrPort(d.unicastAddr)
		if err != nil {
			return nil, fmt.Errorf("dhcp unicast address: %w", err)
		}
		opts = append(opts, nclient4.WithUnicast(net.UDPAddrFromAddrPort(ap)))
	}

	return opts, nil
}

func run(ctx context.Context, log logr.Logger, cfg *config) error {
	if cfg.dhcp.iface == "" {
		return errors.New("no interface given, use -dhcp-iface")
	}
	opts, err := cfg.dhcp.clientOpts()
	if err != nil {
		return err
	}
	e, err := nclient.New(log.WithName("engine"), cfg.dhcp.iface, opts...)
	if err != nil {
		return err
	}
	e.Attempts = cfg.dhcp.attempts
	e.Backoff = cfg.dhcp.backoff

	dev := client.NewDevice(cfg.dhcp.iface, e)
	dev.Log = log.WithName("client")
	dev.CallbackWait = cfg.dhcp.callbackWait

	reg := service.New(log.WithName("service"), &handle.Table{})
	if err := reg.Install(ctx, dev); err != nil {
		return err
	}
	defer func() {
		if err := reg.Uninstall(context.Background()); err != nil {
			log.Error(err, "uninstalling service")
		}
	}()
	h, err := reg.CreateChild(ctx)
	if err != nil {
		return err
	}
	inst, err := reg.Instance(h)
	if err != nil {
		return err
	}

	var w *profile.Watcher
	if cfg.profile.file != "" {
		if w, err = profile.NewWatcher(log.WithName("profile"), cfg.profile.file); err != nil {
			return err
		}
	}
	callback := func(s data.State) { log.Info("dhcp state changed", "state", s.String()) }
	if err := inst.Configure(ctx, clientConfig(ctx, log, w, dev.HardwareAddr, callback)); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.metrics.bindAddr != "" {
		serveMetrics(ctx, g, log, cfg.metrics.bindAddr)
	}

	if err := startClient(ctx, log, inst, cfg.dhcp.startTimeout); err != nil {
		return err
	}
	md, err := inst.GetModeData(ctx)
	if err != nil {
		return err
	}
	log.Info("lease bound",
		"ip", md.ClientAddress.String(),
		"mask", md.SubnetMask.String(),
		"router", md.RouterAddress.String(),
		"server", md.ServerAddress.String(),
		"leaseTime", md.LeaseTime,
	)
	if md.ReplyPacket != nil {
		log.V(1).Info("ack", "packet", md.ReplyPacket.Describe())
	}

	if cfg.inform.server != "" {
		if err := inform(ctx, log, inst, md, cfg.inform); err != nil {
			log.Error(err, "dhcp inform failed", "status", status.Of(err))
		}
	}

	if w != nil {
		w.OnChange = func() { reconfigure(ctx, log, inst, w, dev.HardwareAddr, callback) }
		g.Go(func() error {
			w.Start(ctx)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		if cfg.dhcp.release {
			if err := inst.Release(context.Background()); err != nil {
				log.Info("releasing lease", "error", err.Error())
			}
		}
		return inst.Stop(context.Background())
	})

	return g.Wait()
}

// startClient starts the client and waits up to timeout for a lease. The
// client is stopped again when no lease arrives.
func startClient(ctx context.Context, log logr.Logger, inst *client.Instance, timeout time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := inst.Start(sctx, nil)
	if err == nil {
		return nil
	}
	if serr := inst.Stop(context.Background()); serr != nil {
		log.Error(serr, "stopping dhcp client after failed start", "status", status.Of(serr))
	}

	return err
}

// clientConfig returns the profile for mac, or an empty configuration when there is none.
func clientConfig(ctx context.Context, log logr.Logger, w *profile.Watcher, mac net.HardwareAddr, cb func(data.State)) *data.Config {
	c := &data.Config{}
	if w != nil {
		p, err := w.GetByMac(ctx, mac)
		if err != nil {
			log.Info("no usable option profile, using defaults", "mac", mac.String(), "error", err.Error())
		} else {
			c = p
		}
	}
	c.Callback = cb

	return c
}

// reconfigure swaps in the current profile and renews so the server sees it.
func reconfigure(ctx context.Context, log logr.Logger, inst *client.Instance, w *profile.Watcher, mac net.HardwareAddr, cb func(data.State)) {
	if err := inst.Configure(ctx, nil); err != nil {
		log.Error(err, "clearing configuration")
		return
	}
	if err := inst.Configure(ctx, clientConfig(ctx, log, w, mac, cb)); err != nil {
		log.Error(err, "applying reloaded profile")
		return
	}
	if err := inst.RenewRebind(ctx, false, nil); err != nil {
		log.Info("renew after profile reload", "error", err.Error())
		return
	}
	log.Info("profile reloaded")
}

func serveMetrics(ctx context.Context, g *errgroup.Group, log logr.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info("serving metrics", "bind_addr", addr)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// inform sends one DHCPINFORM from the bound address and logs the reply options.
func inform(ctx context.Context, log logr.Logger, inst *client.Instance, md data.ModeData, c informConfig) error {
	server, err := netip.ParseAddr(c.server)
	if err != nil {
		return fmt.Errorf("inform server: %w", err)
	}
	seed, err := dhcpv4.NewInform(md.ClientMACAddress, md.ClientAddress.AsSlice())
	if err != nil {
		return err
	}
	var appends []*data.PacketOption
	if tp := dhcpotel.TraceparentFromContext(ctx); len(tp) > 0 {
		// vendor specific sub-option 69 carries the trace parent.
		appends = append(appends, &data.PacketOption{OpCode: 43, Data: append([]byte{69, byte(len(tp))}, tp...)})
	}
	p, err := inst.Build(ctx, packet.FromDHCPv4(seed), nil, appends)
	if err != nil {
		return err
	}

	tok := &data.Token{
		RemoteAddress: server,
		RemotePort:    uint16(c.port),
		Timeout:       c.timeout,
		Packet:        p,
	}
	ictx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := inst.TransmitReceive(ictx, tok); err != nil {
		return err
	}
	for _, r := range tok.ResponseList {
		n, err := inst.Parse(ctx, r, nil)
		if err != nil && !errors.Is(err, status.ErrBufferTooSmall) {
			return err
		}
		opts := make([]data.PacketOption, n)
		if _, err := inst.Parse(ctx, r, opts); err != nil {
			return err
		}
		for _, o := range opts {
			log.Info("inform reply option", "code", o.OpCode, "len", len(o.Data))
		}
	}

	return nil
}

// defaultLogger is zap logr implementation.
func defaultLogger(level string) logr.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	zapLogger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("who watches the watchmen (%v)?", err))
	}

	return zapr.NewLogger(zapLogger)
}
