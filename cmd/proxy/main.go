// Command proxy sits between a Client and a Server, forwarding datagrams
// while injecting configurable drop and delay faults (§4.3/§4.4), and
// exposing a live-reconfiguration control channel (§4.5).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/hqnet/reliagram/daemon/common"
	"github.com/hqnet/reliagram/internal/eventlog"
	"github.com/hqnet/reliagram/internal/metrics"
	"github.com/hqnet/reliagram/internal/proxy"
	"github.com/hqnet/reliagram/internal/proxyconfig"
	"github.com/hqnet/reliagram/internal/validate"
	"github.com/hqnet/reliagram/lalog"
)

func mustIPv4(name, value string) {
	if err := validate.IPv4(value); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mustPort(name string, value int) {
	if _, err := validate.Port(fmt.Sprint(value)); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

func mustChance(name, value string) float64 {
	v, err := validate.Chance(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
	return v
}

func mustDelayTime(name, value string) (int, int) {
	lo, hi, err := validate.DelayTime(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
	return lo, hi
}

func main() {
	listenIP := flag.String("listen-ip", "", "IPv4 address the data socket listens on")
	listenPort := flag.Int("listen-port", 0, "UDP port the data socket listens on, 1..65535")
	targetIP := flag.String("target-ip", "", "IPv4 address of the Server to forward toward")
	targetPort := flag.Int("target-port", 0, "UDP port of the Server to forward toward, 1..65535")
	controlPort := flag.Int("control-port", 0, "UDP port the control socket listens on, 1..65535")
	clientDrop := flag.String("client-drop", "0", "drop probability for client-to-server traffic, [0.0, 1.0]")
	serverDrop := flag.String("server-drop", "0", "drop probability for server-to-client traffic, [0.0, 1.0]")
	clientDelay := flag.String("client-delay", "0", "delay probability for client-to-server traffic, [0.0, 1.0]")
	serverDelay := flag.String("server-delay", "0", "delay probability for server-to-client traffic, [0.0, 1.0]")
	clientDelayTime := flag.String("client-delay-time", "0", "delay window in milliseconds for client-to-server traffic, N or N-M")
	serverDelayTime := flag.String("server-delay-time", "0", "delay window in milliseconds for server-to-client traffic, N or N-M")
	rateLimitPerSec := flag.Int("rate-limit", 200, "maximum datagrams accepted per second per source IP")
	metricsPort := flag.Int("metrics-port", 0, "port to serve Prometheus /metrics on, 0 disables")
	eventLogPath := flag.String("event-log-path", "", "path to append newline-delimited JSON event records, empty disables")
	flag.Parse()

	mustIPv4("--listen-ip", *listenIP)
	mustIPv4("--target-ip", *targetIP)
	mustPort("--listen-port", *listenPort)
	mustPort("--target-port", *targetPort)
	mustPort("--control-port", *controlPort)
	clientDropVal := mustChance("--client-drop", *clientDrop)
	serverDropVal := mustChance("--server-drop", *serverDrop)
	clientDelayVal := mustChance("--client-delay", *clientDelay)
	serverDelayVal := mustChance("--server-delay", *serverDelay)
	clientDelayLo, clientDelayHi := mustDelayTime("--client-delay-time", *clientDelayTime)
	serverDelayLo, serverDelayHi := mustDelayTime("--server-delay-time", *serverDelayTime)

	logger := &lalog.Logger{ComponentName: "Proxy", ComponentID: []lalog.LoggerIDField{{Key: "Addr", Value: *listenIP}, {Key: "Port", Value: *listenPort}}}

	events, err := eventlog.New(logger, *eventLogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer events.Close()

	reg := metrics.NewRegistry()
	proxyMetrics := metrics.NewProxyMetrics(reg)
	metricsSrv, err := reg.Mount(*metricsPort, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer metrics.Shutdown(metricsSrv)

	cfg := proxyconfig.New()
	cfg.SetField("client-drop", fmt.Sprint(clientDropVal))
	cfg.SetField("server-drop", fmt.Sprint(serverDropVal))
	cfg.SetField("client-delay", fmt.Sprint(clientDelayVal))
	cfg.SetField("server-delay", fmt.Sprint(serverDelayVal))
	cfg.SetField("client-delay-time", fmt.Sprintf("%d-%d", clientDelayLo, clientDelayHi))
	cfg.SetField("server-delay-time", fmt.Sprintf("%d-%d", serverDelayLo, serverDelayHi))

	p := proxy.New(*targetIP, *targetPort, cfg, proxyMetrics, events, logger)
	dataApp := proxy.NewDataApp(p)
	controlApp := proxy.NewControlApp(cfg)

	dataServer := common.NewUDPServer(*listenIP, *listenPort, "Proxy-Data", dataApp, *rateLimitPerSec)
	// Forwarding must preserve receive order within a direction (§5), so the
	// data socket processes datagrams inline rather than one goroutine per
	// packet.
	dataServer.Serial = true
	controlServer := common.NewUDPServer(*listenIP, *controlPort, "Proxy-Control", controlApp, *rateLimitPerSec)

	stopScheduler := make(chan struct{})
	go p.RunScheduler(stopScheduler)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		close(stopScheduler)
		totals := p.Totals()
		logger.Info("main", nil, "shutting down, forwarded=%d dropped=%d delayed=%d", totals.Forwarded, totals.Dropped, totals.Delayed)
		dataServer.Stop()
		controlServer.Stop()
	}()

	errs := make(chan error, 2)
	go func() { errs <- dataServer.StartAndBlock() }()
	go func() { errs <- controlServer.StartAndBlock() }()

	if err := <-errs; err != nil {
		logger.Abort("main", err, "proxy exited with error")
	}
}
