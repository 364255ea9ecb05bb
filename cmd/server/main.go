// Command server runs the reliagram Server: the deduplication,
// acknowledgment-replay, and in-order delivery endpoint of §4.2.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/hqnet/reliagram/internal/eventlog"
	"github.com/hqnet/reliagram/internal/metrics"
	"github.com/hqnet/reliagram/internal/server"
	"github.com/hqnet/reliagram/internal/validate"
	"github.com/hqnet/reliagram/lalog"
)

func main() {
	listenIP := flag.String("listen-ip", "", "IPv4 address to listen on")
	listenPort := flag.Int("listen-port", 0, "UDP port to listen on, 1..65535")
	cacheTimeoutSec := flag.Int("cache-timeout", 10, "ack-cache expiry window, in seconds")
	metricsPort := flag.Int("metrics-port", 0, "port to serve Prometheus /metrics on, 0 disables")
	eventLogPath := flag.String("event-log-path", "", "path to append newline-delimited JSON event records, empty disables")
	rateLimitPerSec := flag.Int("rate-limit", 50, "maximum datagrams accepted per second per source IP")
	flag.Parse()

	if err := validate.IPv4(*listenIP); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := validate.Port(fmt.Sprint(*listenPort)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := &lalog.Logger{ComponentName: "Server", ComponentID: []lalog.LoggerIDField{{Key: "Addr", Value: *listenIP}, {Key: "Port", Value: *listenPort}}}

	events, err := eventlog.New(logger, *eventLogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer events.Close()

	reg := metrics.NewRegistry()
	serverMetrics := metrics.NewServerMetrics(reg)
	metricsSrv, err := reg.Mount(*metricsPort, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer metrics.Shutdown(metricsSrv)

	app := server.New(time.Duration(*cacheTimeoutSec)*time.Second, serverMetrics, events)
	udpServer := server.NewUDPServer(*listenIP, *listenPort, *rateLimitPerSec, app)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		logger.Info("main", nil, "received interrupt, shutting down")
		udpServer.Stop()
	}()

	if err := udpServer.StartAndBlock(); err != nil {
		logger.Abort("main", err, "server exited with error")
	}
}
