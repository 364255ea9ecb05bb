// Command client is the interactive, line-driven sender of §4.1: it reads
// lines from standard input, delivers each with stop-and-wait retransmission,
// and reports the outcome.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/hqnet/reliagram/internal/client"
	"github.com/hqnet/reliagram/internal/eventlog"
	"github.com/hqnet/reliagram/internal/metrics"
	"github.com/hqnet/reliagram/internal/validate"
	"github.com/hqnet/reliagram/lalog"
)

func main() {
	targetIP := flag.String("target-ip", "", "IPv4 address of the Server (or Proxy) to send to")
	targetPort := flag.Int("target-port", 0, "UDP port to send to, 1..65535")
	timeoutMS := flag.Int("timeout", 500, "per-attempt ack wait, in milliseconds")
	metricsPort := flag.Int("metrics-port", 0, "port to serve Prometheus /metrics on, 0 disables")
	eventLogPath := flag.String("event-log-path", "", "path to append newline-delimited JSON event records, empty disables")
	flag.Parse()

	if err := validate.IPv4(*targetIP); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := validate.Port(fmt.Sprint(*targetPort)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *timeoutMS <= 0 {
		fmt.Fprintln(os.Stderr, "--timeout must be a positive number of milliseconds")
		os.Exit(1)
	}

	logger := &lalog.Logger{ComponentName: "Client", ComponentID: []lalog.LoggerIDField{{Key: "Target", Value: *targetIP}, {Key: "Port", Value: *targetPort}}}

	events, err := eventlog.New(logger, *eventLogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer events.Close()

	reg := metrics.NewRegistry()
	clientMetrics := metrics.NewClientMetrics(reg)
	metricsSrv, err := reg.Mount(*metricsPort, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer metrics.Shutdown(metricsSrv)

	c, err := client.New(*targetIP, *targetPort, time.Duration(*timeoutMS)*time.Millisecond, logger, clientMetrics, events)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		logger.Info("main", nil, "received interrupt, sending TERMINATE")
		c.Terminate()
		os.Exit(0)
	}()

	if err := c.Run(os.Stdin, os.Stdout); err != nil {
		logger.Abort("main", err, "client exited with error")
	}
}
