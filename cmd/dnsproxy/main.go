package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/enadam/dnsproxy/internal/clock"
	"github.com/enadam/dnsproxy/internal/config"
	"github.com/enadam/dnsproxy/internal/poller"
	"github.com/enadam/dnsproxy/internal/proxy"
	"github.com/enadam/dnsproxy/internal/randsrc"
	"github.com/enadam/dnsproxy/internal/reqtable"
	"github.com/enadam/dnsproxy/internal/stats"
	"github.com/enadam/dnsproxy/internal/upstream"
)

// eventLogRate bounds how many drop/spoof events internal/stats prints
// per second; it is not itself a CLI option, since the logging surface
// is treated as an external collaborator.
const eventLogRate = 50

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	parsed, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if parsed.Help {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <upstream-address> [<upstream-port>]\n%s\n", path.Base(os.Args[0]), parsed.Usage)
		return 0
	}
	cfg := parsed.Config

	logger := log.New(os.Stderr, "", log.Lmicroseconds)
	events := stats.NewLogger(logger, eventLogRate, cfg.Debug)
	defer events.Close()

	c := clock.Real{}
	rng := randsrc.New(cfg.RNGSeed)

	pl, err := poller.New()
	if err != nil {
		logger.Printf("dnsproxy: failed to create poller: %v", err)
		return 1
	}
	defer pl.Close()

	timer, err := reqtable.NewLinuxTimer()
	if err != nil {
		logger.Printf("dnsproxy: failed to create GC timer: %v", err)
		return 1
	}
	defer timer.Close()
	if err := pl.Add(timer.FD()); err != nil {
		logger.Printf("dnsproxy: failed to register GC timer: %v", err)
		return 1
	}

	table := reqtable.New(c, timer, logger, cfg.RequestTimeout, cfg.MinGCTime, cfg.MaxRequests)
	table.SetDebug(cfg.Debug)

	upstreamAddr := &net.UDPAddr{IP: cfg.UpstreamAddress, Port: cfg.UpstreamPort}
	pool := upstream.New(upstreamAddr, pl, rng, logger, cfg.MaxPorts, cfg.MaxPortLifetime)
	pool.SetDebug(cfg.Debug)
	defer pool.Close()

	listenAddr := &net.UDPAddr{IP: cfg.ListenAddress, Port: cfg.ListenPort}
	listenFD, listenSock, err := proxy.NewListenSocket(listenAddr)
	if err != nil {
		logger.Printf("dnsproxy: failed to bind %v: %v", listenAddr, err)
		return 1
	}
	defer unix.Close(listenFD)
	if err := pl.Add(listenFD); err != nil {
		logger.Printf("dnsproxy: failed to register listening socket: %v", err)
		return 1
	}

	px := proxy.New(listenSock, listenFD, pool, proxy.NewSockets(), table, pl, timer, rng, logger, c)
	px.SetDebug(cfg.Debug)
	px.SetReporter(events)

	logger.Printf("dnsproxy: listening on %v, forwarding to %v (max-requests=%d max-ports=%d request-timeout=%v)",
		listenAddr, upstreamAddr, cfg.MaxRequests, cfg.MaxPorts, cfg.RequestTimeout)

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Printf("dnsproxy: received %v, shutting down", s)
		close(stop)
	}()

	px.Run(stop)
	return 0
}
