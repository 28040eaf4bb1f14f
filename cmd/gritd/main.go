// Command gritd is the grit daemon: one supervisor per process, one
// worker per (repo, actor) pair, multiplexing concurrent clients over a
// single store handle each.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/neul-labs/grit/internal/daemon"
)

func main() {
	endpoint := flag.String("endpoint", "", "unix socket path for requests")
	notifyEndpoint := flag.String("notify-endpoint", "", "unix socket path for notifications (default <endpoint>.notify)")
	logFile := flag.String("log-file", "", "log file path (default stderr)")
	flag.Parse()

	if *endpoint == "" {
		fmt.Fprintln(os.Stderr, "gritd: --endpoint is required")
		os.Exit(2)
	}
	if *notifyEndpoint == "" {
		*notifyEndpoint = *endpoint + ".notify"
	}

	var out io.Writer = os.Stderr
	if *logFile != "" {
		out = &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	log := zerolog.New(out).With().Timestamp().Str("component", "gritd").Logger()

	hostID, err := os.Hostname()
	if err != nil {
		hostID = "unknown"
	}

	sup := daemon.NewSupervisor(*endpoint, *notifyEndpoint, hostID, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		sup.Stop()
	}()

	if err := sup.Run(); err != nil {
		log.Error().Err(err).Msg("supervisor exited")
		os.Exit(1)
	}
}
