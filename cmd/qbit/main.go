// Command qbit downloads a single torrent's content to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/oreokoo/qbit/internal/logging"
	"github.com/oreokoo/qbit/internal/orchestrator"
)

func main() {
	var (
		dataDir = flag.String("data-dir", "", "override the default XDG data directory for this torrent's content and state")
		verbose = flag.Bool("v", false, "enable info-level logging to stderr")
		debug   = flag.Bool("vv", false, "enable debug-level logging to stderr")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	switch {
	case *debug:
		logging.SetVerbose(true, logrus.DebugLevel)
	case *verbose:
		logging.SetVerbose(true, logrus.InfoLevel)
	}

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := orchestrator.Run(ctx, args[0], *dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qbit: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("done: %d/%d peer sessions failed\n", result.PeersFailed, result.PeersAttempted)
}
