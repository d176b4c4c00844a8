// ridectl is the control CLI for ridelinkd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"ridelink/internal/config"
	"ridelink/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
	apiAddr    = flag.String("api", "", "daemon API address (default: api.listen from config)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := flag.Arg(0)
	var err error

	switch cmd {
	case "init":
		err = cmdInit()
	case "status":
		err = cmdStatus(ctx)
	case "rides":
		err = cmdRides(ctx)
	case "show":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: ridectl show <ride-id>")
			os.Exit(1)
		}
		err = cmdShow(ctx, flag.Arg(1))
	case "unsynced":
		err = cmdUnsynced(ctx)
	case "mark-synced":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: ridectl mark-synced <ride-id>")
			os.Exit(1)
		}
		err = cmdMarkSynced(ctx, flag.Arg(1))
	case "export":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "Usage: ridectl export <ride-id> <output.fit>")
			os.Exit(1)
		}
		err = cmdExport(ctx, flag.Arg(1), flag.Arg(2))
	case "start":
		err = cmdStart(ctx)
	case "stop":
		err = cmdStop(ctx)
	case "connect", "disconnect":
		if flag.NArg() < 2 {
			fmt.Fprintf(os.Stderr, "Usage: ridectl %s <heart_rate|glucose|heading>\n", cmd)
			os.Exit(1)
		}
		err = cmdLink(ctx, cmd, flag.Arg(1))
	case "scan":
		err = cmdScan(ctx)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ridectl - Control utility for ridelinkd

Usage: ridectl [options] <command> [args]

Commands:
  init                      Write the default config file if none exists
  status                    Show recorder, sensor links and unsynced rides
  rides                     List recorded rides
  show <id>                 Show one ride
  unsynced                  Count rides not yet synced to the health store
  mark-synced <id>          Mark a ride as synced to the health store
  export <id> <file.fit>    Export a ride as a FIT activity
  start                     Start recording a ride
  stop                      Stop recording and save the ride
  connect <kind>            Connect the direct link of a sensor kind
  disconnect <kind>         Disconnect the direct link of a sensor kind
  scan                      Request a glucose scan
  help                      Show this help message

History commands read the store directly when the daemon is not running.

Options:
  -config <path>  Path to config file (default: `+config.ConfigPath()+`)
  -api <addr>     Daemon API address (default: api.listen from config)`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *apiAddr != "" {
		cfg = config.Merge(cfg, &config.Config{API: config.APIConfig{Listen: *apiAddr}})
	}
	return cfg
}

func daemon(cfg *config.Config) *client {
	return newClient(cfg.API.Listen)
}

// rides returns the daemon when it answers, otherwise the store opened from
// the config. The returned close func must be called when done.
func rides(ctx context.Context, cfg *config.Config) (rideSource, func(), error) {
	c := daemon(cfg)
	if cfg.API.Enabled {
		_, err := c.UnsyncedCount(ctx)
		if err == nil || !errors.Is(err, errDaemonDown) {
			return c, func() {}, nil
		}
	}
	if cfg.Storage.Type == string(store.TypeMemory) {
		return nil, nil, fmt.Errorf("%w and the memory store is only readable through it", errDaemonDown)
	}
	s, err := store.New(ctx, store.Options{
		Type:        store.Type(cfg.Storage.Type),
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: cfg.BusyTimeout(),
		MaxConns:    2,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return storeRides{Store: s}, func() { _ = s.Close() }, nil
}
