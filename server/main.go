package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"collabtext/config"
	"collabtext/discovery"
	"collabtext/relay"
)

type serverOptions struct {
	configPath    string
	addr          string
	redis         string
	keepSnapshots bool
	advertise     bool
	instance      string
}

func newServerCommand() *cobra.Command {
	opts := &serverOptions{}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "CollabText room relay",
		Long: `Relay document updates and presence between the members of each room.

With --redis several relay instances share their rooms through redis pub/sub.
REDIS_ADDR and COLLABTEXT_ADDR override the config file.

Example:
  server --addr :8081
  server --redis localhost:6379 --advertise`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&opts.redis, "redis", "", "redis address shared by relay instances")
	cmd.Flags().BoolVar(&opts.keepSnapshots, "keep-snapshots", true, "answer sync-requests from an in-memory replica of each room")
	cmd.Flags().BoolVar(&opts.advertise, "advertise", false, "advertise the relay over mDNS")
	cmd.Flags().StringVar(&opts.instance, "instance", "", "mDNS instance name")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	return cmd
}

func relayConfig(cmd *cobra.Command, opts *serverOptions) (*config.Relay, error) {
	c, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	r := &c.Relay
	flags := cmd.Flags()
	if flags.Changed("addr") {
		r.Addr = opts.addr
	}
	if flags.Changed("redis") {
		r.Redis = opts.redis
	}
	if flags.Changed("keep-snapshots") {
		r.KeepSnapshots = opts.keepSnapshots
	}
	if flags.Changed("advertise") {
		r.Advertise = opts.advertise
	}
	if flags.Changed("instance") {
		r.Instance = opts.instance
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func runServer(cmd *cobra.Command, opts *serverOptions) error {
	r, err := relayConfig(cmd, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var broker relay.Broker
	if r.Redis != "" {
		broker, err = relay.DialRedis(ctx, r.Redis, r.MemberBuffer)
		if err != nil {
			return err
		}
		glog.Infof("[s]connected to redis at %s", r.Redis)
	} else {
		broker = relay.NewMemoryBroker(r.MemberBuffer)
	}
	defer broker.Close()

	var keeper *relay.Keeper
	if r.KeepSnapshots {
		keeper = relay.NewKeeper()
	}
	hub := relay.NewHub(ctx, broker, keeper, &relay.HubSettings{
		MemberBufferSize: r.MemberBuffer,
	})
	defer hub.Close()

	listener, err := net.Listen("tcp", r.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.Addr, err)
	}
	if r.Advertise {
		port := listener.Addr().(*net.TCPAddr).Port
		withdraw, err := discovery.Advertise(r.Instance, port)
		if err != nil {
			listener.Close()
			return err
		}
		defer withdraw()
	}

	server := &http.Server{
		Handler:           relay.NewRouter(hub, relay.DefaultServerSettings()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	glog.Infof("[s]CollabText relay listening on %s", listener.Addr())

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	glog.Infof("[s]shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// hijacked websockets are not tracked by the server, the hub closes them
	hub.Close()
	return server.Shutdown(shutdownCtx)
}

func main() {
	// glog reads its flags from the go flag set, cobra parses them
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})
	defer glog.Flush()

	if err := newServerCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		glog.Flush()
		os.Exit(1)
	}
}
