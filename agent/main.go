package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"collabtext/config"
	"collabtext/crdt"
	"collabtext/discovery"
	"collabtext/provider"
	"collabtext/transport"
)

type agentOptions struct {
	configPath  string
	endpoint    string
	room        string
	name        string
	syncTimeout time.Duration
	syncRetries int
}

func newAgentCommand() *cobra.Command {
	opts := &agentOptions{}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Headless CollabText participant",
		Long: `Join a room and edit its document from the terminal.

Every line read from stdin is appended to the document, except commands:
  /text     print the document
  /peers    list presence records
  /status   print the connection state
  /del N    delete the last N characters
  /quit     leave the room

Without --endpoint the relay is discovered over mDNS.

Example:
  agent --endpoint ws://localhost:8081 --room notes --name alice`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "relay endpoint, ws:// or http://")
	cmd.Flags().StringVar(&opts.room, "room", "", "room to join")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name shown to peers")
	cmd.Flags().DurationVar(&opts.syncTimeout, "sync-timeout", 0, "wait for a sync response before asking again")
	cmd.Flags().IntVar(&opts.syncRetries, "sync-retries", 0, "sync requests re-sent before proceeding alone")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	return cmd
}

func agentConfig(cmd *cobra.Command, opts *agentOptions) (*config.Agent, error) {
	c, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	a := &c.Agent
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		a.Endpoint = opts.endpoint
	}
	if flags.Changed("room") {
		a.Room = opts.room
	}
	if flags.Changed("name") {
		a.Name = opts.name
	}
	if flags.Changed("sync-timeout") {
		a.SyncTimeout = config.Duration(opts.syncTimeout)
	}
	if flags.Changed("sync-retries") {
		a.SyncRetries = opts.syncRetries
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func runAgent(cmd *cobra.Command, opts *agentOptions) error {
	a, err := agentConfig(cmd, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoint := a.Endpoint
	if endpoint == "" {
		endpoint, err = discovery.Browse(ctx, time.Duration(a.DiscoverTimeout))
		if err != nil {
			return fmt.Errorf("no --endpoint given and %w", err)
		}
	}

	doc := crdt.NewDoc(uuid.NewString())
	p, err := provider.New(ctx, a.Room, doc, endpoint, &provider.Settings{
		SyncTimeout: time.Duration(a.SyncTimeout),
		SyncRetries: a.SyncRetries,
		Dialer:      transport.DialWebsocket,
	})
	if err != nil {
		return err
	}
	defer p.Destroy()
	glog.V(1).Infof("[a]%s joining %s at %s", doc.ClientID(), a.Room, endpoint)

	if a.Name != "" {
		p.Awareness().SetLocalField("name", a.Name)
	}

	r := newRepl(p, cmd.InOrStdin(), cmd.OutOrStdout())
	unobserve := doc.Observe(func(update []byte, origin crdt.Origin) {
		if origin == crdt.Remote {
			r.printText()
		}
	})
	defer unobserve()

	return r.run(ctx)
}

func main() {
	// glog reads its flags from the go flag set, cobra parses them
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})
	defer glog.Flush()

	if err := newAgentCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		glog.Flush()
		os.Exit(1)
	}
}
