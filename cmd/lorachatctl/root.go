package main

import (
	"context"

	"lorachat/pkg/client"
	"lorachat/pkg/client/types"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// relayClient is the part of client.Client the commands use.
type relayClient interface {
	Send(ctx context.Context, req types.SendRequest) (*types.Receipt, error)
	Messages(ctx context.Context, cursor string, limit int) (*types.MessagePage, error)
	Retry(ctx context.Context, id string) (*types.Message, error)
	Status(ctx context.Context) (*types.Quality, error)
	Sync(ctx context.Context, wait bool) (*types.Quality, error)
	Stream(ctx context.Context, fn func(types.Event) error) error
	StreamWebSocket(ctx context.Context, fn func(types.Event) error) error
}

// app holds the flags and the state shared by every subcommand.
type app struct {
	cfgFile  string
	server   string
	identity string
	token    string
	output   string
	debug    bool

	cfg     *ctlConfig
	logger  *logrus.Logger
	printer printer
	client  relayClient
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "lorachatctl",
		Short: "Operate a lorachat relay",
		Long: `lorachatctl submits messages to a lorachat relay, inspects their delivery
status and link quality, and follows the live event stream.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ~/.lorachat/ctl.yaml)")
	flags.StringVar(&a.server, "server", "", "relay base URL")
	flags.StringVar(&a.identity, "identity", "", "identity sent in the X-Lorachat-Identity header")
	flags.StringVar(&a.token, "token", "", "bearer token for relays in jwt mode")
	flags.StringVarP(&a.output, "output", "o", "", "output format: table, json, yaml (default \"table\")")
	flags.BoolVar(&a.debug, "debug", false, "log client requests")

	root.AddCommand(
		newSendCmd(a),
		newMessagesCmd(a),
		newStatusCmd(a),
		newRetryCmd(a),
		newSyncCmd(a),
		newWatchCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	path := a.cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := loadConfig(path, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if a.server != "" {
		cfg.ServerURL = a.server
	}
	if a.identity != "" {
		cfg.Identity = a.identity
	}
	if a.token != "" {
		cfg.Token = a.token
	}
	if a.output != "" {
		cfg.OutputFormat = a.output
	}
	a.cfg = cfg

	if a.printer, err = newPrinter(cfg.OutputFormat); err != nil {
		return err
	}

	a.logger = logrus.New()
	a.logger.SetOutput(cmd.ErrOrStderr())
	a.logger.SetLevel(logrus.WarnLevel)
	if a.debug {
		a.logger.SetLevel(logrus.DebugLevel)
	}

	if a.client == nil {
		opts := []client.Option{client.WithLogger(a.logger)}
		if cfg.Identity != "" {
			opts = append(opts, client.WithIdentity(cfg.Identity))
		}
		if cfg.Token != "" {
			opts = append(opts, client.WithBearerToken(cfg.Token))
		}
		a.client = client.New(cfg.ServerURL, opts...)
	}
	return nil
}
