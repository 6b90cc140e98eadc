package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/mucp/internal/adapters/clock"
	"github.com/mikey-austin/mucp/internal/adapters/config"
	"github.com/mikey-austin/mucp/internal/adapters/idgen"
	"github.com/mikey-austin/mucp/internal/adapters/mqtt"
	"github.com/mikey-austin/mucp/internal/adapters/output"
	"github.com/mikey-austin/mucp/internal/core"
	"github.com/mikey-austin/mucp/pkg/cp"
)

type app struct {
	service core.Service
	printer output.Printer
	node    string
	json    bool
	timeout time.Duration
	// stderr receives warnings; nil means os.Stderr.
	stderr io.Writer
}

func main() {
	root, cleanup := rootCommand()
	err := root.Execute()
	cleanup()
	if err != nil {
		os.Exit(core.ExitCode(err))
	}
}

// rootCommand builds the command tree. cleanup disconnects the broker
// client once a command has run.
func rootCommand() (*cobra.Command, func()) {
	root := &cobra.Command{
		Use:          "mucp",
		Short:        "UPnP control point CLI",
		SilenceUsage: true,
	}
	var client *mqtt.Client
	cleanup := func() {
		if client != nil {
			client.Close()
		}
	}

	var (
		broker    string
		topicBase string
		identity  string
		node      string
		timeout   time.Duration
		jsonOut   bool
		tlsCA     string
		tlsCert   string
		tlsKey    string
		userOpt   string
		passOpt   string
	)

	root.PersistentFlags().StringVarP(&broker, "broker", "b", "", "MQTT broker URL")
	root.PersistentFlags().StringVar(&topicBase, "topic-base", cp.BaseTopic, "MQTT topic base")
	root.PersistentFlags().StringVarP(&identity, "identity", "i", "", "controller identity")
	root.PersistentFlags().StringVarP(&node, "node", "n", "", "control point node id or alias")
	root.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "command timeout")
	root.PersistentFlags().BoolVarP(&jsonOut, "json", "j", false, "output json")
	root.PersistentFlags().StringVar(&tlsCA, "tls-ca", "", "TLS CA path")
	root.PersistentFlags().StringVar(&tlsCert, "tls-cert", "", "TLS cert path")
	root.PersistentFlags().StringVar(&tlsKey, "tls-key", "", "TLS key path")
	root.PersistentFlags().StringVar(&userOpt, "user", "", "MQTT username")
	root.PersistentFlags().StringVar(&passOpt, "pass", "", "MQTT password")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return core.WrapError(core.ExitUsage, "load config", err)
		}
		identity = defaultIdentity(identity, cfg.Identity)
		if broker == "" {
			broker = cfg.Broker
		}
		if topicBase == cp.BaseTopic && cfg.TopicBase != "" {
			topicBase = cfg.TopicBase
		}
		if node == "" {
			node = cfg.NodeID
		}
		if broker == "" {
			return &core.CLIError{Code: core.ExitUsage, Msg: "broker is required (set --broker or config)"}
		}

		mqttClient, err := mqtt.NewClient(mqtt.Options{
			BrokerURL: broker,
			ClientID:  fmt.Sprintf("mucp-%d", time.Now().UnixNano()),
			Username:  firstNonEmpty(userOpt, cfg.Auth.User),
			Password:  firstNonEmpty(passOpt, cfg.Auth.Pass),
			TLSCA:     firstNonEmpty(tlsCA, cfg.TLS.CA),
			TLSCert:   firstNonEmpty(tlsCert, cfg.TLS.Cert),
			TLSKey:    firstNonEmpty(tlsKey, cfg.TLS.Key),
			TopicBase: topicBase,
			Timeout:   timeout,
		})
		if err != nil {
			return core.WrapError(core.ExitRuntime, "connect", err)
		}
		client = mqttClient

		coreCfg := core.Config{
			Broker:    broker,
			Identity:  identity,
			TopicBase: topicBase,
			Node:      node,
			Aliases:   cfg.Aliases,
		}
		service := core.Service{
			Broker:   mqttClient,
			Resolver: core.Resolver{Presence: mqttClient, Config: coreCfg},
			Clock:    clock.Clock{},
			IDGen:    idgen.Generator{},
			Config:   coreCfg,
		}

		a := &app{
			service: service,
			printer: output.New(jsonOut),
			node:    node,
			json:    jsonOut,
			timeout: timeout,
		}
		cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
		return nil
	}

	root.AddCommand(nodesCommand())
	root.AddCommand(devicesCommand())
	root.AddCommand(serversCommand())
	root.AddCommand(renderersCommand())
	root.AddCommand(discoverCommand())
	root.AddCommand(selectCommand())
	root.AddCommand(selectionCommand())
	root.AddCommand(browseCommand())
	root.AddCommand(searchCommand())
	root.AddCommand(capsCommand())
	root.AddCommand(playCommand())
	root.AddCommand(resumeCommand())
	root.AddCommand(pauseCommand())
	root.AddCommand(stopCommand())
	root.AddCommand(seekCommand())
	root.AddCommand(positionCommand())
	root.AddCommand(transportCommand())
	root.AddCommand(volumeCommand())
	root.AddCommand(muteCommand())
	root.AddCommand(volumeDBCommand())
	root.AddCommand(watchCommand())

	return root, cleanup
}

type appKey struct{}

func fromContext(cmd *cobra.Command) *app {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	val := ctx.Value(appKey{})
	if val == nil {
		return nil
	}
	return val.(*app)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

// run executes fn under the command timeout.
func run(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a := fromContext(cmd)
	if a == nil {
		return errors.New("cli not initialized")
	}
	ctx, cancel := withTimeout(context.Background(), a.timeout)
	defer cancel()
	return fn(ctx, a)
}

func defaultIdentity(flagVal string, cfgVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if cfgVal != "" {
		return cfgVal
	}
	usr, _ := user.Current()
	host, _ := os.Hostname()
	if usr != nil && host != "" {
		return fmt.Sprintf("%s@%s", usr.Username, host)
	}
	if host != "" {
		return host
	}
	return "mucp-unknown"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
