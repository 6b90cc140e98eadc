package main

import (
	"context"

	"github.com/spf13/cobra"
)

func nodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List control point nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.Nodes(ctx)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}
}

func devicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List discovered devices and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.Devices(ctx, a.node)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}
}

func serversCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List media servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.Servers(ctx, a.node)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}
}

func renderersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "renderers",
		Short: "List media renderers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.Renderers(ctx, a.node)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}
}

func discoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Send an SSDP search",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				return a.service.Discover(ctx, a.node)
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start listening for SSDP announcements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				return a.service.StartDiscovery(ctx, a.node)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop listening for SSDP announcements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				return a.service.StopDiscovery(ctx, a.node)
			})
		},
	})
	return cmd
}

func selectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Select the active server or renderer",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "server <usn>",
		Short: "Select a media server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.SelectServer(ctx, a.node, args[0])
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "renderer <usn>",
		Short: "Select a media renderer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.SelectRenderer(ctx, a.node, args[0])
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	})
	return cmd
}

func selectionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "selection",
		Short: "Show the selected server and renderer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.Selection(ctx, a.node)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}
}
