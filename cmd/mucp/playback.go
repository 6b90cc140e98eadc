package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/mucp/internal/core"
)

func playCommand() *cobra.Command {
	var uri string

	cmd := &cobra.Command{
		Use:   "play [id]",
		Short: "Play an object from the selected server or a URI",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" && uri == "" {
				return &core.CLIError{Code: core.ExitUsage, Msg: "object id or --uri required"}
			}
			return run(cmd, func(ctx context.Context, a *app) error {
				return a.service.Play(ctx, a.node, id, uri)
			})
		},
	}

	cmd.Flags().StringVar(&uri, "uri", "", "play this URI directly")

	return cmd
}

func resumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume playback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				return a.service.Resume(ctx, a.node)
			})
		},
	}
}

func pauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause playback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				return a.service.Pause(ctx, a.node)
			})
		},
	}
}

func stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop playback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				return a.service.Stop(ctx, a.node)
			})
		},
	}
}

func seekCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seek <H:MM:SS|MM:SS|secs|+dur>",
		Short: "Seek playback",
		Long:  "Seek to an absolute position or by a signed offset such as +30s. Pass negative offsets after --, as in: mucp seek -- -1m",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				return a.service.Seek(ctx, a.node, args[0])
			})
		},
	}
}

func positionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "position",
		Short: "Show the renderer position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.Position(ctx, a.node)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}
}

func transportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "transport",
		Short: "Show the renderer transport state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.Transport(ctx, a.node)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}
}
