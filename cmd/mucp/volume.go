package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/mucp/internal/core"
)

func volumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vol [<0..100>|<+/-n>]",
		Short: "Show or set volume",
		Long:  "Without an argument the current volume is shown. Pass negative steps after --, as in: mucp vol -- -5",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && !looksLikeVolume(args[0]) {
				return &core.CLIError{Code: core.ExitUsage, Msg: fmt.Sprintf("invalid volume %q", args[0])}
			}
			return run(cmd, func(ctx context.Context, a *app) error {
				if len(args) == 0 {
					result, err := a.service.Volume(ctx, a.node)
					if err != nil {
						return err
					}
					return a.printer.Print(result)
				}
				result, err := a.service.SetVolume(ctx, a.node, args[0])
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}
}

func muteCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "mute <on|off>",
		Short:     "Mute or unmute the renderer",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mute, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, a *app) error {
				return a.service.Mute(ctx, a.node, mute)
			})
		},
	}
}

func volumeDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "volume-db",
		Short: "Show the renderer volume in dB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.VolumeDB(ctx, a.node)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}
}

func looksLikeVolume(arg string) bool {
	if arg == "" {
		return false
	}
	if strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "-") {
		arg = arg[1:]
	}
	if arg == "" {
		return false
	}
	for _, r := range arg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseOnOff(arg string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	default:
		return false, &core.CLIError{Code: core.ExitUsage, Msg: "mute must be on or off"}
	}
}
