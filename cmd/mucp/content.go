package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/mucp/pkg/cp"
)

func browseCommand() *cobra.Command {
	var start int
	var count int

	cmd := &cobra.Command{
		Use:   "browse [id]",
		Short: "Browse a container on the selected server",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := "0"
			if len(args) == 1 {
				id = args[0]
			}
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.Browse(ctx, a.node, id, start, count)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "starting index")
	cmd.Flags().IntVar(&count, "count", 50, "maximum entries")

	return cmd
}

func searchCommand() *cobra.Command {
	var req cp.SearchBody
	var raw bool

	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Search the selected server",
		Long:  "Search matches title, artist and album. With --raw the argument is sent as a UPnP search criteria string.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := req
			if raw {
				body.Search = args[0]
			} else {
				body.Query = args[0]
			}
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.Search(ctx, a.node, body)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "0", "container to search")
	cmd.Flags().IntVar(&req.Start, "start", 0, "starting index")
	cmd.Flags().IntVar(&req.Count, "count", 50, "maximum entries")
	cmd.Flags().BoolVar(&raw, "raw", false, "treat the argument as search criteria")

	return cmd
}

func capsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Show the selected server's search capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app) error {
				result, err := a.service.SearchCapabilities(ctx, a.node)
				if err != nil {
					return err
				}
				return a.printer.Print(result)
			})
		},
	}
}
