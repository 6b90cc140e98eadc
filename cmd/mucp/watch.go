package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mikey-austin/mucp/internal/core"
	"github.com/mikey-austin/mucp/pkg/cp"
)

func watchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream control point events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fromContext(cmd)
			if a == nil {
				return errors.New("cli not initialized")
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			evts, errs, err := a.service.Watch(ctx, a.node)
			if err != nil {
				return err
			}
			return streamEvents(ctx, a, evts, errs)
		},
	}
}

func streamEvents(ctx context.Context, a *app, evts <-chan cp.Event, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if errors.Is(err, cp.ErrMalformedEvent) {
				fmt.Fprintf(a.warnings(), "warning: %v\n", err)
				continue
			}
			if err != nil {
				return core.WrapError(core.ExitRuntime, "watch", err)
			}
		case evt, ok := <-evts:
			if !ok {
				return nil
			}
			if err := a.printer.Print(core.EventResult{Event: evt}); err != nil {
				return err
			}
		}
	}
}

func (a *app) warnings() io.Writer {
	if a.stderr == nil {
		return os.Stderr
	}
	return a.stderr
}
