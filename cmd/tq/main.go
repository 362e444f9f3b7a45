// Command tq is the queueboard command-line client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"queueboard/internal/config"
	"queueboard/internal/logging"
	"queueboard/pkg/client"
)

// app carries what every subcommand needs.
type app struct {
	client *client.Client
	out    io.Writer
	format string
	short  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tq: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	var cfgFile string

	root := &cobra.Command{
		Use:           "tq",
		Short:         "Work with queueboard queues and tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cfgFile)
			if err != nil {
				return err
			}
			if err := config.BindFlags(v, cmd.Flags(), map[string]string{
				"server":    "client.base_url",
				"timeout":   "client.timeout",
				"log-level": "log.level",
			}); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := logging.Setup(cfg.Log)
			if err != nil {
				return err
			}
			a.short = a.format == "short"
			a.client = client.New(cfg.Client.BaseURL,
				client.WithTimeout(cfg.Client.Timeout),
				client.WithLogger(logger),
			)
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file")
	pf.StringP("server", "s", "", "server base URL")
	pf.Duration("timeout", 0, "request timeout")
	pf.String("log-level", "", "log level")
	pf.StringVar(&a.format, "format", "", "output format: json or short (board renders columns unless json)")

	root.AddCommand(
		newQueueCmd(a),
		newTaskCmd(a),
		newBoardCmd(a),
		newWatchCmd(a),
		&cobra.Command{
			Use:   "transitions",
			Short: "Show the status transition table",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				table, err := a.client.Transitions(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(table)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show server counters",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := a.client.Status(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(st)
			},
		},
	)
	return root
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	return nil
}
