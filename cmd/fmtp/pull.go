package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aridsondez/fmtp/pkg/client"
	"github.com/aridsondez/fmtp/pkg/worker"
)

func newPullCmd(g *globalFlags) *cobra.Command {
	var (
		dir    string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Download pending messages into a directory and acknowledge them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			save := func(ctx context.Context, m *client.Message) error {
				name := filepath.Join(dir, filepath.Base(m.GUID()))
				fmt.Fprintf(out, "received %s -> %s\n", m.URL, name)
				return os.WriteFile(name, m.Body, 0o644)
			}

			if follow {
				return pullForever(cmd.Context(), g, out, save)
			}

			q, err := g.queue()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "receiving list from %s\n", q.URL())
			n, err := q.Pull(cmd.Context(), save)
			fmt.Fprintf(out, "acknowledged %d message(s)\n", n)
			return err
		},
	}
	cmd.Flags().StringVarP(&dir, "directory", "d", "./", "directory where messages are stored")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep polling until interrupted")
	return cmd
}

// pullForever polls the queue with the worker's backoff until ctx is done.
func pullForever(ctx context.Context, g *globalFlags, out io.Writer, save client.HandlerFunc) error {
	base, name, err := g.split()
	if err != nil {
		return err
	}

	w := worker.New(worker.Config{
		BaseURL:     base,
		Credentials: g.credentials,
		Logger:      zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).Level(zerolog.InfoLevel).With().Timestamp().Logger(),
	})
	w.Handle(name, worker.HandlerFunc(save))
	return w.Run(ctx)
}
