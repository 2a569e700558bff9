package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newPushCmd(g *globalFlags) *cobra.Command {
	var file, guid, contentType string

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload a file as a message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := g.queue()
			if err != nil {
				return err
			}
			if file == "" {
				return errors.New("please provide a file to upload (-f FILENAME, - for stdin)")
			}

			var body []byte
			if file == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
				if guid == "" {
					guid = uuid.NewString()
				}
			} else {
				body, err = os.ReadFile(file)
				if guid == "" {
					guid = filepath.Base(file)
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "uploading %s to %s as %s\n", file, q.URL(), guid)
			return q.PostMessage(cmd.Context(), guid, contentType, body)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "upload this file (- reads stdin)")
	cmd.Flags().StringVarP(&guid, "guid", "g", "", "GUID of the message (default: file name, random for stdin)")
	cmd.Flags().StringVarP(&contentType, "content-type", "t", "application/octet-stream", "content type of the message")
	return cmd
}
