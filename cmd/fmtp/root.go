package main

import (
	"errors"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aridsondez/fmtp/pkg/client"
)

type globalFlags struct {
	endpoint    string
	credentials string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "fmtp",
		Short:         "Command line client for FMTP message queues",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.endpoint, "endpoint", "e", os.Getenv("FMTP_ENDPOINT"), "queue URL, e.g. http://localhost:8080/orders/")
	root.PersistentFlags().StringVarP(&g.credentials, "credentials", "c", os.Getenv("FMTP_CREDENTIALS"), "user:password or bearer token")

	root.AddCommand(
		newPushCmd(g),
		newPullCmd(g),
		newGCCmd(g),
		newInspectCmd(g),
		newTokenCmd(),
	)
	return root
}

func (g *globalFlags) queue() (*client.Queue, error) {
	if g.endpoint == "" {
		return nil, errors.New("please provide an endpoint (-e URL)")
	}
	return client.NewQueue(g.endpoint, g.credentials), nil
}

// split separates the endpoint into the server base URL and the queue name.
func (g *globalFlags) split() (string, string, error) {
	if g.endpoint == "" {
		return "", "", errors.New("please provide an endpoint (-e URL)")
	}
	u, err := url.Parse(g.endpoint)
	if err != nil {
		return "", "", err
	}
	path := strings.TrimRight(u.Path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 || path[i+1:] == "" {
		return "", "", errors.New("endpoint must name a queue, e.g. http://localhost:8080/orders/")
	}
	name := path[i+1:]
	u.Path = path[:i]
	u.RawPath = ""
	u.RawQuery = ""
	return u.String(), name, nil
}

func (g *globalFlags) server() (*client.Server, string, error) {
	base, name, err := g.split()
	if err != nil {
		return nil, "", err
	}
	return client.NewServer(base, g.credentials), name, nil
}
