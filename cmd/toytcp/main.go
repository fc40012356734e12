// Binary toytcp runs the user-space TCP engine over a raw IPv4 socket or a
// UDP virtual link.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/nodeconfig"
	"toytcp/pkg/tcpstack"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Echo), "")
	subcommands.Register(new(VHost), "")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}

// loadNode reads path, or returns the defaults with the given transport
// when path is empty.
func loadNode(path, transport string) (nodeconfig.Node, error) {
	if path == "" {
		n := nodeconfig.Default()
		n.Transport = transport
		return n, n.Validate()
	}
	return nodeconfig.Load(path)
}

func newLogger(n nodeconfig.Node) (*logrus.Logger, error) {
	lvl, err := n.Level()
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(lvl)
	return log, nil
}

// newStack builds the node's transport and starts an engine on it. link is
// nil unless the node uses the virtual transport.
func newStack(n nodeconfig.Node, log logrus.FieldLogger) (*tcpstack.TCPStack, *ipstack.VirtualLink, error) {
	var (
		t    ipstack.Transport
		link *ipstack.VirtualLink
		err  error
	)
	switch n.Transport {
	case nodeconfig.TransportRaw:
		t, err = ipstack.NewRawTransport(n.Raw.Bind, n.Raw.RecvBuffer, log)
	default:
		link, err = ipstack.NewVirtualLink(n.Link(), log)
		t = link
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "start %s transport", n.Transport)
	}
	stack, err := tcpstack.New(t, tcpstack.WithConfig(n.TCPConfig()), tcpstack.WithLogger(log))
	if err != nil {
		t.Close()
		return nil, nil, err
	}
	return stack, link, nil
}
