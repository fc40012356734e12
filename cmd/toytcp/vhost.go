package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/cli"
	"toytcp/pkg/ipstack"
	"toytcp/pkg/nodeconfig"
)

// VHost implements subcommands.Command for the "vhost" command, which runs
// a virtual host with an interactive console.
type VHost struct {
	config string
}

func (*VHost) Name() string { return "vhost" }

func (*VHost) Synopsis() string {
	return "run a virtual host on a UDP virtual link with an interactive console"
}

func (*VHost) Usage() string {
	return "vhost -config node.toml\n"
}

func (v *VHost) SetFlags(f *flag.FlagSet) {
	f.StringVar(&v.config, "config", "", "node configuration file (required)")
}

func (v *VHost) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if v.config == "" || f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	node, err := nodeconfig.Load(v.config)
	if err != nil {
		logrus.WithError(err).Error("loading configuration")
		return subcommands.ExitFailure
	}
	if node.Transport != nodeconfig.TransportVirtual {
		logrus.Errorf("vhost needs transport = %q", nodeconfig.TransportVirtual)
		return subcommands.ExitUsageError
	}
	log, err := newLogger(node)
	if err != nil {
		logrus.WithError(err).Error("configuring logging")
		return subcommands.ExitFailure
	}
	stack, link, err := newStack(node, log)
	if err != nil {
		log.WithError(err).Error("starting engine")
		return subcommands.ExitFailure
	}
	defer stack.Shutdown()

	console := cli.New(link, stack, os.Stdout, log)
	link.RegisterRecvHandler(ipstack.ProtocolTest, console.HandleTestPacket)

	done := make(chan error, 1)
	go func() { done <- console.Run(os.Stdin) }()
	select {
	case err := <-done:
		if err != nil {
			log.WithError(err).Error("console")
			return subcommands.ExitFailure
		}
	case <-ctx.Done():
	}
	return subcommands.ExitSuccess
}
