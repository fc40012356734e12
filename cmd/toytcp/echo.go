package main

import (
	"context"
	"flag"
	"io"
	"net/netip"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/nodeconfig"
	"toytcp/pkg/socket"
)

// Echo implements subcommands.Command for the "echo" command.
type Echo struct {
	config string
	addr   string
	port   uint
}

func (*Echo) Name() string { return "echo" }

func (*Echo) Synopsis() string {
	return "run an echo server that returns every byte it receives"
}

func (*Echo) Usage() string {
	return `echo [-config node.toml] [-addr A] [-port P]

Without -config the server uses a raw IPv4 socket and needs CAP_NET_RAW.
`
}

func (e *Echo) SetFlags(f *flag.FlagSet) {
	f.StringVar(&e.config, "config", "", "node configuration file")
	f.StringVar(&e.addr, "addr", "", "local address to listen on, all addresses if empty")
	f.UintVar(&e.port, "port", 7, "port to listen on")
}

func (e *Echo) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || e.port == 0 || e.port > 65535 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	var addr netip.Addr
	if e.addr != "" {
		var err error
		if addr, err = netip.ParseAddr(e.addr); err != nil {
			logrus.WithError(err).Error("invalid -addr")
			return subcommands.ExitUsageError
		}
	}

	node, err := loadNode(e.config, nodeconfig.TransportRaw)
	if err != nil {
		logrus.WithError(err).Error("loading configuration")
		return subcommands.ExitFailure
	}
	log, err := newLogger(node)
	if err != nil {
		logrus.WithError(err).Error("configuring logging")
		return subcommands.ExitFailure
	}
	stack, _, err := newStack(node, log)
	if err != nil {
		log.WithError(err).Error("starting engine")
		return subcommands.ExitFailure
	}

	l, err := socket.VListen(stack, addr, uint16(e.port))
	if err != nil {
		log.WithError(err).Error("listen")
		stack.Shutdown()
		return subcommands.ExitFailure
	}
	go func() {
		<-ctx.Done()
		stack.Shutdown()
	}()

	log.WithField("addr", l.Addr()).Info("echo server ready")
	for {
		conn, err := l.VAccept()
		if err != nil {
			if ctx.Err() != nil {
				return subcommands.ExitSuccess
			}
			log.WithError(err).Error("accept")
			stack.Shutdown()
			return subcommands.ExitFailure
		}
		go serveEcho(conn, log)
	}
}

func serveEcho(conn *socket.VTCPConn, log logrus.FieldLogger) {
	clog := log.WithField("peer", conn.RemoteAddr())
	clog.Info("client connected")
	n, err := io.Copy(conn, conn)
	if err != nil {
		clog.WithError(err).Warn("echo stopped")
	}
	if err := conn.Close(); err != nil {
		clog.WithError(err).Debug("close")
	}
	clog.WithField("bytes", n).Info("client done")
}
