// Package nodeconfig loads the TOML file describing one node: which
// transport carries its IPv4 traffic, the virtual interfaces and routes when
// that transport is the UDP virtual link, and TCP engine settings.
package nodeconfig

import (
	"io"
	"net/netip"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"toytcp/pkg/ipstack"
	"toytcp/pkg/tcpstack"
)

const (
	TransportVirtual = "virtual"
	TransportRaw     = "raw"
)

// Duration is a time.Duration written as a string such as "250ms".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "duration %q", text)
	}
	*d = Duration(v)
	return nil
}

// Node is the whole file.
type Node struct {
	Transport string `toml:"transport"`
	LogLevel  string `toml:"log_level"`

	TCP TCP `toml:"tcp"`
	Raw Raw `toml:"raw"`

	// Virtual link only.
	TTL        int         `toml:"ttl"`
	Interfaces []Interface `toml:"interfaces"`
	Neighbors  []Neighbor  `toml:"neighbors"`
	Routes     []Route     `toml:"routes"`
}

// TCP mirrors tcpstack.Config. Zero values keep the engine default.
type TCP struct {
	LocalAddr          netip.Addr `toml:"local_addr"`
	MSS                int        `toml:"mss"`
	RetransmitInterval Duration   `toml:"retransmit_interval"`
	RTO                Duration   `toml:"rto"`
	RTOMax             Duration   `toml:"rto_max"`
	MaxRetransmits     int        `toml:"max_retransmits"`
	TimeWait           Duration   `toml:"time_wait"`
	ConnectTimeout     Duration   `toml:"connect_timeout"`
	LingerOnClose      bool       `toml:"linger_on_close"`
}

type Raw struct {
	// Bind restricts the raw socket to one local address.
	Bind       netip.Addr `toml:"bind"`
	RecvBuffer int        `toml:"recv_buffer"`
}

type Interface struct {
	Name   string         `toml:"name"`
	Prefix netip.Prefix   `toml:"prefix"`
	UDP    netip.AddrPort `toml:"udp"`
}

type Neighbor struct {
	Addr      netip.Addr     `toml:"addr"`
	UDP       netip.AddrPort `toml:"udp"`
	Interface string         `toml:"interface"`
}

type Route struct {
	Prefix  netip.Prefix `toml:"prefix"`
	NextHop netip.Addr   `toml:"next_hop"`
}

func Default() Node {
	d := tcpstack.DefaultConfig()
	return Node{
		Transport: TransportVirtual,
		LogLevel:  logrus.InfoLevel.String(),
		TCP: TCP{
			MSS:                d.MSS,
			RetransmitInterval: Duration(d.RetransmitInterval),
			RTO:                Duration(d.RTO),
			RTOMax:             Duration(d.RTOMax),
			MaxRetransmits:     d.MaxRetransmits,
			TimeWait:           Duration(d.TimeWait),
			ConnectTimeout:     Duration(d.ConnectTimeout),
		},
		Raw: Raw{RecvBuffer: 1 << 20},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Node, error) {
	n := Default()
	md, err := toml.DecodeFile(path, &n)
	if err != nil {
		return Node{}, errors.Wrapf(err, "parse %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Node{}, errors.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	if err := n.Validate(); err != nil {
		return Node{}, errors.Wrap(err, path)
	}
	return n, nil
}

// Write encodes n as TOML.
func (n Node) Write(w io.Writer) error {
	return errors.Wrap(toml.NewEncoder(w).Encode(n), "encode node config")
}

func (n Node) Level() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(n.LogLevel)
	return lvl, errors.Wrap(err, "log_level")
}

func (n Node) Validate() error {
	if _, err := n.Level(); err != nil {
		return err
	}
	if err := n.TCPConfig().Validate(); err != nil {
		return errors.Wrap(err, "tcp")
	}

	switch n.Transport {
	case TransportRaw:
		if n.Raw.Bind.IsValid() && !n.Raw.Bind.Is4() {
			return errors.Errorf("raw.bind %s is not IPv4", n.Raw.Bind)
		}
		if n.Raw.RecvBuffer < 0 {
			return errors.New("raw.recv_buffer must not be negative")
		}
		return nil
	case TransportVirtual:
	default:
		return errors.Errorf("unknown transport %q (want %q or %q)", n.Transport, TransportVirtual, TransportRaw)
	}

	if len(n.Interfaces) == 0 {
		return errors.New("virtual transport needs at least one interface")
	}
	names := make(map[string]bool, len(n.Interfaces))
	for _, i := range n.Interfaces {
		switch {
		case i.Name == "":
			return errors.New("interface without a name")
		case names[i.Name]:
			return errors.Errorf("duplicate interface %q", i.Name)
		case !i.Prefix.IsValid() || !i.Prefix.Addr().Is4():
			return errors.Errorf("interface %s: prefix must be an IPv4 prefix", i.Name)
		case !i.UDP.IsValid():
			return errors.Errorf("interface %s: missing udp address", i.Name)
		}
		names[i.Name] = true
	}
	for _, nb := range n.Neighbors {
		switch {
		case !names[nb.Interface]:
			return errors.Errorf("neighbor %s: unknown interface %q", nb.Addr, nb.Interface)
		case !nb.Addr.Is4():
			return errors.Errorf("neighbor %s: not an IPv4 address", nb.Addr)
		case !nb.UDP.IsValid():
			return errors.Errorf("neighbor %s: missing udp address", nb.Addr)
		}
	}
	for _, r := range n.Routes {
		if !r.Prefix.IsValid() || !r.NextHop.Is4() {
			return errors.Errorf("route %s via %s: need an IPv4 prefix and next hop", r.Prefix, r.NextHop)
		}
	}
	if n.TTL < 0 || n.TTL > 255 {
		return errors.Errorf("ttl %d out of range", n.TTL)
	}
	return nil
}

// TCPConfig overlays the non-zero [tcp] settings on tcpstack.DefaultConfig.
func (n Node) TCPConfig() tcpstack.Config {
	c := tcpstack.DefaultConfig()
	t := n.TCP
	c.LocalAddr = t.LocalAddr
	if t.MSS != 0 {
		c.MSS = t.MSS
	}
	if t.RetransmitInterval != 0 {
		c.RetransmitInterval = time.Duration(t.RetransmitInterval)
	}
	if t.RTO != 0 {
		c.RTO = time.Duration(t.RTO)
	}
	if t.RTOMax != 0 {
		c.RTOMax = time.Duration(t.RTOMax)
	}
	if t.MaxRetransmits != 0 {
		c.MaxRetransmits = t.MaxRetransmits
	}
	if t.TimeWait != 0 {
		c.TimeWait = time.Duration(t.TimeWait)
	}
	if t.ConnectTimeout != 0 {
		c.ConnectTimeout = time.Duration(t.ConnectTimeout)
	}
	c.LingerOnClose = t.LingerOnClose
	return c
}

// Link is the virtual link described by the file.
func (n Node) Link() ipstack.LinkConfig {
	cfg := ipstack.LinkConfig{TTL: n.TTL}
	for _, i := range n.Interfaces {
		cfg.Interfaces = append(cfg.Interfaces, ipstack.LinkInterface{Name: i.Name, Prefix: i.Prefix, UDP: i.UDP})
	}
	for _, nb := range n.Neighbors {
		cfg.Neighbors = append(cfg.Neighbors, ipstack.LinkNeighbor{Addr: nb.Addr, UDP: nb.UDP, Interface: nb.Interface})
	}
	for _, r := range n.Routes {
		cfg.Routes = append(cfg.Routes, ipstack.LinkRoute{Prefix: r.Prefix, NextHop: r.NextHop})
	}
	return cfg
}
