// Package registryd holds the configuration and per-connection context
// shared between the daemon's server and its command line front end.
package registryd

import (
	"fmt"

	"github.com/go-ini/ini"
)

const (
	DefaultSocket   = "/run/registryd/socket"
	DefaultSocketRO = "/run/registryd/socket_ro"
	DefaultPidFile  = "/run/registryd/registryd.pid"
)

// Config is the daemon's recognized option surface. Values merge from the
// optional ini config file and the command line, command line winning.
type Config struct {
	Daemonize     bool
	RingTransport bool
	DomExcVirq    bool
	PidFile       string
	LogFile       string
	LogLevel      string
	Socket        string
	SocketRO      string
	MetricsAddr   string
}

func DefaultConfig() *Config {
	return &Config{
		PidFile:  DefaultPidFile,
		Socket:   DefaultSocket,
		SocketRO: DefaultSocketRO,
		LogLevel: "info",
	}
}

// LoadFile merges options from an ini config file into c.
func (c *Config) LoadFile(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("loading config file %s: %w", path, err)
	}
	s := f.Section("")
	if k, err := s.GetKey("daemonize"); err == nil {
		c.Daemonize, _ = k.Bool()
	}
	if k, err := s.GetKey("ring-transport"); err == nil {
		c.RingTransport, _ = k.Bool()
	}
	if k, err := s.GetKey("virq-dom-exc"); err == nil {
		c.DomExcVirq, _ = k.Bool()
	}
	if k, err := s.GetKey("pid-file"); err == nil {
		c.PidFile = k.String()
	}
	if k, err := s.GetKey("log-file"); err == nil {
		c.LogFile = k.String()
	}
	if k, err := s.GetKey("log-level"); err == nil {
		c.LogLevel = k.String()
	}
	if k, err := s.GetKey("socket"); err == nil {
		c.Socket = k.String()
	}
	if k, err := s.GetKey("socket-ro"); err == nil {
		c.SocketRO = k.String()
	}
	if k, err := s.GetKey("metrics-addr"); err == nil {
		c.MetricsAddr = k.String()
	}
	return nil
}

// Context is the identity a connection carries into every dispatch: the
// domain it speaks for, the prefix relative paths resolve against, and
// whether it arrived on the read-only socket.
type Context struct {
	Domid    uint32
	Prefix   string
	ReadOnly bool
}
