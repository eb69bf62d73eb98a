/*
registryd is a daemon that serves an in-memory, transactional configuration
registry to local clients over unix sockets and to introduced guest domains
over shared-memory ring channels.

Usage:

	--config=<file>
		Merge options from an ini config file before applying the
		command line.

	-D, --daemon
		Recognized for compatibility; process supervision is expected
		from the init system, which also provides the listening
		sockets via socket activation when available.

	--ring-transport
		Enable the shared-memory ring channel for introduced domains.

	--virq-dom-exc
		Enable the domain-liveness sweep.

	--pid-file=<file>, --log-file=<file>, --log-level=<level>
	--socket=<path>, --socket-ro=<path>
	--metrics-addr=<host:port>

registryd exits 0 on a signalled stop and non-zero on startup failure.
*/
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sysml/registryd"
	"github.com/sysml/registryd/common"
	"github.com/sysml/registryd/domain"
	"github.com/sysml/registryd/event"
	"github.com/sysml/registryd/registry"
	"github.com/sysml/registryd/server"
	"github.com/sysml/registryd/store"
	"github.com/sysml/registryd/watch"
)

type options struct {
	ConfigFile    string `long:"config" description:"Read options from ini config file"`
	Daemonize     bool   `short:"D" long:"daemon" description:"Run in background (delegated to the init system)"`
	RingTransport bool   `long:"ring-transport" description:"Enable the guest ring-channel transport"`
	VirqDomExc    bool   `long:"virq-dom-exc" description:"Enable the domain-liveness sweep"`
	PidFile       string `long:"pid-file" description:"Write process pid to file"`
	LogFile       string `long:"log-file" description:"Write log output to file"`
	LogLevel      string `long:"log-level" description:"Log level <none|error|info|debug>"`
	Socket        string `long:"socket" description:"Path of the read/write socket"`
	SocketRO      string `long:"socket-ro" description:"Path of the read-only socket"`
	MetricsAddr   string `long:"metrics-addr" description:"Serve prometheus metrics on host:port"`
}

func buildConfig(opts *options) (*registryd.Config, error) {
	config := registryd.DefaultConfig()
	if opts.ConfigFile != "" {
		if err := config.LoadFile(opts.ConfigFile); err != nil {
			return nil, err
		}
	}
	if opts.Daemonize {
		config.Daemonize = true
	}
	if opts.RingTransport {
		config.RingTransport = true
	}
	if opts.VirqDomExc {
		config.DomExcVirq = true
	}
	if opts.PidFile != "" {
		config.PidFile = opts.PidFile
	}
	if opts.LogFile != "" {
		config.LogFile = opts.LogFile
	}
	if opts.LogLevel != "" {
		config.LogLevel = opts.LogLevel
	}
	if opts.Socket != "" {
		config.Socket = opts.Socket
	}
	if opts.SocketRO != "" {
		config.SocketRO = opts.SocketRO
	}
	if opts.MetricsAddr != "" {
		config.MetricsAddr = opts.MetricsAddr
	}
	return config, nil
}

func initialiseLogging(config *registryd.Config) error {
	level, err := common.MapLevelNameToLevel(config.LogLevel)
	if err != nil {
		return err
	}
	common.ApplyLevel(level)
	if config.LogFile == "" {
		return nil
	}
	f, err := os.OpenFile(config.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(f)
	return nil
}

func writePid(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	ua, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenUnix("unix", ua)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0777); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// getListeners prefers sockets handed over by systemd; otherwise it binds
// the configured paths itself.
func getListeners(config *registryd.Config) (rw, ro net.Listener, err error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, nil, err
	}
	if len(listeners) >= 2 {
		return listeners[0], listeners[1], nil
	}
	if len(listeners) == 1 {
		rw = listeners[0]
	} else {
		rw, err = listenUnix(config.Socket)
		if err != nil {
			return nil, nil, err
		}
	}
	ro, err = listenUnix(config.SocketRO)
	if err != nil {
		rw.Close()
		return nil, nil, err
	}
	return rw, ro, nil
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	config, err := buildConfig(&opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := initialiseLogging(config); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if config.Daemonize {
		log.Info("registryd: daemonization is delegated to the init system")
	}
	if config.PidFile != "" {
		if err := writePid(config.PidFile); err != nil {
			log.WithError(err).Error("registryd: writing pid file")
			os.Exit(1)
		}
	}

	rw, ro, err := getListeners(config)
	if err != nil {
		log.WithError(err).Error("registryd: binding sockets")
		os.Exit(1)
	}

	log.WithFields(log.Fields{
		"socket":    config.Socket,
		"socket_ro": config.SocketRO,
		"ring":      config.RingTransport,
		"virq":      config.DomExcVirq,
	}).Info("registryd: starting server")

	st := store.New()
	wmgr := watch.NewMgr()
	reg := registry.New(st, wmgr)
	emgr := event.NewMgr()
	srv := server.NewSrv(rw, ro, reg, emgr, config)

	stopch := make(chan struct{})
	if config.RingTransport {
		// The hypercall-backed adapter is a platform collaborator; the
		// loopback adapter keeps the channel machinery live without it.
		dmgr := domain.NewMgr(domain.NewLoopback(), emgr, srv.StartDomainClient)
		reg.SetDomainMgr(dmgr)
		if config.DomExcVirq {
			sweeper := domain.NewSweeper(dmgr, reg.ReleaseDomain)
			go sweeper.Run(stopch)
		}
	}

	if config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(config.MetricsAddr, mux); err != nil {
				log.WithError(err).Error("registryd: metrics listener")
			}
		}()
	}

	go emgr.Run()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigch
		log.WithField("signal", sig).Info("registryd: stopping")
		close(stopch)
		srv.Stop()
	}()

	srv.Serve()

	emgr.Disable()
	emgr.Wait()
	os.Remove(config.Socket)
	os.Remove(config.SocketRO)
	if config.PidFile != "" {
		os.Remove(config.PidFile)
	}
	log.Info("registryd: stopped")
}
