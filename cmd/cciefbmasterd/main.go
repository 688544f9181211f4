package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rtlabs-com/cciefb-master/config"
	"github.com/rtlabs-com/cciefb-master/iface"
	"github.com/rtlabs-com/cciefb-master/master"
)

var DEFAULT_CONFIG_PATH = "cciefb.ini"

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", DEFAULT_CONFIG_PATH, "path to the master's ini configuration file")
	verbose := flag.Bool("v", false, "enable debug logging")
	netmask := flag.String("netmask", "255.255.255.0", "netmask of the configured master_ip's interface")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.LoadINI(*configPath)
	if err != nil {
		fmt.Printf("could not load configuration from %v : %v\n", *configPath, err)
		os.Exit(1)
	}

	// Stand in a static interface resolver sourced from the -netmask
	// flag and a synthesized locally-administered MAC; a deployment
	// supplies a platform resolver here instead.
	mask := net.ParseIP(*netmask)
	if mask == nil {
		fmt.Printf("could not parse netmask %v\n", *netmask)
		os.Exit(1)
	}
	resolver := iface.Static{Info: iface.Info{
		Index:   1,
		Netmask: net.IPMask(mask.To4()),
		MAC:     [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
	}}

	start := time.Now()
	now := func() uint32 { return uint32(time.Since(start).Microseconds()) }

	h, err := master.Init(cfg, resolver, master.NoopHooks{}, now())
	if err != nil {
		fmt.Printf("failed to initialize master : %v\n", err)
		os.Exit(1)
	}
	defer h.Exit()

	h.SetMasterApplicationStatus(true, false)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-sigCh:
			log.Info("shutting down")
			return
		case <-tick.C:
			if err := h.Periodic(now()); err != nil {
				log.WithError(err).Warn("periodic tick failed")
			}
		}
	}
}
