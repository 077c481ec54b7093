/*
 * Copyright (c) 2025 ORR contributors
 */

package main

// orrd is the Redundancy Robot daemon: it loads cluster descriptors out
// of the Config Store, runs one Cluster Manager per cluster, and serves
// their status over HTTP. The bootstrap/signal-handling shape follows
// the teacher's tdnsd/main.go mainloop.

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gookit/goutil/dump"
	"github.com/spf13/pflag"

	"github.com/jelu/lim-plugin-orr/orr"
)

var appVersion = "devel"

func mainloop(ctx context.Context, cancel context.CancelFunc, managers map[string]*orr.ClusterManager, cs *orr.ConfigStore) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: exit signal received, stopping cluster managers")
				for _, cm := range managers {
					cm.Stop()
				}
				cancel()
				wg.Done()
				return
			case <-hupper:
				log.Println("mainloop: SIGHUP received, requesting a reconciliation reset on every cluster")
				for _, cm := range managers {
					cm.RequestReset()
				}
			}
		}
	}()
	wg.Wait()
	log.Println("mainloop: leaving signal dispatcher")
}

func main() {
	cfgfile := pflag.String("config", DefaultCfgFile, "path to the orrd config file")
	verbose := pflag.BoolP("verbose", "v", false, "verbose logging")
	debug := pflag.BoolP("debug", "d", false, "debug logging")
	foreground := pflag.BoolP("foreground", "f", false, "stay attached to the controlling terminal")
	pflag.Parse()

	orr.Globals.App = orr.AppInfo{Name: "orrd", Version: appVersion}
	orr.Globals.Verbose = *verbose
	orr.Globals.Debug = *debug
	_ = *foreground // orrd never daemonizes itself; left for parity with tools that do

	conf, err := ParseConfig(*cfgfile)
	if err != nil {
		log.Fatalf("orrd: %v", err)
	}
	if conf.Service.Verbose != nil {
		orr.Globals.Verbose = orr.Globals.Verbose || boolVal(conf.Service.Verbose)
	}
	if conf.Service.Debug != nil {
		orr.Globals.Debug = orr.Globals.Debug || boolVal(conf.Service.Debug)
	}

	if err := orr.SetupLogging(conf.Log.File); err != nil {
		log.Fatalf("orrd: error setting up logging: %v", err)
	}
	fmt.Printf("orrd version %s starting, logging to %s\n", appVersion, conf.Log.File)
	if orr.Globals.Debug {
		dump.P(conf)
	}

	cs, err := orr.Setup(conf.Db.Driver, conf.Db.Dsn)
	if err != nil {
		log.Fatalf("orrd: error setting up config store: %v", err)
	}
	defer cs.Close()

	clusters, err := cs.ClusterList()
	if err != nil {
		log.Fatalf("orrd: error listing clusters: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// managers is populated below; it's shared with the status server by
	// reference, so status.Clusters sees every cluster as it comes up.
	managers := make(map[string]*orr.ClusterManager, len(clusters))
	status := orr.NewStatusServer(conf.Apiserver.Address, managers)
	go status.Run()

	for _, c := range clusters {
		desc, err := cs.ClusterConfig(c.Uuid)
		if err != nil {
			log.Fatalf("orrd: error loading cluster %s: %v", c.Uuid, err)
		}

		watcher := orr.NewNodeWatcher()
		for _, n := range desc.Nodes {
			if err := watcher.Add(n.Uuid, n.Uri, n.Mode); err != nil {
				log.Printf("orrd: error adding node %s to cluster %s: %v", n.Uuid, c.Uuid, err)
			}
		}
		go watcher.Run(ctx)

		cm := orr.NewClusterManager(desc, watcher)
		cm.Start(ctx)
		managers[c.Uuid] = cm
		log.Printf("orrd: cluster %s (%s) running with %d nodes and %d zones", c.Uuid, desc.Mode, len(desc.Nodes), len(desc.Zones))
	}

	if len(managers) > 0 {
		status.SetReady(true)
	}

	mainloop(ctx, cancel, managers, cs)
}
