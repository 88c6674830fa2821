/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
/*
coldnamed answers NetSync UDP wakeup broadcasts, replacing the original
project's daemon of the same name. It has no protocol logic of its own:
every wakeup it receives is acknowledged by the netsync package, the same
code path a full HotSync session uses.
*/
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dwery/coldsync-sub004/hsstats"
	"github.com/dwery/coldsync-sub004/netsync"
	"github.com/dwery/coldsync-sub004/transport"
)

func main() {
	var (
		hostname    string
		hostIDHex   string
		netmaskHex  string
		logLevel    string
		metricsPort int
	)

	flag.StringVar(&hostname, "hostname", mustHostname(), "hostname advertised in the wakeup ack")
	flag.StringVar(&hostIDHex, "hostid", "00000000", "8 hex digit host id advertised in the wakeup ack")
	flag.StringVar(&netmaskHex, "netmask", "ffffff00", "8 hex digit netmask advertised in the wakeup ack")
	flag.StringVar(&logLevel, "loglevel", "info", "log level: debug, info, warning, error")
	flag.IntVar(&metricsPort, "metricsport", 8877, "port to serve Prometheus metrics on, 0 to disable")
	flag.Parse()

	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("coldnamed: unrecognized log level %q", logLevel)
	}

	hostID, err := parseHex32(hostIDHex)
	if err != nil {
		log.Fatalf("coldnamed: bad -hostid: %v", err)
	}
	netmask, err := parseHex32(netmaskHex)
	if err != nil {
		log.Fatalf("coldnamed: bad -netmask: %v", err)
	}

	stats := hsstats.New("coldnamed")
	if metricsPort != 0 {
		go stats.Serve(metricsPort)
	}

	u, err := transport.ListenWakeup()
	if err != nil {
		log.Fatalf("coldnamed: %v", err)
	}
	defer u.Close()

	if supported, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("coldnamed: sd_notify failed: %v", err)
	} else if !supported {
		log.Debug("coldnamed: sd_notify not supported")
	}

	log.Infof("coldnamed: listening for wakeups on UDP :%d, advertising hostname %q", transport.UDPWakeupPort, hostname)

	var eg errgroup.Group
	eg.Go(func() error {
		for {
			if _, err := netsync.AwaitWakeup(u, hostID, netmask, hostname); err != nil {
				log.Errorf("coldnamed: wakeup handling failed: %v", err)
				return err
			}
		}
	})

	if err := eg.Wait(); err != nil {
		log.Fatalf("coldnamed: %v", err)
	}
}

func mustHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func parseHex32(s string) (uint32, error) {
	var v uint32
	_, err := fmt.Sscanf(s, "%08x", &v)
	return v, err
}
