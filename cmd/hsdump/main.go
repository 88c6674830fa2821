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
hsdump opens a HotSync connection over serial or TCP (NetSync), issues a
handful of diagnostic DLP calls, and prints their replies. It has no interactive prompt; it is the read-only counterpart to
a full sync client, useful for confirming a link is alive end to end.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/dwery/coldsync-sub004/conn"
	"github.com/dwery/coldsync-sub004/dlp"
	"github.com/dwery/coldsync-sub004/hsconfig"
	"github.com/dwery/coldsync-sub004/hsstats"
	"github.com/dwery/coldsync-sub004/padp"
)

var (
	okString   = color.GreenString("[OK]")
	infoString = color.CyanString("[INFO]")
	warnString = color.YellowString("[WARN]")
	failString = color.RedString("[FAIL]")
)

func progressLine(format string, args ...interface{}) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	fmt.Printf(format, args...)
}

func main() {
	var (
		serialDevice string
		netsyncAddr  string
		baudRate     uint
		requestIDs   string
		logLevel     string
		configPath   string
		profileName  string
	)

	flag.StringVar(&serialDevice, "serial", "", "serial device to dial, e.g. /dev/ttyUSB0")
	flag.StringVar(&netsyncAddr, "netsync", "", "host:port to dial for a NetSync (TCP) connection")
	flag.UintVar(&baudRate, "baud", 0, "requested line rate, 0 to accept the device's offer (serial only)")
	flag.StringVar(&requestIDs, "requests", "1", "comma separated DLP request ids to issue in order")
	flag.StringVar(&logLevel, "loglevel", "warning", "log level: debug, info, warning, error")
	flag.StringVar(&configPath, "config", "", "hsconfig YAML file to load device profiles from")
	flag.StringVar(&profileName, "profile", "", "named profile within -config to use for device/baud/metrics defaults")
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
		fmt.Println(failString, "unrecognized log level", logLevel)
		os.Exit(1)
	}

	metricsPort := 0
	var padpOpts *padp.Options
	if configPath != "" {
		cfg, err := hsconfig.Read(configPath)
		if err != nil {
			fmt.Println(failString, err)
			os.Exit(1)
		}
		if profileName == "" {
			fmt.Println(failString, "-profile is required when -config is given")
			os.Exit(1)
		}
		profile, ok := findProfile(cfg, profileName)
		if !ok {
			fmt.Println(failString, "no profile named", profileName, "in", configPath)
			os.Exit(1)
		}
		if serialDevice == "" && profile.Device != "" {
			serialDevice = profile.Device
		}
		if baudRate == 0 && profile.BaudRate != 0 {
			baudRate = uint(profile.BaudRate)
		}
		metricsPort = profile.MetricsPort
		if profile.PADP != nil {
			padpOpts = &padp.Options{
				MaxFragment: profile.PADP.MaxFragment,
				AckTimeout:  time.Duration(profile.PADP.AckTimeoutMS) * time.Millisecond,
				MaxRetries:  profile.PADP.MaxRetries,
			}
		}
		fmt.Println(infoString, "loaded profile", profile.Name, "from", configPath)
	}

	if serialDevice == "" && netsyncAddr == "" {
		fmt.Println(failString, "one of -serial, -netsync, or a -config/-profile naming a device is required")
		os.Exit(1)
	}

	stats := hsstats.New("hsdump")
	if metricsPort != 0 {
		go stats.Serve(metricsPort)
		fmt.Println(infoString, "serving metrics on port", metricsPort)
	}

	var (
		c   *conn.Connection
		err error
	)
	switch {
	case serialDevice != "":
		fmt.Println(infoString, "opening serial connection to", serialDevice)
		progressLine("waiting for device wakeup...\n")
		c, err = conn.OpenSerial(serialDevice, uint32(baudRate), stats, padpOpts)
	case netsyncAddr != "":
		fmt.Println(infoString, "dialing NetSync peer at", netsyncAddr)
		c, err = conn.OpenNetSync(netsyncAddr, stats)
	}
	if err != nil {
		fmt.Println(failString, err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Println(okString, "connection established:", c.Kind())
	if speed := c.Speed(); speed != 0 {
		fmt.Println(infoString, "negotiated speed:", speed, "bps")
	}

	ids := parseRequestIDs(requestIDs)
	replies := make([]dlp.Reply, 0, len(ids))
	for _, id := range ids {
		reply, err := c.Call(dlp.Request{ID: id})
		if err != nil {
			fmt.Println(warnString, "request", id, "failed:", err)
			continue
		}
		replies = append(replies, reply)
	}

	if len(replies) == 0 {
		fmt.Println(warnString, "no replies received")
		return
	}

	fmt.Println(okString, "mean ack round trip:", stats.AckRTTMean(), "us")
	printReplies(replies)
}

func findProfile(cfg *hsconfig.Config, name string) (hsconfig.Profile, bool) {
	for _, p := range cfg.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return hsconfig.Profile{}, false
}

func parseRequestIDs(s string) []uint8 {
	var ids []uint8
	var cur uint8
	have := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			cur = cur*10 + uint8(r-'0')
			have = true
		case r == ',':
			if have {
				ids = append(ids, cur)
			}
			cur, have = 0, false
		}
	}
	if have {
		ids = append(ids, cur)
	}
	return ids
}

func printReplies(replies []dlp.Reply) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Request", "Status", "Arg ID", "Arg Bytes"})

	for _, rep := range replies {
		if len(rep.Args) == 0 {
			table.Append([]string{
				fmt.Sprintf("0x%02x", rep.RequestID),
				fmt.Sprintf("%d", rep.Status),
				"-",
				"-",
			})
			continue
		}
		for _, a := range rep.Args {
			table.Append([]string{
				fmt.Sprintf("0x%02x", rep.RequestID),
				fmt.Sprintf("%d", rep.Status),
				fmt.Sprintf("%d", a.ID),
				fmt.Sprintf("%d", len(a.Payload)),
			})
		}
	}
	table.Render()
}
