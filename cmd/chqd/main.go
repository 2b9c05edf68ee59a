// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Command chqd runs one query worker. Every worker hosts
// the mesh and operator runtime; the worker named first in
// the peer list (or any worker started with -coordinator)
// additionally embeds the query coordinator.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alekLukanen/ChapterhouseQE/ops"
	"github.com/alekLukanen/ChapterhouseQE/wire"
	"github.com/alekLukanen/ChapterhouseQE/worker"
)

func main() {
	fs := flag.NewFlagSet("chqd", flag.ExitOnError)
	configPath := fs.String("f", "chqd.yaml", "path to the YAML config file")
	advertise := fs.String("a", "", "address peers use to reach this worker (default 127.0.0.1:<listen_port>)")
	embed := fs.Bool("coordinator", false, "embed the query coordinator on this worker")
	if fs.Parse(os.Args[1:]) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)

	cfg, err := worker.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err)
	}
	self := *advertise
	if self == "" {
		self = fmt.Sprintf("127.0.0.1:%d", cfg.ListenPort)
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	// sibling workers materializing to the same sink each
	// need their own output file
	suffix := strings.NewReplacer(":", "-", "/", "-").Replace(self)

	w, err := worker.Start(wire.WorkerID(self), cfg,
		worker.WithLogger(logger),
		worker.WithScanner(&ops.IPCScanner{Root: dataDir}),
		worker.WithWriter(&ops.IPCWriter{Root: dataDir, Suffix: suffix}),
	)
	if err != nil {
		logger.Fatal(err)
	}
	if *embed || len(cfg.Peers) == 0 || cfg.Peers[0] == self {
		w.ServeCoordinator()
		logger.Printf("chqd %s: coordinator enabled", self)
	}
	logger.Printf("chqd %s listening on :%d with %d configured peers", self, cfg.ListenPort, len(cfg.Peers))

	// accept graceful shutdowns on SIGINT (Ctrl+C) and
	// SIGTERM
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Printf("chqd %s: shutting down", self)
	if err := w.Close(); err != nil {
		logger.Print(err)
	}
}
