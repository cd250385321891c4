// Copyright 2023 The go-gretunnel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gretunneld runs the GRE overlay controller: the application
// bus with its stores, the port-set correlator, the pipeline programmer
// and the REST configuration API.  Positional arguments name optional
// applications to load; currently "tunnel-port-updater".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ovsnet/go-gretunnel/admin"
	"github.com/ovsnet/go-gretunnel/bundle"
)

func main() {
	cmd := flag.NewFlagSet("gretunneld", flag.ExitOnError)

	restAddr := cmd.String("listen-rest", ":8080", "address to serve the configuration API on")
	adminAddr := cmd.String("admin-addr", ":9990", "address to serve metrics and health on")
	logLevel := cmd.String("log-level", "info", "log level: panic, fatal, error, warn, info, debug, trace")
	enablePprof := cmd.Bool("enable-pprof", false, "enable pprof endpoints on the admin server")

	if err := cmd.Parse(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %s", *logLevel, err)
	}
	log.SetLevel(level)

	cfg := bundle.Config{}
	for _, app := range cmd.Args() {
		switch app {
		case "tunnel-port-updater":
			cfg.TunnelPortUpdater = true
		default:
			log.Fatalf("unknown application %q", app)
		}
	}

	b := bundle.New(cfg)
	b.Start()

	ready := false
	adminServer := admin.NewServer(*adminAddr, *enablePprof, &ready)
	go func() {
		log.Infof("starting admin server on %s", *adminAddr)
		if err := adminServer.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				log.Infof("admin server closed (%s)", *adminAddr)
			} else {
				log.Errorf("admin server error (%s): %s", *adminAddr, err)
			}
		}
	}()

	restServer := &http.Server{
		Addr:              *restAddr,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		log.Infof("starting configuration API on %s", *restAddr)
		if err := restServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("configuration API error (%s): %s", *restAddr, err)
		}
	}()

	ready = true

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	log.Infof("shutting down on %s", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := restServer.Shutdown(ctx); err != nil {
		log.Warnf("configuration API shutdown: %s", err)
	}
	if err := adminServer.Shutdown(ctx); err != nil {
		log.Warnf("admin server shutdown: %s", err)
	}
	b.Stop()

	fmt.Fprintln(os.Stderr, "bye")
}
