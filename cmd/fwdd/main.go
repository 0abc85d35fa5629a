// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary fwdd is the switch forwarding agent daemon. It loads the
// startup configuration, reconciles against a warm-boot dump when one
// exists, applies the configuration and serves until terminated; a
// graceful shutdown persists the applied state and hardware tables for
// the next warm boot.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http/pprof"

	"github.com/openconfig/fwdgo/agent"
	"github.com/openconfig/fwdgo/hw"
	"github.com/openconfig/fwdgo/service"
)

var (
	configFile   = flag.String("config", "", "path to the JSON startup configuration")
	warmBootFile = flag.String("warm_boot_file", "fwdd_warmboot.json", "path of the warm-boot dump")
	metricsAddr  = flag.String("metrics_addr", "localhost:9090", "address serving /metrics and pprof")
	enableMut    = flag.Bool("enable_running_config_mutations", false, "allow patchCurrentStateJSON")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg := &agent.Config{}
	if *configFile != "" {
		var err error
		if cfg, err = agent.LoadConfig(*configFile); err != nil {
			log.Errorf("cannot load configuration, %v", err)
			return 1
		}
	}
	cfg.EnableRunningConfigMutations = cfg.EnableRunningConfigMutations || *enableMut

	_, dump, err := agent.LoadWarmBoot(*warmBootFile)
	if err != nil {
		log.Errorf("cannot load warm-boot dump, %v", err)
		return 1
	}
	if dump != nil {
		log.Infof("warm boot: adopting %d routes, %d egresses, %d ECMP groups",
			len(dump.Routes), len(dump.Egresses), len(dump.Ecmps))
	}

	drv := newDriver()
	a, err := agent.New(cfg, drv, agent.WithWarmBoot(dump))
	if err != nil {
		log.Errorf("cannot create agent, %v", err)
		return 1
	}
	a.Start()

	ctx := context.Background()
	if err := a.ApplyConfig(ctx, cfg); err != nil {
		if errors.Is(err, hw.ErrProgrammingFailed) {
			log.Errorf("fatal hardware fault during configuration, %v", err)
			return 2
		}
		log.Errorf("cannot apply configuration, %v", err)
		return 1
	}

	svc := service.New(a, service.WithConfigPath(*configFile))
	log.Infof("agent is %s", svc.GetStatus())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Stats().Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	go func() {
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Errorf("metrics server stopped, %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %v, shutting down", sig)

	a.Stop()
	if err := a.DumpWarmBoot(*warmBootFile); err != nil {
		log.Errorf("cannot write warm-boot dump, %v", err)
		return 1
	}
	return 0
}
