// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"espdash/internal/command"
	"espdash/internal/config"
	"espdash/internal/dashboard"
	"espdash/internal/device"
	"espdash/internal/discovery"
	"espdash/internal/mqttbridge"
	"espdash/internal/poller"
	"espdash/internal/state"
	"espdash/internal/threshold"
	"espdash/pkg/appctx"
	"espdash/pkg/eventbus"
	"espdash/pkg/logger"
	"espdash/pkg/rootserv"
	"espdash/pkg/service"
	"espdash/pkg/sysmon"
)

func main() {

	rootdir := os.Getenv("PROJECT_ROOT")
	if rootdir == "" {
		rootdir = "."
	}

	if err := logger.Init(filepath.Join(rootdir, "var/logs/espdash.log")); err != nil {
		logger.New("Main").Warn("log file disabled: %v", err)
	}
	log := logger.New("Main")

	appConf, err := config.LoadFile(filepath.Join(rootdir, "var/config/espdash.json"))
	if err != nil {
		log.Error("config: %v", err)
		os.Exit(1)
	}

	// use conf to pass eventbus to whoever needs it
	appConf.EventBus = eventbus.New()

	ctx, ctxCancel := appctx.New()

	baseURL := appConf.Device.BaseURL
	if baseURL == "" {
		log.Info("no device.base_url, browsing %s", appConf.Device.MDNSService)
		baseURL, err = discovery.Find(ctx, appConf.Device.MDNSService, appConf.Device.MDNSName, appConf.Device.MDNSTimeout())
		if err != nil {
			log.Error("device discovery: %v", err)
			os.Exit(1)
		}
	}
	log.Info("device at %s", baseURL)

	// core
	store := state.New(appConf.EventBus)
	client := device.NewClient(baseURL, appConf.Device.Timeout())
	pollerService := poller.New(client, store, appConf.EventBus, appConf.PollInterval(),
		poller.WithTimeout(appConf.PollTimeout()))
	dispatcher := command.NewDispatcher(client, store)
	debouncer := threshold.New(dispatcher, store, appConf.EventBus)

	// outer surfaces
	server := rootserv.New(appConf.HTTPAddr)
	dashboardService := dashboard.New(appConf, store, dispatcher, debouncer, pollerService)
	mqttService := mqttbridge.New(appConf, store, dispatcher)
	sysMonitorService := sysmon.New(appConf.EventBus)
	sysMonitorService.Expose("poller", func() any { return pollerService.Status() })
	sysMonitorService.Expose("pending_commands", func() any { return dispatcher.Pending() })

	// attach web handler enabled services
	server.Attach("/", "Dashboard", http.RedirectHandler("/dashboard/", http.StatusTemporaryRedirect))
	server.Attach("/dashboard", "Device Dashboard", dashboardService)
	server.Attach("/logger", "Logger", logger.WebService())
	server.Attach("/monitor", "System Monitor", sysMonitorService)

	// start runnable services
	exitCh := service.Start(ctx, ctxCancel, []service.Runnable{
		pollerService,
		debouncer,
		dashboardService,
		mqttService,
		server,
		service.Func(func(ctx context.Context) {
			<-ctx.Done()
			// late replies from here on are discarded
			store.Close()
		}),
	})

	// waits for all services to stop
	code := <-exitCh
	appConf.EventBus.Close()
	logger.Close()
	os.Exit(code)
}
