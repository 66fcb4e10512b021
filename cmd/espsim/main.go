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
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"espdash/internal/devicesim"
	"espdash/pkg/appctx"
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

	if err := logger.Init(filepath.Join(rootdir, "var/logs/espsim.log")); err != nil {
		logger.New("Main").Warn("log file disabled: %v", err)
	}
	log := logger.New("Main")

	confPath := filepath.Join(rootdir, "var/config/espsim.yml")
	if _, err := os.Stat(confPath); errors.Is(err, fs.ErrNotExist) {
		confPath = ""
	}
	conf, err := devicesim.LoadConfig(confPath)
	if err != nil {
		log.Error("config: %v", err)
		os.Exit(1)
	}

	ctx, ctxCancel := appctx.New()

	relays, err := devicesim.OpenRelays(ctx, conf)
	if err != nil {
		log.Error("%s backend: %v", conf.Backend, err)
		os.Exit(1)
	}
	log.Info("relay backend: %s", conf.Backend)

	sim := devicesim.NewDevice(conf, relays)

	server := rootserv.New(conf.Listen)
	server.LogRequests(os.Stdout)
	server.Mount("/app", "Firmware API", sim.Handler(conf.Faults, nil))
	server.Attach("/logger", "Logger", logger.WebService())
	server.Attach("/monitor", "System Monitor", sysmon.New(nil))

	exitCh := service.Start(ctx, ctxCancel, []service.Runnable{
		sim,
		server,
	})

	code := <-exitCh
	if err := relays.Close(); err != nil {
		log.Error("closing relays: %v", err)
	}
	logger.Close()
	os.Exit(code)
}
