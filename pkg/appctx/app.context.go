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

package appctx

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"espdash/pkg/logger"
)

// New returns the session context. It is canceled on SIGINT/SIGTERM or
// when the returned cancel func is called; either way every service
// started with it tears down.
func New() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigs)
		log := logger.New("SigHandler")
		select {
		case sig := <-sigs:
			log.Info("received signal: %s", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
