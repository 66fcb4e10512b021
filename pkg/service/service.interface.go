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

package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"espdash/pkg/logger"
)

// Runnable is the common interface for all services.
// Run blocks until ctx is canceled.
type Runnable interface {
	Run(ctx context.Context)
}

// Func adapts a plain function to Runnable.
type Func func(ctx context.Context)

func (f Func) Run(ctx context.Context) { f(ctx) }

// Start runs every service in its own goroutine. A panicking service
// cancels the whole group and makes the exit code non-zero. The returned
// channel yields the exit code once all services have returned.
func Start(ctx context.Context, ctxCancel context.CancelFunc, services []Runnable) <-chan int {
	var wg sync.WaitGroup
	var exitCode atomic.Int32
	exitCh := make(chan int, 1)

	log := logger.New("Panic")

	for _, s := range services {
		wg.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("%s: %v\n%s", name(s), r, debug.Stack())
					exitCode.Store(-1)
					ctxCancel()
				}
			}()
			s.Run(ctx)
		})
	}

	go func() {
		wg.Wait()
		exitCh <- int(exitCode.Load())
	}()

	return exitCh
}

func name(s Runnable) string {
	if n, ok := s.(fmt.Stringer); ok {
		return n.String()
	}
	return fmt.Sprintf("%T", s)
}
