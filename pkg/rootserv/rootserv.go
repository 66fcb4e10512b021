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

package rootserv

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"espdash/pkg/logger"

	"github.com/gorilla/handlers"
)

// RootServer mounts sub-services under path prefixes and serves an index
// of them.
type RootServer struct {
	log        *logger.Logger
	addr       string
	mux        *http.ServeMux
	subservers map[string]string // path -> description
	mainPage   http.Handler
	accessLog  io.Writer
	handler    func() http.Handler
}

func New(addr string) *RootServer {
	ms := &RootServer{
		addr:       addr,
		mux:        http.NewServeMux(),
		subservers: make(map[string]string),
		log:        logger.New("HTTPServer"),
	}
	ms.handler = sync.OnceValue(ms.buildHandler)
	return ms
}

// LogRequests writes an Apache combined log line per request to w.
func (ms *RootServer) LogRequests(w io.Writer) {
	ms.accessLog = w
}

func (ms *RootServer) String() string { return "rootserv " + ms.addr }

// Attach registers handler under path with the prefix stripped.
// Path "/" makes handler the main page.
func (ms *RootServer) Attach(path, desc string, handler http.Handler) {
	ms.log.Info("Attach: %s", path)

	if path == "/" {
		ms.mainPage = handler
		return
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	strip := strings.TrimRight(path, "/")
	ms.subservers[strip] = desc
	ms.mux.Handle(strip+"/", http.StripPrefix(strip, handler))
}

// Mount registers handler under path without stripping the prefix, for
// handlers that own absolute paths.
func (ms *RootServer) Mount(path, desc string, handler http.Handler) {
	ms.log.Info("Mount: %s", path)
	strip := "/" + strings.Trim(path, "/")
	ms.subservers[strip] = desc
	ms.mux.Handle(strip+"/", handler)
}

func (ms *RootServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	fmt.Fprintln(w, "<!DOCTYPE html><html><head><title>espdash</title></head><body>")
	fmt.Fprintln(w, "<h1>Services</h1><ul>")

	paths := make([]string, 0, len(ms.subservers))
	for path := range ms.subservers {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Fprintf(w, `<li><a href="%s/">%s</a> - %s</li>`, path, path, html.EscapeString(ms.subservers[path]))
	}
	fmt.Fprintln(w, "</ul></body></html>")
}

// Handler returns the full handler chain: recovery, access log, mux.
// Attach must not be called after the first call to Handler.
func (ms *RootServer) Handler() http.Handler {
	return ms.handler()
}

func (ms *RootServer) buildHandler() http.Handler {
	ms.mux.HandleFunc("/index", ms.handleIndex)
	ms.mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		if ms.mainPage != nil {
			ms.mainPage.ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "/index", http.StatusTemporaryRedirect)
	})

	var h http.Handler = ms.mux
	if ms.accessLog != nil {
		h = handlers.CombinedLoggingHandler(ms.accessLog, h)
	}
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
}

// Run serves until ctx is canceled.
func (ms *RootServer) Run(ctx context.Context) {
	ms.log.Info("Running on %s", ms.addr)

	srv := &http.Server{
		Addr:              ms.addr,
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		ms.log.Info("Stopped")
	case err := <-errCh:
		if err != nil {
			ms.log.Error("Stopped: %v", err)
		}
	}
}
