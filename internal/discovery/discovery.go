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

package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"espdash/pkg/logger"

	"github.com/hashicorp/mdns"
)

var ErrNotFound = errors.New("no device found")

var log = logger.New("Discovery")

// queryFn is mdns.Query, replaced in tests.
var queryFn = mdns.Query

// Find browses service on the local network and returns the base URL of
// the first entry whose name contains match (any entry if match is empty).
func Find(ctx context.Context, service, match string, timeout time.Duration) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 10)

	go func() {
		params := &mdns.QueryParam{
			Service:             service,
			Domain:              "local",
			Timeout:             timeout,
			Entries:             entries,
			DisableIPv6:         true,
			WantUnicastResponse: true,
		}
		if err := queryFn(params); err != nil {
			log.Error("mDNS query %s: %v", service, err)
		}
		close(entries)
	}()

	found := ""
	for entry := range entries {
		if found != "" || ctx.Err() != nil {
			// drain so the query goroutine can finish
			continue
		}
		log.Debug("mDNS entry: Name=%s AddrV4=%v Port=%d", entry.Name, entry.AddrV4, entry.Port)
		if match != "" && !strings.Contains(strings.ToLower(entry.Name), strings.ToLower(match)) {
			continue
		}
		if url, ok := BaseURL(entry); ok {
			found = url
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("browse %s: %w", service, ErrNotFound)
	}
	log.Info("found device at %s", found)
	return found, nil
}

// BaseURL builds http://ip:port from an mDNS entry.
func BaseURL(entry *mdns.ServiceEntry) (string, bool) {
	ip := entry.AddrV4
	if ip == nil || ip.IsUnspecified() {
		ip = entry.Addr
	}
	if ip == nil || ip.IsUnspecified() {
		return "", false
	}
	port := entry.Port
	if port == 0 {
		port = 80
	}
	return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(port)), true
}
