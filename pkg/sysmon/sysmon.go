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

package sysmon

import (
	"encoding/json"
	"html/template"
	"net/http"
	"os"
	"runtime"
	"time"

	"espdash/pkg/eventbus"
	"espdash/pkg/logger"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type CPU struct {
	SystemPercent  float64 `json:"system_percent"`
	ProcessPercent float64 `json:"process_percent"`
}

type Memory struct {
	SystemTotal uint64 `json:"system_total"`
	SystemUsed  uint64 `json:"system_used"`
	SystemFree  uint64 `json:"system_free"`
	ProcessRSS  uint64 `json:"process_rss"`
}

type Disk struct {
	Path  string `json:"path"`
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

type Metrics struct {
	GoVersion  string          `json:"go_version"`
	Goroutines int             `json:"goroutines"`
	Uptime     string          `json:"uptime"`
	CPU        CPU             `json:"cpu"`
	Memory     Memory          `json:"memory"`
	Disk       Disk            `json:"disk"`
	Bus        *eventbus.Stats `json:"event_bus,omitempty"`
	Extra      map[string]any  `json:"extra,omitempty"`
}

type Service struct {
	dir     string
	started time.Time
	bus     *eventbus.Bus
	extras  map[string]func() any
	log     *logger.Logger
}

// New monitors the host and, when bus is non-nil, the event bus.
func New(bus *eventbus.Bus) *Service {
	log := logger.New("System Monitor")
	dir, err := os.Getwd()
	if err != nil {
		log.Warn("getting working directory: %v", err)
		dir = "/"
	}
	return &Service{
		dir:     dir,
		started: time.Now(),
		bus:     bus,
		extras:  make(map[string]func() any),
		log:     log,
	}
}

// Expose adds a named application value to every report. Call before
// serving.
func (s *Service) Expose(name string, fn func() any) {
	s.extras[name] = fn
}

// Collect gathers a report. Host metrics that cannot be read are left zero.
func (s *Service) Collect() Metrics {
	m := Metrics{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Disk:       Disk{Path: s.dir},
	}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		m.CPU.SystemPercent = pcts[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		m.Memory.SystemTotal = vmem.Total
		m.Memory.SystemUsed = vmem.Used
		m.Memory.SystemFree = vmem.Available
	}
	if total, free, used, err := DiskUsage(s.dir); err == nil {
		m.Disk.Total, m.Disk.Free, m.Disk.Used = total, free, used
	} else {
		s.log.Debug("disk usage %s: %v", s.dir, err)
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := p.MemoryInfo(); err == nil {
			m.Memory.ProcessRSS = memInfo.RSS
		}
		if pct, err := p.CPUPercent(); err == nil {
			m.CPU.ProcessPercent = pct
		}
	}

	if s.bus != nil {
		stats := s.bus.Stats()
		m.Bus = &stats
	}
	if len(s.extras) > 0 {
		m.Extra = make(map[string]any, len(s.extras))
		for name, fn := range s.extras {
			m.Extra[name] = fn()
		}
	}
	return m
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics := s.Collect()

	// JSON API
	if r.Header.Get("Accept") == "application/json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(metrics)
		return
	}

	// HTML dashboard
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Execute(w, metrics); err != nil {
		s.log.Error("render: %v", err)
	}
}

func gb(v uint64) float64 { return float64(v) / (1024 * 1024 * 1024) }
func mb(v uint64) float64 { return float64(v) / (1024 * 1024) }

func jsonText(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(b)
}

var page = template.Must(template.New("sysmon").Funcs(template.FuncMap{
	"gb": gb, "mb": mb, "json": jsonText,
}).Parse(`<!DOCTYPE html>
<html>
<head>
	<title>System Monitor</title>
	<style>
		body { font-family: sans-serif; margin: 2em; background: #f9f9f9; }
		h1 { color: #333; }
		table { border-collapse: collapse; width: 60%; margin-top: 1em; }
		th, td { border: 1px solid #ccc; padding: 0.6em 1em; text-align: left; }
		th { background: #eee; }
	</style>
</head>
<body>
	<h1>System Monitor</h1>
	<h2>Go</h2>
	<p>Version: {{.GoVersion}}, goroutines: {{.Goroutines}}, uptime: {{.Uptime}}</p>
	<h2>CPU</h2>
	<table>
		<tr><th>System %</th><th>Process %</th></tr>
		<tr><td>{{printf "%.2f" .CPU.SystemPercent}}%</td><td>{{printf "%.2f" .CPU.ProcessPercent}}%</td></tr>
	</table>
	<h2>Memory</h2>
	<table>
		<tr><th>System Total</th><th>System Used</th><th>System Free</th><th>Process RSS</th></tr>
		<tr>
			<td>{{printf "%.2f" (gb .Memory.SystemTotal)}} GB</td>
			<td>{{printf "%.2f" (gb .Memory.SystemUsed)}} GB</td>
			<td>{{printf "%.2f" (gb .Memory.SystemFree)}} GB</td>
			<td>{{printf "%.2f" (mb .Memory.ProcessRSS)}} MB</td>
		</tr>
	</table>
	<h2>Disk ({{.Disk.Path}})</h2>
	<table>
		<tr><th>Total</th><th>Used</th><th>Free</th></tr>
		<tr>
			<td>{{printf "%.2f" (gb .Disk.Total)}} GB</td>
			<td>{{printf "%.2f" (gb .Disk.Used)}} GB</td>
			<td>{{printf "%.2f" (gb .Disk.Free)}} GB</td>
		</tr>
	</table>
	{{with .Bus}}
	<h2>Event bus</h2>
	<table>
		<tr><th>Published</th><th>Delivered</th><th>Replaced</th><th>Dropped</th></tr>
		<tr><td>{{.Published}}</td><td>{{.Delivered}}</td><td>{{.Replaced}}</td><td>{{.Dropped}}</td></tr>
	</table>
	{{end}}
	{{range $name, $v := .Extra}}
	<h2>{{$name}}</h2>
	<pre>{{json $v}}</pre>
	{{end}}
</body>
</html>
`))
