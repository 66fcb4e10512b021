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

package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"espdash/internal/command"
	"espdash/internal/config"
	"espdash/internal/events"
	"espdash/internal/state"
	"espdash/internal/threshold"
	"espdash/pkg/eventbus"
	"espdash/pkg/logger"

	"github.com/bep/debounce"
)

// Commands is what the dashboard needs from the dispatcher.
type Commands interface {
	ToggleRelay(ctx context.Context, id int) (bool, error)
	SetAutoMode(ctx context.Context, enabled bool) (bool, error)
	Pending() []command.PendingCommand
}

// Thresholds is what the dashboard needs from the debouncer.
type Thresholds interface {
	OnContinuousChange(k threshold.Kind, v float64) error
	OnCommit(ctx context.Context, k threshold.Kind, v float64) error
	Value(k threshold.Kind) threshold.Value
	SetNotify(fn func())
}

type StatusSource interface {
	Status() events.PollerStatus
}

type Service struct {
	store      *state.Store
	commands   Commands
	thresholds Thresholds
	status     StatusSource
	evBus      *eventbus.Bus
	log        *logger.Logger

	clients  *ClientSync
	debounce func(func())

	httpHandler http.Handler
}

func New(conf *config.Config, store *state.Store, commands Commands, thresholds Thresholds, status StatusSource) *Service {
	s := &Service{
		store:      store,
		commands:   commands,
		thresholds: thresholds,
		status:     status,
		evBus:      conf.EventBus,
		log:        logger.New("Dashboard"),
		clients:    newClientSync(),
		debounce:   debounce.New(conf.BroadcastDebounce()),
	}
	thresholds.SetNotify(s.requestBroadcast)
	s.httpHandler = s.buildHTTPHandler()
	return s
}

func (s *Service) String() string { return "dashboard" }

func (s *Service) Run(ctx context.Context) {
	s.log.Info("starting dashboard")
	defer s.clients.closeAll()

	if s.evBus == nil {
		<-ctx.Done()
		return
	}

	stateCh, unsubState := s.evBus.Subscribe(ctx, events.TopicDeviceState, true)
	defer unsubState()
	statusCh, unsubStatus := s.evBus.Subscribe(ctx, events.TopicPollerStatus, false)
	defer unsubStatus()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping dashboard")
			return
		case _, ok := <-stateCh:
			if !ok {
				return
			}
			s.requestBroadcast()
		case _, ok := <-statusCh:
			if !ok {
				return
			}
			s.requestBroadcast()
		}
	}
}

// View assembles the current view from the store and its satellites.
func (s *Service) View() View {
	var status events.PollerStatus
	if s.status != nil {
		status = s.status.Status()
	}
	return BuildView(
		s.store.Snapshot(),
		s.thresholds.Value(threshold.Temperature),
		s.thresholds.Value(threshold.Humidity),
		status,
		s.commands.Pending(),
	)
}

func (s *Service) requestBroadcast() {
	s.debounce(func() {
		s.clients.broadcast(Message{Type: "state", View: ptr(s.View())}, s.log)
	})
}

// Handle executes one client request. A superseded command is not an
// error from the client's point of view: the newer command's reply will
// be displayed.
func (s *Service) Handle(ctx context.Context, req Request) error {
	defer s.requestBroadcast()

	var err error
	switch req.Command {
	case "refresh":
	case "toggle_relay":
		_, err = s.commands.ToggleRelay(ctx, req.Relay)
	case "set_auto_mode":
		_, err = s.commands.SetAutoMode(ctx, req.Enabled)
	case "drag_threshold":
		var k threshold.Kind
		if k, err = threshold.ParseKind(req.Threshold); err == nil {
			err = s.thresholds.OnContinuousChange(k, req.Value)
		}
	case "commit_threshold":
		var k threshold.Kind
		if k, err = threshold.ParseKind(req.Threshold); err == nil {
			err = s.thresholds.OnCommit(ctx, k, req.Value)
		}
	default:
		err = fmt.Errorf("unknown command %q: %w", req.Command, command.ErrInvalidArgument)
	}

	if errors.Is(err, command.ErrSuperseded) {
		return nil
	}
	return err
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler.ServeHTTP(w, r)
}

func ptr[T any](v T) *T { return &v }
