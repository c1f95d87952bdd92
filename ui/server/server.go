// Copyright 2021-present Sindre Eikeland. All rights reserved.
// Use of this source code is governed by a MIT-license.

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/eikeland/sqlq"
)

// Server is a simple web server with a WebSocket backend.
type Server struct {
	q *sqlq.Queue
}

// New initializes a new Server.
func New(q *sqlq.Queue) *Server {
	return &Server{
		q: q,
	}
}

// Serve initializes the mux and starts the web server at the given address.
func (srv *Server) Serve(addr string) error {
	r := http.DefaultServeMux
	r.Handle("/ws", wsserver{q: srv.q})
	r.Handle("/", http.FileServer(http.Dir("public")))
	StateUpdates = make(chan *State)
	defer close(StateUpdates)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher(ctx, srv.q)
	go h.run(ctx) // run websocket hub
	return http.ListenAndServe(addr, r)
}

// State is the current state of the job queue.
type State struct {
	Type      string      `json:"type"`
	Stats     *sqlq.Stats `json:"stats,omitempty"`
	Waiting   []*sqlq.Job `json:"waiting,omitempty"`
	Active    []*sqlq.Job `json:"active,omitempty"`
	Completed []*sqlq.Job `json:"completed,omitempty"`
	Failed    []*sqlq.Job `json:"failed,omitempty"`
}

var StateUpdates chan *State

func watcher(ctx context.Context, q *sqlq.Queue) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			newState := &State{Type: "SET_STATE"}
			stats, err := q.Stats(ctx)
			if err != nil {
				continue
			}
			newState.Stats = stats
			rsp, err := q.List(ctx, &sqlq.ListRequest{State: sqlq.Waiting})
			if err != nil {
				continue
			}
			newState.Waiting = rsp.Jobs
			rsp, err = q.List(ctx, &sqlq.ListRequest{State: sqlq.Active})
			if err != nil {
				continue
			}
			newState.Active = rsp.Jobs
			rsp, err = q.List(ctx, &sqlq.ListRequest{State: sqlq.Completed, Limit: 10})
			if err != nil {
				continue
			}
			newState.Completed = rsp.Jobs
			rsp, err = q.List(ctx, &sqlq.ListRequest{State: sqlq.Failed, Limit: 10})
			if err != nil {
				continue
			}
			newState.Failed = rsp.Jobs
			StateUpdates <- newState
		case <-ctx.Done():
			return
		}
	}
}
