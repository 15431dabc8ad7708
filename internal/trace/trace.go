// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace records bootstrap stages in the Chrome tracing
// format (chrome://tracing). Each worker is rendered as its own
// process, identified by its global rank.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// T is the top-level envelope of a trace file.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. For details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Encode writes t to w as JSON.
func (t *T) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode reads a JSON trace from r into t.
func (t *T) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}

// A Recorder accumulates complete ("X") events for bootstrap stages.
// A nil *Recorder records nothing.
type Recorder struct {
	mu     sync.Mutex
	start  time.Time
	events []Event
	names  map[int]string
}

// NewRecorder returns a Recorder whose timestamps are relative to now.
func NewRecorder() *Recorder {
	return &Recorder{start: time.Now(), names: make(map[int]string)}
}

// Name labels process pid in the rendered trace.
func (r *Recorder) Name(pid int, name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.names[pid] = name
	r.mu.Unlock()
}

// Span begins a stage named name on process pid. The returned func
// ends the span; args are interleaved key-value pairs attached to the
// event and must be of even length.
func (r *Recorder) Span(pid int, cat, name string, args ...interface{}) (end func()) {
	if r == nil {
		return func() {}
	}
	if len(args)%2 != 0 {
		panic("trace.Span: odd number of arguments")
	}
	began := time.Now()
	return func() {
		event := Event{
			Pid:  pid,
			Ts:   began.Sub(r.start).Nanoseconds() / 1e3,
			Dur:  time.Since(began).Nanoseconds() / 1e3,
			Ph:   "X",
			Name: name,
			Cat:  cat,
			Args: make(map[string]interface{}, len(args)/2),
		}
		for i := 0; i < len(args); i += 2 {
			event.Args[fmt.Sprint(args[i])] = args[i+1]
		}
		r.mu.Lock()
		r.events = append(r.events, event)
		r.mu.Unlock()
	}
}

// Trace returns the recorded events, process-name metadata first,
// then spans in timestamp order.
func (r *Recorder) Trace() *T {
	t := new(T)
	if r == nil {
		return t
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.names))
	for pid := range r.names {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	for _, pid := range pids {
		t.Events = append(t.Events, Event{
			Pid:  pid,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{"name": r.names[pid]},
		})
	}
	spans := make([]Event, len(r.events))
	copy(spans, r.events)
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Ts < spans[j].Ts })
	t.Events = append(t.Events, spans...)
	return t
}
