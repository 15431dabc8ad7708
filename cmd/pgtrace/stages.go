// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/grailbio/base/limitbuf"
	"github.com/grailbio/procgroup/internal/trace"
)

// span is one worker's part in a bootstrap stage.
type span struct {
	stage  string
	rank   int
	worker string
	// start is measured as a duration offset from the start of tracing.
	start    time.Duration
	duration time.Duration
}

// stageStat summarizes a stage across the workers that took part in
// it.
type stageStat struct {
	stage   string
	workers int
	// start is measured as a duration offset from the start of tracing.
	start time.Duration
	// wall is the time from the first worker starting the stage to the
	// last worker finishing it. Stages are barriers, so this is the
	// stage's contribution to bootstrap latency.
	wall time.Duration
	min  time.Duration
	q1   time.Duration
	q2   time.Duration
	q3   time.Duration
	max  time.Duration
	// slowest names the worker that finished the stage last.
	slowest string
}

func buildSpans(events []trace.Event) []span {
	names := make(map[int]string)
	for _, event := range events {
		if event.Ph != "M" {
			continue
		}
		if name, ok := event.Args["name"].(string); ok {
			names[event.Pid] = name
		}
	}
	var spans []span
	for _, event := range events {
		if event.Ph != "X" {
			continue
		}
		worker := names[event.Pid]
		if worker == "" {
			worker = fmt.Sprintf("rank%d", event.Pid)
		}
		spans = append(spans, span{
			stage:    event.Name,
			rank:     event.Pid,
			worker:   truncatef(worker),
			start:    time.Duration(event.Ts * 1e3),
			duration: time.Duration(event.Dur * 1e3),
		})
	}
	return spans
}

// buildStageStats returns per-stage statistics, ordered by the start
// of each stage.
func buildStageStats(spans []span) []stageStat {
	type accum struct {
		minStart  time.Duration
		maxEnd    time.Duration
		slowest   string
		durations []time.Duration
	}
	accums := make(map[string]*accum)
	for _, s := range spans {
		a, ok := accums[s.stage]
		if !ok {
			a = &accum{minStart: 1<<63 - 1}
			accums[s.stage] = a
		}
		if s.start < a.minStart {
			a.minStart = s.start
		}
		if end := s.start + s.duration; a.maxEnd < end || a.slowest == "" {
			a.maxEnd = end
			a.slowest = s.worker
		}
		a.durations = append(a.durations, s.duration)
	}
	stats := make([]stageStat, 0, len(accums))
	for stage, a := range accums {
		sort.Slice(a.durations, func(i, j int) bool {
			return a.durations[i] < a.durations[j]
		})
		// Every accum holds at least one duration.
		q1, q2, q3 := quartiles(a.durations)
		stats = append(stats, stageStat{
			stage:   stage,
			workers: len(a.durations),
			start:   a.minStart,
			wall:    a.maxEnd - a.minStart,
			min:     a.durations[0],
			q1:      q1,
			q2:      q2,
			q3:      q3,
			max:     a.durations[len(a.durations)-1],
			slowest: a.slowest,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].start == stats[j].start {
			return stats[i].stage < stats[j].stage
		}
		return stats[i].start < stats[j].start
	})
	return stats
}

// quartiles returns the quartiles of the sorted, non-empty ds by
// Tukey's hinges: q2 is the median, and q1 and q3 are the medians of
// the lower and upper halves, each of which includes q2 when len(ds)
// is odd.
func quartiles(ds []time.Duration) (q1, q2, q3 time.Duration) {
	mid := len(ds) / 2
	q2 = median(ds)
	upper := ds[mid:]
	lower := ds[:mid]
	if len(ds)%2 == 1 {
		lower = ds[:mid+1]
	}
	if len(ds) == 1 {
		return q2, q2, q2
	}
	return median(lower), q2, median(upper)
}

func median(ds []time.Duration) time.Duration {
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		return ds[mid]
	}
	// Average without overflow.
	a, b := ds[mid-1], ds[mid]
	return a/2 + b/2 + (a%2+b%2)/2
}

func truncatef(v interface{}) string {
	b := limitbuf.NewLogger(40)
	fmt.Fprint(b, v)
	return b.String()
}
