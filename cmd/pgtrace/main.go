// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command pgtrace summarizes the trace file written by a procgroup
// bootstrap (see procgroup.TracePath). For each stage it reports how
// long the stage held up the bootstrap, the spread of per-worker
// durations, and the worker that finished last.
//
//	pgtrace /tmp/procgroup.trace
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/procgroup/internal/trace"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: pgtrace [-workers] tracefile\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	workers := flag.Bool("workers", false, "also print every worker's span in each stage")
	log.AddFlags()
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	var t trace.T
	if err := t.Decode(f); err != nil {
		log.Fatalf("decoding %s: %v", flag.Arg(0), err)
	}
	f.Close()

	spans := buildSpans(t.Events)
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "stage\tworkers\tstart\twall\tmin\tq1\tq2\tq3\tmax\tslowest\t")
	for _, s := range buildStageStats(spans) {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			s.stage, s.workers, round(s.start), round(s.wall),
			round(s.min), round(s.q1), round(s.q2), round(s.q3), round(s.max), s.slowest)
	}
	tw.Flush()
	if !*workers {
		return
	}
	fmt.Println()
	tw = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "stage\trank\tworker\tstart\tduration\t")
	for _, s := range spans {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t\n", s.stage, s.rank, s.worker, round(s.start), round(s.duration))
	}
	tw.Flush()
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
