// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command pgboot starts a fleet of workers, bootstraps them into a
// collective process group, reports the resulting rank layout, and
// tears the group down again. It is useful for checking that a
// system and backend can form a group before running a real job on
// them.
//
//	pgboot -system=ec2:instance=p3.8xlarge -workers=4 -backend=nccl -probe=ec2
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/procgroup"
	"github.com/grailbio/procgroup/pgflags"
	"github.com/grailbio/procgroup/stats"
)

func main() {
	var fl pgflags.Flags
	pgflags.RegisterFlags(flag.CommandLine, &fl, "")
	hold := flag.Duration("hold", 0, "time to keep the group up before shutting it down")
	log.AddFlags()
	flag.Parse()
	if fl.SystemHelp {
		providers, profiles := pgflags.ProvidersAndProfiles()
		sort.Strings(providers)
		wr := fl.Output()
		fmt.Fprintf(wr, "%s\n\n", pgflags.SystemHelpLong)
		fmt.Fprintf(wr, "The available providers are: %v\n", strings.Join(providers, ", "))
		for k, v := range profiles {
			fmt.Fprintf(wr, "%v is shorthand for: %v\n", k, v)
		}
		os.Exit(0)
	}

	var st status.Status
	if fl.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, &st)
	}
	if fl.HTTPAddress.Specified {
		http.Handle("/debug/status", status.Handler(&st))
		go func() {
			log.Printf("HTTP Status at: %v", fl.HTTPAddress)
			if err := http.ListenAndServe(fl.HTTPAddress.Address, nil); err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v", fl.HTTPAddress, err)
			}
		}()
	}

	fleet, err := fl.Fleet(&st)
	must.Nil(err)
	ctx := context.Background()
	b, workers, err := fleet.Start(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Shutdown()

	start := time.Now()
	localRanks, err := procgroup.Init(ctx, workers, fleet.Options...)
	if err != nil {
		if procgroup.IsJoinFailure(err) && !fl.Rollback {
			release(ctx, workers)
		}
		log.Fatal(err)
	}
	log.Printf("group of %d formed in %s", len(workers), time.Since(start))

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "rank\tlocal\tworker\taccelerators")
	for rank, w := range workers {
		var gctx procgroup.GroupContext
		if err := w.Execute(ctx, procgroup.ProcContext, nil, &gctx).Wait(ctx); err != nil {
			log.Fatal(err)
		}
		fmt.Fprintf(tw, "%d\t%d/%d\t%s\t%s\n", rank, localRanks[rank], gctx.LocalWorldSize, w, procgroup.FormatIDs(gctx.AcceleratorIDs))
	}
	tw.Flush()

	if *hold > 0 {
		log.Printf("holding group for %s", *hold)
		time.Sleep(*hold)
	}
	if err := procgroup.Shutdown(ctx, workers, fleet.Options...); err != nil {
		log.Fatal(err)
	}
	total := make(stats.Values)
	for _, w := range workers {
		var values stats.Values
		if err := w.Execute(ctx, procgroup.ProcStats, nil, &values).Wait(ctx); err != nil {
			log.Error.Printf("%s: stats: %v", w, err)
			continue
		}
		total.Add(values)
	}
	log.Printf("worker stats: %s", total)
}

// Release destroys the group on the workers that joined before
// another worker's join failed. The failed workers are not in a group
// and report so.
func release(ctx context.Context, workers []procgroup.Worker) error {
	err := procgroup.Shutdown(ctx, workers)
	if err != nil {
		log.Error.Printf("releasing joined workers: %v", err)
	}
	return err
}
