// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command pgprofile demos how to use GRAIL profiles to configure a
// procgroup fleet.
package main

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/procgroup"
	"github.com/grailbio/procgroup/pgconfig"
)

func main() {
	log.AddFlags()
	fleet := pgconfig.Parse()
	ctx := context.Background()
	b, workers, err := fleet.Start(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer b.Shutdown()
	ranks, err := procgroup.Init(ctx, workers, fleet.Options...)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("local ranks:", ranks)
	if err := procgroup.Shutdown(ctx, workers); err != nil {
		log.Fatal(err)
	}
	fmt.Println("ok")
}
