// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/grailbio/base/errors"
)

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
)

type localWorker struct {
	svc *Service
}

// Local returns a Worker that runs procedures on svc in the calling
// process. Procedures are dispatched by name to svc's methods, which
// follow the bigmachine convention:
//
//	func (s *Service) Method(ctx context.Context, arg T, reply *R) error
func Local(svc *Service) Worker {
	return localWorker{svc}
}

func (w localWorker) Execute(ctx context.Context, proc string, arg, reply interface{}) *Future {
	return Go(func() error { return invoke(ctx, w.svc, proc, arg, reply) })
}

func (w localWorker) String() string {
	return fmt.Sprintf("local(%p)", w.svc)
}

// Invoke calls the method of svc named by proc.
func invoke(ctx context.Context, svc interface{}, proc string, arg, reply interface{}) (err error) {
	i := strings.IndexByte(proc, '.')
	if i < 0 || proc[:i] != ServiceName {
		return errors.E(errors.NotExist, fmt.Sprintf("procgroup: unknown service in %q", proc))
	}
	method := reflect.ValueOf(svc).MethodByName(proc[i+1:])
	if !method.IsValid() {
		return errors.E(errors.NotExist, fmt.Sprintf("procgroup: unknown procedure %q", proc))
	}
	typ := method.Type()
	if typ.NumIn() != 3 || typ.NumOut() != 1 ||
		typ.In(0) != typeOfContext || typ.In(2).Kind() != reflect.Ptr || typ.Out(0) != typeOfError {
		return errors.E(errors.Invalid, fmt.Sprintf("procgroup: %s is not a procedure", proc))
	}
	argv := reflect.ValueOf(arg)
	if !argv.IsValid() {
		argv = reflect.Zero(typ.In(1))
	}
	if !argv.Type().AssignableTo(typ.In(1)) {
		return errors.E(errors.Invalid, fmt.Sprintf("procgroup: %s: argument of type %s, want %s", proc, argv.Type(), typ.In(1)))
	}
	var replyv reflect.Value
	if reply == nil {
		replyv = reflect.New(typ.In(2).Elem())
	} else {
		replyv = reflect.ValueOf(reply)
		if replyv.Type() != typ.In(2) {
			return errors.E(errors.Invalid, fmt.Sprintf("procgroup: %s: reply of type %s, want %s", proc, replyv.Type(), typ.In(2)))
		}
	}
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("procgroup: panic in %s: %v\n%s", proc, e, debug.Stack()))
		}
	}()
	out := method.Call([]reflect.Value{reflect.ValueOf(ctx), argv, replyv})
	if e := out[0].Interface(); e != nil {
		return e.(error)
	}
	return nil
}
