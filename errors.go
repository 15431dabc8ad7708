// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package procgroup

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// A JoinError reports that a worker failed to join the group. When
// several workers fail, Init reports the one with the lowest rank.
type JoinError struct {
	Rank int
	Err  error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("procgroup: rank %d: join: %v", e.Rank, e.Err)
}

// Unwrap returns the worker's error.
func (e *JoinError) Unwrap() error { return e.Err }

// A MasterError reports that the master worker could not provide a
// rendezvous endpoint. No worker was asked to join.
type MasterError struct {
	Err error
}

func (e *MasterError) Error() string {
	return fmt.Sprintf("procgroup: resolve master endpoint on worker 0: %v", e.Err)
}

// Unwrap returns the master's error.
func (e *MasterError) Unwrap() error { return e.Err }

// IsUnsupported tells whether err reports a configuration the group
// cannot be formed with, such as an unknown init method.
func IsUnsupported(err error) bool {
	return isKind(errors.NotSupported, err)
}

// IsUnreachableMaster tells whether err reports that the master
// worker could not provide a rendezvous endpoint.
func IsUnreachableMaster(err error) bool {
	_, ok := err.(*MasterError)
	return ok
}

// IsUnbound tells whether err reports a shutdown of a worker that is
// not in a group.
func IsUnbound(err error) bool {
	return isKind(errors.Precondition, err)
}

// IsJoinFailure tells whether err reports that a worker failed to
// join the group.
func IsJoinFailure(err error) bool {
	_, ok := err.(*JoinError)
	return ok
}

// IsKind walks err's chain of *errors.Error values, as well as
// JoinErrors and MasterErrors, looking for kind. Errors returned from remote machines
// may arrive wrapped in further errors.E calls.
func isKind(kind errors.Kind, err error) bool {
	for err != nil {
		switch e := err.(type) {
		case *errors.Error:
			if e.Kind == kind {
				return true
			}
			err = e.Err
		case *JoinError:
			err = e.Err
		case *MasterError:
			err = e.Err
		default:
			return false
		}
	}
	return false
}
