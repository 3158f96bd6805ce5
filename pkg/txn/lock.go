// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package txn

import (
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrLocked is returned by AcquireLock when another process already holds
// the root's transaction lock.
var ErrLocked = errors.New("another transaction holds the lock")

// Lock guards exclusive access to a root directory's package database and
// journal, backed by an flock(2) advisory lock on var/lock/opkg.lock so a
// concurrently-invoked second instance fails fast instead of corrupting
// state.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the exclusive lock at path without blocking, returning
// ErrLocked if it is already held.
func AcquireLock(path string) (*Lock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "acquiring lock")
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	return errors.Wrap(l.fl.Unlock(), "releasing lock")
}
