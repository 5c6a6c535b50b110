// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package index

import (
	"sync"

	"github.com/udsvolume/uds/udserr"
)

// LoadState is the externally driven state of an in-progress load.
type LoadState int

const (
	// LoadOpening is the normal running state.
	LoadOpening LoadState = iota
	// LoadSuspending asks the rebuild to yield at its next checkpoint.
	LoadSuspending
	// LoadSuspended is published by the rebuild once it has yielded.
	LoadSuspended
	// LoadFreeing aborts a suspended rebuild; it returns udserr.Busy.
	LoadFreeing
)

// LoadContext lets a caller suspend, resume, or abort the rebuild a
// load may run. The rebuild polls it between chapters.
type LoadContext struct {
	mu    sync.Mutex
	cond  sync.Cond
	state LoadState
	done  bool
}

// NewLoadContext returns a LoadContext in the LoadOpening state.
func NewLoadContext() *LoadContext {
	lc := &LoadContext{}
	lc.cond.L = &lc.mu
	return lc
}

// Suspend asks the rebuild to yield and returns once it has (or once
// the load finished on its own).
func (lc *LoadContext) Suspend() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.done {
		return
	}
	lc.state = LoadSuspending
	lc.cond.Broadcast()
	for lc.state != LoadSuspended && !lc.done {
		lc.cond.Wait()
	}
}

// Resume lets a suspended rebuild continue.
func (lc *LoadContext) Resume() {
	lc.mu.Lock()
	lc.state = LoadOpening
	lc.cond.Broadcast()
	lc.mu.Unlock()
}

// Abort tells a suspended rebuild to give up; the load then fails
// with udserr.Busy.
func (lc *LoadContext) Abort() {
	lc.mu.Lock()
	lc.state = LoadFreeing
	lc.cond.Broadcast()
	lc.mu.Unlock()
}

// checkpoint is the rebuild's polling point. A nil receiver is a
// no-op, so loads without a context pay nothing.
func (lc *LoadContext) checkpoint() error {
	if lc == nil {
		return nil
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.state == LoadSuspending {
		lc.state = LoadSuspended
		lc.cond.Broadcast()
		for lc.state == LoadSuspended {
			lc.cond.Wait()
		}
	}
	if lc.state == LoadFreeing {
		return udserr.Busy
	}
	return nil
}

// finish marks the load complete, releasing any Suspend caller.
func (lc *LoadContext) finish() {
	if lc == nil {
		return
	}
	lc.mu.Lock()
	lc.done = true
	lc.cond.Broadcast()
	lc.mu.Unlock()
}
