// Copyright The OPAL Project Developers. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fixpoint

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// taskPool runs tasks on a fixed number of workers. Tasks may submit further
// tasks; await blocks until no task is queued or running. A panic escaping a
// task is captured as the pool's failure: remaining tasks are dropped, await
// and close report the failure, and no partial progress is mistaken for
// quiescence.
type taskPool struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       []func()
	outstanding int
	closed      bool
	failure     error

	g *errgroup.Group
}

func newTaskPool(workers int) *taskPool {
	p := &taskPool{g: &errgroup.Group{}}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.g.Go(p.worker)
	}
	return p
}

// submit enqueues a task. Tasks submitted after close or after a failure are
// dropped.
func (p *taskPool) submit(t func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.failure != nil {
		return
	}
	p.queue = append(p.queue, t)
	p.outstanding++
	p.cond.Signal()
}

// await blocks until the pool is quiescent or failed and returns the failure,
// if any.
func (p *taskPool) await() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.outstanding > 0 && p.failure == nil {
		p.cond.Wait()
	}
	return p.failure
}

// close stops the workers once the queue is empty and joins them.
func (p *taskPool) close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return p.g.Wait()
}

func (p *taskPool) worker() error {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed && p.failure == nil {
			p.cond.Wait()
		}
		if p.failure != nil || (p.closed && len(p.queue) == 0) {
			err := p.failure
			p.mu.Unlock()
			return err
		}
		t := p.queue[len(p.queue)-1]
		p.queue = p.queue[:len(p.queue)-1]
		p.mu.Unlock()
		p.runOne(t)
	}
}

func (p *taskPool) runOne(t func()) {
	defer func() {
		r := recover()
		p.mu.Lock()
		if r != nil && p.failure == nil {
			if e, ok := r.(error); ok {
				p.failure = fmt.Errorf("task panicked: %w", e)
			} else {
				p.failure = fmt.Errorf("task panicked: %v", r)
			}
		}
		p.outstanding--
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	t()
}
