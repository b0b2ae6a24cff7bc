// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package workslot implements the fixed-capacity in-memory queue of
// jobs that are available to hand out. Concurrent request handlers
// claim entries so the same job is never offered twice at once.
package workslot

import (
	"sync"

	"github.com/BOINC/boinc-sub015/sdk/go/sched"
	"github.com/google/uuid"
)

type slotState int

const (
	statePresent slotState = iota
	stateClaimed
)

type slot struct {
	job       sched.Job
	state     slotState
	claimedBy uuid.UUID
}

// A Queue is a bounded set of available-job markers with
// claim/release semantics. TryClaim is non-blocking by contract;
// scheduling cadence is the caller's responsibility.
type Queue struct {
	mtx      sync.Mutex
	capacity int
	slots    []slot
}

// NewQueue returns an empty queue with the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// NewToken returns an opaque handler token for use with TryClaim and
// Release. One token identifies one request handler session.
func NewToken() uuid.UUID {
	return uuid.New()
}

// TryClaim hands out an unclaimed job, marking it claimed by the
// given token. It returns ok=false immediately if nothing is
// available.
func (q *Queue) TryClaim(token uuid.UUID) (sched.Job, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for i := range q.slots {
		if q.slots[i].state == statePresent {
			q.slots[i].state = stateClaimed
			q.slots[i].claimedBy = token
			return q.slots[i].job, true
		}
	}
	return sched.Job{}, false
}

// Release returns a claimed job to the queue, e.g., because the
// handler found it unusable for its machine. Only the claiming token
// can release a slot; the return value reports whether anything was
// released.
func (q *Queue) Release(jobID int64, token uuid.UUID) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for i := range q.slots {
		if q.slots[i].state == stateClaimed && q.slots[i].job.ID == jobID && q.slots[i].claimedBy == token {
			q.slots[i].state = statePresent
			q.slots[i].claimedBy = uuid.UUID{}
			return true
		}
	}
	return false
}

// Rebuild replaces the queue contents with the given jobs, up to
// capacity. Entries currently claimed by a handler survive the
// rebuild (their jobs are in flight); everything else is dropped.
// Jobs already present or claimed are not duplicated.
func (q *Queue) Rebuild(jobs []sched.Job) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	kept := make([]slot, 0, q.capacity)
	inQueue := make(map[int64]bool, q.capacity)
	for _, s := range q.slots {
		if s.state == stateClaimed {
			kept = append(kept, s)
			inQueue[s.job.ID] = true
		}
	}
	for _, job := range jobs {
		if len(kept) >= q.capacity {
			break
		}
		if inQueue[job.ID] {
			continue
		}
		kept = append(kept, slot{job: job, state: statePresent})
		inQueue[job.ID] = true
	}
	q.slots = kept
}

// Len returns the number of unclaimed entries.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	n := 0
	for _, s := range q.slots {
		if s.state == statePresent {
			n++
		}
	}
	return n
}
