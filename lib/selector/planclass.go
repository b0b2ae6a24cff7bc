// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package selector

import (
	"sync"

	"github.com/BOINC/boinc-sub015/sdk/go/sched"
)

// Feasibility decides whether a machine can run a given plan class
// for a given job, and if so how the job will use the machine's
// processors. Implementations are supplied per-application by the
// customization collaborator.
type Feasibility interface {
	Check(mach *sched.MachineCapability, planClass string, job *sched.Job) (bool, sched.ResourceUsage)
}

// FeasibilityFunc adapts a function to the Feasibility interface.
type FeasibilityFunc func(mach *sched.MachineCapability, planClass string, job *sched.Job) (bool, sched.ResourceUsage)

// Check implements Feasibility.
func (f FeasibilityFunc) Check(mach *sched.MachineCapability, planClass string, job *sched.Job) (bool, sched.ResourceUsage) {
	return f(mach, planClass, job)
}

// A PlanRegistry maps plan-class names to their feasibility
// predicates. The empty plan class is always feasible and means
// plain sequential CPU execution; unregistered non-empty plan
// classes are never feasible.
type PlanRegistry struct {
	mtx    sync.RWMutex
	checks map[string]Feasibility
}

// NewPlanRegistry returns an empty registry.
func NewPlanRegistry() *PlanRegistry {
	return &PlanRegistry{checks: map[string]Feasibility{}}
}

// Register installs the predicate for a plan-class name, replacing
// any previous registration.
func (r *PlanRegistry) Register(planClass string, f Feasibility) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.checks[planClass] = f
}

// Check evaluates the plan class for the given machine and job.
func (r *PlanRegistry) Check(mach *sched.MachineCapability, planClass string, job *sched.Job) (bool, sched.ResourceUsage) {
	if planClass == "" {
		return true, sched.ResourceUsage{Resource: sched.ResourceCPU, CPUShare: 1}
	}
	r.mtx.RLock()
	f, ok := r.checks[planClass]
	r.mtx.RUnlock()
	if !ok {
		return false, sched.ResourceUsage{}
	}
	return f.Check(mach, planClass, job)
}
