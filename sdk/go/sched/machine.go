// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package sched

// ResourceType identifies a processor class a variant can consume.
type ResourceType int

const (
	ResourceCPU ResourceType = iota
	ResourceNvidiaGPU
	ResourceAMDGPU
	ResourceIntelGPU
	NumResourceTypes
)

var resourceTypeString = map[ResourceType]string{
	ResourceCPU:       "cpu",
	ResourceNvidiaGPU: "nvidia_gpu",
	ResourceAMDGPU:    "amd_gpu",
	ResourceIntelGPU:  "intel_gpu",
}

// String implements fmt.Stringer.
func (rt ResourceType) String() string {
	return resourceTypeString[rt]
}

// IsGPU reports whether the resource type is a coprocessor rather
// than the CPU.
func (rt ResourceType) IsGPU() bool {
	return rt != ResourceCPU
}

// A Coprocessor describes one GPU class a machine declares.
type Coprocessor struct {
	Type      ResourceType `json:"type"`
	Count     int          `json:"count"`
	PeakFlops float64      `json:"peak_flops"`
}

// An AnonymousVariant is a machine-supplied executable description,
// sent by machines that build their own executables instead of using
// server-distributed variants.
type AnonymousVariant struct {
	AppID      int64        `json:"app_id"`
	VersionNum int          `json:"version_num"`
	Resource   ResourceType `json:"resource"`

	// AvgFlops is the machine's own throughput estimate for this
	// executable. Zero if the machine did not supply one.
	AvgFlops float64 `json:"avg_flops"`

	CPUShare float64 `json:"cpu_share"`
	GPUShare float64 `json:"gpu_share"`
}

// A MachineCapability is a per-request snapshot of one requesting
// machine's declared platforms, resources and preferences. It is
// never persisted by this engine.
type MachineCapability struct {
	HostID int64 `json:"host_id"`

	// Platforms lists the machine's supported platform names,
	// most preferred first.
	Platforms []string `json:"platforms"`

	CPUCount int `json:"cpu_count"`

	// BenchmarkFlops is the machine's whetstone-style per-core
	// benchmark figure, in FLOPS.
	BenchmarkFlops float64 `json:"benchmark_flops"`

	Coprocs []Coprocessor `json:"coprocs"`

	// WantWork marks the resource types the machine is currently
	// requesting more work for.
	WantWork map[ResourceType]bool `json:"want_work"`

	// DontUse marks resource types the user has disallowed via
	// project preferences.
	DontUse map[ResourceType]bool `json:"dont_use"`

	ClientVersion int  `json:"client_version"`
	AllowBeta     bool `json:"allow_beta"`

	// AnonymousVariants, when non-empty, puts the machine in
	// anonymous-platform mode: only the listed machine-supplied
	// executables may be used.
	AnonymousVariants []AnonymousVariant `json:"anonymous_variants"`
}

// Anonymous reports whether the machine supplies its own executables.
func (mc *MachineCapability) Anonymous() bool {
	return len(mc.AnonymousVariants) > 0
}

// Coproc returns the machine's coprocessor descriptor for the given
// resource type, if any.
func (mc *MachineCapability) Coproc(rt ResourceType) (Coprocessor, bool) {
	for _, cp := range mc.Coprocs {
		if cp.Type == rt {
			return cp, true
		}
	}
	return Coprocessor{}, false
}

// Wants reports whether the machine is asking for work for the given
// resource type and has not disallowed it.
func (mc *MachineCapability) Wants(rt ResourceType) bool {
	return mc.WantWork[rt] && !mc.DontUse[rt]
}

// A ResourceUsage describes how a variant will use a machine's
// processors, as computed by a plan-class feasibility predicate.
type ResourceUsage struct {
	Resource ResourceType `json:"resource"`

	// CPUShare and GPUShare are average device counts used while
	// the job runs.
	CPUShare float64 `json:"cpu_share"`
	GPUShare float64 `json:"gpu_share"`

	// PeakFlops is the predicate's own throughput estimate for
	// this (machine, plan class) combination, or zero if it has
	// none.
	PeakFlops float64 `json:"peak_flops"`
}
