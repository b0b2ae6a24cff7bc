// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package sched

// Outcome classifies how a replica finished.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCrash
	OutcomeAbnormalExit
	OutcomeResourceLimit
	OutcomeTimeout
	OutcomeCancelled
)

var outcomeString = map[Outcome]string{
	OutcomeSuccess:       "success",
	OutcomeCrash:         "crash",
	OutcomeAbnormalExit:  "abnormal_exit",
	OutcomeResourceLimit: "resource_limit",
	OutcomeTimeout:       "timeout",
	OutcomeCancelled:     "cancelled",
}

// String implements fmt.Stringer.
func (o Outcome) String() string {
	return outcomeString[o]
}

// CountsAgainstQuota reports whether this outcome should lower the
// (machine, variant) pair's daily quota. Project-initiated
// cancellation is not the machine's fault.
func (o Outcome) CountsAgainstQuota() bool {
	switch o {
	case OutcomeCrash, OutcomeAbnormalExit, OutcomeResourceLimit, OutcomeTimeout:
		return true
	default:
		return false
	}
}

// A CompletedReport is one machine's sanitized account of a finished
// replica. The result-intake collaborator clamps impossible values
// and substitutes CPU time for elapsed time on pre-modern clients
// before the report reaches this engine.
type CompletedReport struct {
	JobID     int64 `json:"job_id"`
	ReplicaID int64 `json:"replica_id"`
	HostID    int64 `json:"host_id"`

	// VariantID is the executable variant the machine reports
	// having used. Zero is the "unknown variant" sentinel;
	// negative values are generalized anonymous-platform ids.
	VariantID int64 `json:"variant_id"`

	// ElapsedTime is wall-clock seconds spent computing. Zero
	// means the (older) client did not report it.
	ElapsedTime float64 `json:"elapsed_time"`
	CPUTime     float64 `json:"cpu_time"`

	// Turnaround is seconds between assignment and report.
	Turnaround float64 `json:"turnaround"`

	// FlopsEstimate is the throughput estimate (FLOPS) the
	// dispatcher gave the machine when the job was assigned.
	FlopsEstimate float64 `json:"flops_estimate"`

	Outcome Outcome `json:"outcome"`

	// Valid is the external consensus collaborator's judgment of
	// whether this replica's output matched the majority.
	Valid bool `json:"valid"`

	// Stderr is the machine's diagnostic text, scanned for known
	// fallback signatures.
	Stderr string `json:"stderr"`
}
