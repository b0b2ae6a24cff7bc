// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package sched provides the domain types shared by the matching,
// performance-tracking, and credit-normalization components: jobs,
// executable variants, machine capability descriptors, completed-job
// reports, and the engine configuration.
package sched
