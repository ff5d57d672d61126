// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package distnet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHasParent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slsknet",
		Subsystem: "distnet",
		Name:      "has_parent",
		Help:      "Whether a distributed parent connection is currently held (0 or 1)",
	})
	metricChildren = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slsknet",
		Subsystem: "distnet",
		Name:      "children_active",
		Help:      "Number of connected distributed children",
	})
	metricSearchesSeen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slsknet",
		Subsystem: "distnet",
		Name:      "searches_seen_total",
		Help:      "Distributed search requests passing through this node",
	})
)
