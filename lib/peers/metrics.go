// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package peers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slsknet",
		Subsystem: "peers",
		Name:      "connections_active",
		Help:      "Number of peer message connections currently held",
	})
	metricConnectionRaces = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slsknet",
		Subsystem: "peers",
		Name:      "connection_races_total",
		Help:      "Connection attempts won, per winning path",
	}, []string{"path"})
)
