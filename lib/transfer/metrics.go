// Copyright (C) 2024 The Slsknet Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "slsknet",
	Subsystem: "transfer",
	Name:      "bytes_total",
	Help:      "Bytes moved by transfers, per direction",
}, []string{"direction"})
