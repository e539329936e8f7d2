// Copyright (c) 2020 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

package reactor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetricsRegistersCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Ticks.Inc()
	m.Accepted.Inc()
	m.Accepted.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := make(map[string]float64)
	for _, f := range families {
		var metric *dto.Metric
		if len(f.Metric) > 0 {
			metric = f.Metric[0]
		}
		values[f.GetName()] = metric.GetCounter().GetValue()
	}
	if values["reactor_ticks_total"] != 1 {
		t.Errorf("got %v, want 1", values["reactor_ticks_total"])
	}
	if values["reactor_connections_accepted_total"] != 2 {
		t.Errorf("got %v, want 2", values["reactor_connections_accepted_total"])
	}
}

func TestNewMetricsWithNilRegistererDoesNotPanic(t *testing.T) {
	m := NewMetrics(nil)
	m.WaitErrors.Inc()
}
