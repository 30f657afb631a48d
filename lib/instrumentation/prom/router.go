package prom

import (
	"gfx.cafe/open/gotoprom"
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	gotoprom.MustInit(&Server, "pgrouter_server", prometheus.Labels{})
	gotoprom.MustInit(&Route, "pgrouter_route", prometheus.Labels{})
}

// RuleLabels tags a metric with the name of the rule whose route produced
// it.
type RuleLabels struct {
	Rule string `label:"rule"`
}

var Server struct {
	Attached func(RuleLabels) prometheus.Counter `name:"attached" help:"servers attached to a client"`
	Detached func(RuleLabels) prometheus.Counter `name:"detached" help:"servers returned to idle"`
	Closed   func(RuleLabels) prometheus.Counter `name:"closed" help:"servers closed"`
	Expired  func(RuleLabels) prometheus.Counter `name:"expired" help:"servers expired by ttl or obsoletion"`
}

var Route struct {
	Clients func(RuleLabels) prometheus.Gauge `name:"clients" help:"clients currently held by a route"`
	Servers func(RuleLabels) prometheus.Gauge `name:"servers" help:"servers currently pooled by a route"`
}
