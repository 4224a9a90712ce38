// Package metrics defines the measurement points of the host. Core
// packages depend on the Recorder interface only; the Prometheus
// implementation lives in the prometheus subpackage.
package metrics

import "time"

// Recorder records host activity measurements.
type Recorder interface {
	ObserveCycleDuration(d time.Duration)
	IncCycleSkipped()
	IncUnitInvocation(unit string, success bool)
	IncUnitReload(unit string, success bool)
	IncFlush(success bool)
	IncPush(success bool)
	AddPushedReadingsReceived(n int)
}

// Noop recorder discards all measurements.
var Noop Recorder = noop(0)

type noop int

func (noop) ObserveCycleDuration(d time.Duration)        {}
func (noop) IncCycleSkipped()                            {}
func (noop) IncUnitInvocation(unit string, success bool) {}
func (noop) IncUnitReload(unit string, success bool)     {}
func (noop) IncFlush(success bool)                       {}
func (noop) IncPush(success bool)                        {}
func (noop) AddPushedReadingsReceived(n int)             {}
