// Package engine walks a workflow's effective step list as a state machine.
// It plans the step sequence from a definition, runs triggers and step
// bodies, and appends an event for every transition. The event log is the
// only state shared between concurrent runs.
package engine
