// Package autopilot turns page performance signals into draft experiments:
// the Analyzer ranks optimization opportunities, the Generator proposes a
// testable hypothesis for one, and the Builder shapes that hypothesis into
// a draft experiment ready for validation.
package autopilot
