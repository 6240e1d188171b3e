// Package recordertest provides acceptance suites that verify the recorder
// contracts. Every driver runs the suite for each recorder variant it
// supports, so the ordering, uniqueness and atomicity guarantees are checked
// uniformly across backing stores.
package recordertest
