// Package clock provides the time source used to stamp stored versions.
// Backends take a Clock so tests can pin and advance time deterministically
// when exercising point-in-time reads and version windows.
package clock
