// Package instrumentation provides OpenTelemetry metrics and tracing for the
// broker. Instrumentation is optional everywhere: components accept a nil
// *Instrumentation and skip recording, and a disabled instance wires no-op
// providers so the overhead is zero.
package instrumentation
