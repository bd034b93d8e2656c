// Package artifacts owns the download directory. All filesystem access
// for artefacts funnels through its guard: a path must resolve inside
// the directory before it is served, statted or removed, so a
// malicious output path on a task row can never reach files outside.
//
// The package also derives the public filename for completed artefacts
// (title filtered to a safe character set, capped, extension appended),
// cleans partial-download leftovers, finds orphaned files for the boot
// recovery scan, and reports disk usage for health checks.
package artifacts
