// Package dedupe provides frame deduplication using a time-based cache
// to suppress at-least-once resends within a configurable window.
package dedupe
