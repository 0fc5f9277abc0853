// Package tracking assigns persistent identities to per-frame detections.
//
// A Tracker is long-lived for the duration of a run: detections in frame N
// are associated with live tracks from frame N-1 by class, IoU and centroid
// distance, either greedily or with an optimal (Hungarian) assignment.
// Tracks move through tentative -> confirmed -> deleted and are aged out
// after too many consecutive misses.
package tracking
