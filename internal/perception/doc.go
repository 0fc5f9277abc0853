// Package perception holds the frame-level data model shared by every
// stage of the pipeline (boxes, masks, tracks, OCR items, events) and the
// capability interfaces that inference providers implement.
//
// Nothing in this package performs I/O. Providers live in
// internal/providers, orchestration in internal/pipeline.
package perception
