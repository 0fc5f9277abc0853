// Package evaluation scores perception output against COCO ground truth.
//
// Detection is scored with greedy IoU matching at a 0.5 threshold. The
// segmentation, tracking and OCR metrics are fixed placeholders until a
// prediction stream exists for them.
package evaluation
