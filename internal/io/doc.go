// Package ioutils provides file system utilities and the disk delivery
// target for finished downloads.
//
// This package contains:
//   - DiskSaver, which writes a delivered blob into an output directory
//   - File writing
//   - Filename sanitization for cross-platform compatibility
//   - Directory creation
//
// # Delivery
//
//	saver := ioutils.NewDiskSaver("/downloads")
//	err := saver.Deliver(ctx, blob, "agroup.zip")
//
// # Filename Sanitization
//
// Use SanitizeFileName to remove invalid characters from filenames:
//
//	safe := ioutils.SanitizeFileName("Report: Q1/Q2") // Returns "Report_ Q1_Q2"
package ioutils
