// Package pkg provides shared utilities for the umass host stack.
//
// This package contains functionality used by the HAL, the transfer
// manager and the mass-storage engine:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB transport errors
//   - [TransferStatus] and the error classification used by completions
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentBBB, "reset recovery", "tag", 7)
//
// # Errors
//
// Transport errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // clear the halt and continue
//	}
//
// [StatusOf] folds an error returned by a HAL call into a [TransferStatus].
package pkg
