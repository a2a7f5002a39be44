package main

import (
	"log/slog"
	"syscall"
)

// freeBytes and diskTotalBytes back the node_status/node_registered
// TotalSpace field and the cloner's free-space eligibility check. Nothing in
// the retrieval pack offers a disk-usage library, and this is a thin,
// Linux-specific syscall wrapper, so it stays on the standard library rather
// than pulling in a dependency for one statfs(2) call.
func freeBytes(path string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		slog.Warn("statfs failed, reporting zero free bytes", "path", path, "error", err)
		return 0
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}

func diskTotalBytes(path string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		slog.Warn("statfs failed, reporting zero total bytes", "path", path, "error", err)
		return 0
	}
	return int64(stat.Blocks) * int64(stat.Bsize)
}
