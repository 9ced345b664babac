package logging

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewRotatingWriter returns a size-based rotating writer for the daemon log
// file. maxSizeMB and maxBackups of 0 fall back to lumberjack's own
// defaults (100MB, keep all).
func NewRotatingWriter(filePath string, maxSizeMB, maxBackups int) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
}

// TeeWriter returns a writer that writes to both w1 and w2, used to log to
// stdout and a rotating file simultaneously.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}
