package main

import "io"

// uiSurface abstracts the terminal renderers so main can drive the tview
// dashboard and the plain ANSI console through one handle. Implementations
// must be safe for concurrent calls from the capture and analysis loops.
type uiSurface interface {
	WaitReady()
	Stop()
	SetStats(lines []string)
	AppendFrame(line string)
	SetReport(lines []string)
	AppendSystem(line string)
	SystemWriter() io.Writer
}
