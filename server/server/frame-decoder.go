package server

import (
	"strings"

	"github.com/derktes/ir-remote-mapper/collector/collector"
)

type frameKind int

const (
	frameReading frameKind = iota
	frameDeploy
	frameCapture
	frameUnknown
)

func (k frameKind) String() string {
	switch k {
	case frameReading:
		return "IR"
	case frameDeploy:
		return "DEPLOY"
	case frameCapture:
		return "CAPTURE"
	default:
		return "Unknown"
	}
}

// classifyLine tells the frames the device may send apart from its
// free-form diagnostics
func classifyLine(line string) frameKind {
	switch {
	case collector.IsReading(line):
		return frameReading
	case strings.HasPrefix(line, "DEPLOY:"):
		return frameDeploy
	case line == collector.CaptureFrame:
		return frameCapture
	default:
		return frameUnknown
	}
}

// decodeLine returns the reading carried by line. ok is false for lines that
// are not IR: frames; err is set when an IR: frame is malformed.
func decodeLine(line string) (reading collector.IRReading, ok bool, err error) {
	if classifyLine(line) != frameReading {
		return reading, false, nil
	}
	reading, err = collector.ParseReading(line)
	return reading, true, err
}
