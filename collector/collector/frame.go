package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame prefixes of the line protocol spoken with the device
const (
	CaptureFrame  = "CAPTURE"
	readingPrefix = "IR:"
	deployPrefix  = "DEPLOY:"
)

// ErrMalformedReading is returned when an IR: line carries a payload that
// cannot be decoded into an IRReading.
var ErrMalformedReading = errors.New("malformed IR reading")

// IsReading reports whether line is an IR: frame
func IsReading(line string) bool {
	return strings.HasPrefix(line, readingPrefix)
}

// ParseReading decodes an IR:<json> line. Trailing carriage returns left by
// the device firmware are ignored.
func ParseReading(line string) (IRReading, error) {
	var reading IRReading
	line = strings.TrimRight(line, "\r")
	if !IsReading(line) {
		return reading, fmt.Errorf("%w: missing %q prefix", ErrMalformedReading, readingPrefix)
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, readingPrefix))
	if payload == "" {
		return reading, fmt.Errorf("%w: empty payload", ErrMalformedReading)
	}
	if err := json.Unmarshal([]byte(payload), &reading); err != nil {
		return IRReading{}, fmt.Errorf("%w: %v", ErrMalformedReading, err)
	}
	return reading, nil
}

// ReadingFrame builds the IR: line a device sends for reading. Used by
// device simulators and tests.
func ReadingFrame(reading IRReading) (string, error) {
	b, err := json.Marshal(reading)
	if err != nil {
		return "", err
	}
	return readingPrefix + string(b), nil
}

// DeployFrame builds the DEPLOY: line for remotes. A nil or empty slice
// encodes as an empty deploy list.
func DeployFrame(remotes []RemoteDefinition) (string, error) {
	if remotes == nil {
		remotes = []RemoteDefinition{}
	}
	b, err := json.Marshal(deployRequest{Deploy: remotes})
	if err != nil {
		return "", err
	}
	return deployPrefix + string(b), nil
}

// ParseDeployFrame decodes a DEPLOY: line back into its remotes
func ParseDeployFrame(line string) ([]RemoteDefinition, error) {
	if !strings.HasPrefix(line, deployPrefix) {
		return nil, fmt.Errorf("missing %q prefix", deployPrefix)
	}
	var req deployRequest
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, deployPrefix)), &req); err != nil {
		return nil, err
	}
	return req.Deploy, nil
}
