package server

import "github.com/derktes/ir-remote-mapper/collector/collector"

// serverMessage is pushed to the web client over the websocket
type serverMessage struct {
	Type  string               `json:"type"`
	Data  *collector.IRReading `json:"data,omitempty"`
	Error string               `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type deployResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Deployed int    `json:"deployed"`
}

type statusResponse struct {
	Connected      bool   `json:"connected"`
	Port           string `json:"port"`
	Sessions       int    `json:"sessions"`
	CapturePending bool   `json:"capturePending"`
}
