package server

import "github.com/derktes/ir-remote-mapper/collector/collector"

// buttonRequest is the body of POST /api/buttons
type buttonRequest struct {
	RemoteName string                  `json:"remoteName"`
	ButtonData collector.ButtonMapping `json:"buttonData"`
}

// deployRequest is the body of POST /api/deploy
type deployRequest struct {
	RemoteNames []string `json:"remoteNames"`
}

// Message types exchanged with the web client over the websocket
const (
	msgCaptureRequest = "captureRequest"
	msgIRData         = "irData"
	msgCaptureError   = "captureError"
)

// clientMessage is a control message received from the web client
type clientMessage struct {
	Type string `json:"type"`
}
