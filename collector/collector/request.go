package collector

// IRReading is a decoded infrared signal as reported by the device
type IRReading struct {
	Protocol string `json:"protocol"`
	Address  uint64 `json:"address"`
	Command  uint64 `json:"command"`
	Bits     uint   `json:"bits"`
}

// ButtonMapping binds a captured reading to a named button of a remote.
// Timestamp is kept as the client sent it so stored records deploy unchanged.
type ButtonMapping struct {
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Address   uint64 `json:"address"`
	Command   uint64 `json:"command"`
	Bits      uint   `json:"bits"`
	Timestamp string `json:"timestamp"`
}

// RemoteDefinition is a named remote control and its buttons
type RemoteDefinition struct {
	Name    string          `json:"name"`
	Buttons []ButtonMapping `json:"buttons"`
}

// deployRequest is the payload of a DEPLOY frame
type deployRequest struct {
	Deploy []RemoteDefinition `json:"deploy"`
}
