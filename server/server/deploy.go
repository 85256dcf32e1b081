package server

import (
	"context"
	"log"

	"github.com/derktes/ir-remote-mapper/collector/collector"
)

type deployCoordinator struct {
	link frameSender
}

// deploy sends the remotes of allRemotes named in remoteNames to the device
// as a single DEPLOY frame, keeping the order of allRemotes. Selecting
// nothing is valid and sends an empty list. It returns how many remotes
// were sent; a nil error only means the frame reached the port.
func (d *deployCoordinator) deploy(ctx context.Context, remoteNames []string, allRemotes []collector.RemoteDefinition) (int, error) {
	selected := make(map[string]struct{}, len(remoteNames))
	for _, name := range remoteNames {
		selected[name] = struct{}{}
	}
	remotes := make([]collector.RemoteDefinition, 0, len(selected))
	for _, r := range allRemotes {
		if _, ok := selected[r.Name]; ok {
			remotes = append(remotes, r)
		}
	}
	frame, err := collector.DeployFrame(remotes)
	if err != nil {
		return 0, err
	}
	if err := d.link.Send(ctx, frame); err != nil {
		return 0, err
	}
	log.Printf("Deployed %d of %d requested remote(s) in a %d byte frame", len(remotes), len(selected), len(frame))
	return len(remotes), nil
}
