// Package device assembles a simulated board from a device profile.
//
// The simulator runs the same code a board would: the update engine polls
// the WebSocket endpoint, writes rows through the NVM guard into an
// in-memory flash, and waits for the identity word served over the
// mailbox by the peer core. Launching a verified candidate swaps the two
// application slots and reboots the loop, so a second update can follow
// the first without restarting the process.
//
//	p, _ := config.LoadProfile(path)
//	d, err := device.New(p, logger)
//	err = d.Run(ctx)
package device
