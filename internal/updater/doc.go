// Package updater drives a firmware upload from the host.
//
// An upload enters update mode, then sends every row of the signed image
// as an Erase, WriteData and Compare triple, and finally asks the device
// to verify the candidate slot with Complete:
//
//	client, _ := transport.Dial(ctx, device.URL(), logger)
//	u := updater.New(client, updater.Options{Retries: 3, OnProgress: show})
//	res, err := u.Upload(ctx, img)
//
// Rejections come back as *dfuerr.Error values whose kind matches the
// device's wire status, so callers can use dfuerr.IsVerify and friends.
package updater
