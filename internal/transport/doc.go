// Package transport carries update commands between a host and a device.
//
// Frames are binary WebSocket messages holding one CBOR-encoded
// dfu.Command (host to device) or dfu.Response (device to host). Maps use
// small integer keys and deterministic core encoding so that the same
// command always produces the same bytes.
//
// # Device side
//
// Server accepts a single host session at a time on DefaultPath and
// implements dfu.Transport, so the update engine can poll it directly:
//
//	srv := transport.NewServer(transport.ServerConfig{Addr: ":8765"}, logger)
//	go srv.ListenAndServe(ctx)
//	engine, _ := dfu.NewEngine(cfg, srv, storage, img, verifier, launcher)
//
// A frame that does not decode is answered immediately with the command
// error status and sequence number zero; it never reaches the engine.
//
// # Host side
//
// Client numbers each command and waits for the response with the same
// sequence number:
//
//	c, err := transport.Dial(ctx, "ws://device.local:8765/dfu", logger)
//	resp, err := c.Do(ctx, dfu.Command{Op: dfu.OpGetState})
package transport
