// Package dfu implements the device-side update state machine.
//
// An Engine is stepped from a single goroutine. Each Step waits at most the
// poll interval for a host command from the Transport, applies it to storage
// through the nvm guard, and acts on the resulting state:
//
//	None --data command--> Updating --complete--> Finished --verified--> launch
//	                           |                      |
//	                  reject / timeout          verify failed
//	                           v                      v
//	                         None (transport reset, or fail open)
//
// A hardware error from the verifier ends Run with that error; every other
// failure only abandons the current attempt.
package dfu
