// Package nvm guards access to non-volatile storage during an update.
//
// A Guard checks every request against the Layout: row alignment, one row
// per write, the allowed regions, and never the slot that is currently
// executing. A Controller puts a Guard in front of a Flash primitive and
// owns the fixed row buffers the requests are staged in.
//
// MemFlash is an in-memory Flash used by the device simulator and tests.
package nvm
