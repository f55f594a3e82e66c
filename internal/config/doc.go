// Package config provides the YAML configuration files of the device
// simulator and the host tool.
//
// Two files live in the configuration directory:
//   - device.yaml: the device Profile (storage layout, image header size,
//     update timing, mailbox lock timeout, listen addresses)
//   - config.yaml: the host Registry (known devices and tool preferences)
//
// # Configuration File Location
//
//   - Linux: $XDG_CONFIG_HOME/securedfu or $HOME/.config/securedfu
//   - macOS: $HOME/.config/securedfu
//   - Windows: %LOCALAPPDATA%\securedfu
//
// # Usage Example
//
//	profile, err := config.LoadProfile(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	guard, err := nvm.NewGuard(profile.Layout())
//
// Both files are written atomically (temporary file and rename) with a
// header comment. Durations are written as Go duration strings ("20ms").
package config
