// ABOUTME: Airly wire protocol package
// ABOUTME: Defines binary frames and the command dictionary they carry
// Package protocol implements the Airly wire format.
//
// Every message is one frame: an 11 byte header, a JSON command
// dictionary and an optional raw blob. The blob carries the song file of a
// load command so large transfers are not base64-inflated.
//
// Example:
//
//	data, err := protocol.Encode(protocol.Pause(now, "Song Title"))
//	cmd, err := protocol.Decode(data)
package protocol
