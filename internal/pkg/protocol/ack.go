package protocol

import "fmt"

// Encode renders one frame. The length segment is the 4 digit hex length of content.
func Encode(tag, deviceID, content string) []byte {
	return []byte(fmt.Sprintf("[%s*%s*%04X*%s]", tag, deviceID, len(content), content))
}

// Ack builds the acknowledgement for env, echoing the tag and the identifier exactly as
// the device reported them.
func Ack(env *Envelope) []byte {
	return Encode(env.Tag, env.DeviceID, env.Command.Keyword())
}

// NeedsAck reports whether the device expects an acknowledgement for cmd.
func NeedsAck(cmd Command) bool {
	switch cmd.(type) {
	case Heartbeat, Alarm:
		return true
	}
	return false
}
