package engine

import "fmt"

// Binary frame layout on the sync channel. The first byte selects the
// channel, and sync frames carry a second byte selecting the step.
const (
	FrameSync      byte = 0
	FrameAwareness byte = 1
)

const (
	// SyncStep1 carries an encoded state vector and asks the receiver to
	// reply with the missing updates.
	SyncStep1 byte = 0
	// SyncStep2 carries the updates answering a step 1.
	SyncStep2 byte = 1
	// SyncUpdate carries an incremental update to merge and relay.
	SyncUpdate byte = 2
)

// EncodeSyncFrame builds a sync frame for one step.
func EncodeSyncFrame(step byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, FrameSync, step)
	return append(frame, payload...)
}

// EncodeAwarenessFrame builds an awareness frame.
func EncodeAwarenessFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, FrameAwareness)
	return append(frame, payload...)
}

// splitFrame separates the channel tag from the rest of the frame.
func splitFrame(frame []byte) (byte, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	return frame[0], frame[1:], nil
}
