package proto

import "github.com/google/uuid"

// NewMsgID allocates a mesh-unique message id for a locally-originated message.
func NewMsgID() string {
	return uuid.NewString()
}
