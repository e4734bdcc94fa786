package groups

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected     = errors.New("groups: engine not connected")
	ErrAlreadyConnected = errors.New("groups: engine already connected")
	ErrMemberLeft       = errors.New("groups: member has left the group")
	ErrEmptyGroupName   = errors.New("groups: empty group name")
	ErrUnknownGroup     = errors.New("groups: group not joined")
)

// DeliveryError is returned by SendMessage when some members did not
// acknowledge a message within the resend budget.
type DeliveryError struct {
	Message        MessageID
	Unacknowledged []string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("groups: message %s not acknowledged by %s",
		e.Message, strings.Join(e.Unacknowledged, ", "))
}
