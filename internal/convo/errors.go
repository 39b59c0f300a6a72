package convo

import "errors"

var (
	ErrNotFound        = errors.New("conversation not found")
	ErrForbidden       = errors.New("not a participant of this conversation")
	ErrInvalidArgument = errors.New("invalid argument")
)
