package publication

import "errors"

var (
	ErrPublicationNotFound = errors.New("publication not found")
	ErrPostNotFound        = errors.New("post not found")
	ErrChannelNotFound     = errors.New("channel not found")
	ErrContentRequired     = errors.New("publication has neither content nor media")
	ErrPayloadNotPrepared  = errors.New("post has no prepared payload")
)

// ValidationError marks a request the pipeline rejects before taking any lock.
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
