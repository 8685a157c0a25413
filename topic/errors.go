package topic

import "errors"

var (
	// ErrInvalidTopic indicates a topic name that cannot be published to
	ErrInvalidTopic = errors.New("invalid topic name")

	// ErrInvalidFilter indicates a topic filter that cannot be subscribed to
	ErrInvalidFilter = errors.New("invalid topic filter")
)
