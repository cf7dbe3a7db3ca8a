package tcp

import "errors"

var (
	ErrConfig   = errors.New("invalid stack configuration")
	ErrListen   = errors.New("listen failed")
	ErrSocket   = errors.New("socket creation failed")
	ErrConnect  = errors.New("connect failed")
	ErrPipe     = errors.New("pipe creation failed")
	ErrNoSocket = errors.New("no connectable socket available")
	ErrEventfd  = errors.New("eventfd creation failed")
)
