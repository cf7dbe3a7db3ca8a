package netns

import "errors"

var (
	ErrOpen    = errors.New("open netns failed")
	ErrEnter   = errors.New("enter netns failed")
	ErrRestore = errors.New("restore netns failed")
)
