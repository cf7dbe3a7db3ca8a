package tap

import "errors"

var (
	ErrOpenTap     = errors.New("open tap device failed")
	ErrLinkUp      = errors.New("bring tap link up failed")
	ErrSocketPair  = errors.New("socketpair creation failed")
	ErrStackSetup  = errors.New("network stack setup failed")
	ErrGuestDial   = errors.New("guest dial failed")
	ErrInvalidAddr = errors.New("invalid bridge address")
)
