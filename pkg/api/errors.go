package api

import "errors"

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrInvalidMode    = errors.New("invalid operation mode")
	ErrInvalidPortMap = errors.New("invalid port forward")
)
