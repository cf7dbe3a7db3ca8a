package epoll

import "errors"

var (
	ErrCreate = errors.New("epoll create failed")
	ErrCtl    = errors.New("epoll ctl failed")
	ErrWait   = errors.New("epoll wait failed")
)
