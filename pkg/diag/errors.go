package diag

import "errors"

var (
	ErrListen = errors.New("diag: listen failed")
)
