package replicastore

import "github.com/pkg/errors"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
	ErrClosed          = errors.New("replica store closed")
	ErrOutOfOrder      = errors.New("change batch out of log order")
	ErrLiveUnsupported = errors.New("live queries not supported by this store")
	ErrLocked          = errors.New("replica in use by another process")
)
