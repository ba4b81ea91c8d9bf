package neofs

import "golang.org/x/xerrors"

// Sentinel errors returned by Store methods. Check with errors.Is; wrapped
// errors carry additional context via xerrors.Errorf("...: %w", ...).
var (
	ErrInvalidArgument = xerrors.New("neofs: invalid argument")
	ErrNotFound        = xerrors.New("neofs: file not found")
	ErrNoSpace         = xerrors.New("neofs: disk full")
	ErrDevice          = xerrors.New("neofs: device failure")
	ErrTooManyOpen     = xerrors.New("neofs: too many open files")
	ErrNoSectorFound   = xerrors.New("neofs: no sector reclaimable")
)
