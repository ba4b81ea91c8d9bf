package neocfs

import "golang.org/x/xerrors"

// Sentinel errors returned by Store methods. Check with errors.Is; wrapped
// errors carry additional context via xerrors.Errorf("...: %w", ...).
var (
	ErrNotInitialized = xerrors.New("neocfs: not initialized")
	ErrInvalidArgument = xerrors.New("neocfs: invalid argument")
	ErrNotFound        = xerrors.New("neocfs: file not declared")
	ErrNoSpace         = xerrors.New("neocfs: log full")
	ErrLogEmpty        = xerrors.New("neocfs: log empty")
	ErrDevice          = xerrors.New("neocfs: device failure")
	ErrCorrupt         = xerrors.New("neocfs: inconsistent head/tail")
)
