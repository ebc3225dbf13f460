package service

import "dispatch/pkg/apperror"

// httpStatusForError maps an orchestrator error onto an HTTP status and a
// stable machine-readable code, using apperror's own classification rather
// than re-deriving it here.
func httpStatusForError(err error) (status int, code string) {
	return apperror.ToHTTP(err), string(apperror.Code(err))
}
