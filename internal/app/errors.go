package app

import (
	"errors"

	"github.com/Guilhem-Bonnet/feedwatch/internal/ports"
)

var (
	ErrNotFound       = ports.ErrNotFound
	ErrInvalidRequest = ports.ErrInvalidRequest
	ErrEngineNotReady = ports.ErrEngineNotReady
	ErrConflict       = ports.ErrConflict

	// ErrFeedUnavailable: le flux n'a pas pu être récupéré ou parsé.
	ErrFeedUnavailable = errors.New("feed unavailable")
)

// Codes stables persistés dans DownloadTask.ErrorCode.
const (
	CodeEngineNotReady = "engine_not_ready"
	CodeItemRemoved    = "item_removed"
	CodeEngineError    = "engine_error"
	CodeCanceled       = "canceled"
	CodeInterrupted    = "interrupted"
)

// CodedError permet au moteur et aux workers de renvoyer un code d'erreur stable,
// persisté dans DownloadTask.ErrorCode.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *CodedError) Unwrap() error { return e.Err }

// errorCode extrait le code d'une erreur, engine_error par défaut.
func errorCode(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	if errors.Is(err, ErrEngineNotReady) {
		return CodeEngineNotReady
	}
	return CodeEngineError
}
