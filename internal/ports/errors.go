package ports

import "errors"

var ErrNotFound = errors.New("not found")

var ErrConflict = errors.New("conflict")

// ErrInvalidRequest signale une requête rejetée avant d'entrer dans le système.
var ErrInvalidRequest = errors.New("invalid request")

// ErrEngineNotReady: la session du moteur torrent n'est pas (ou plus) disponible.
var ErrEngineNotReady = errors.New("acquisition engine session not initialized")
