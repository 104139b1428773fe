package domain

import (
	"errors"
	"time"
)

type DownloadState string

const (
	DownloadQueued    DownloadState = "queued"
	DownloadRunning   DownloadState = "running"
	DownloadCompleted DownloadState = "completed"
	DownloadFailed    DownloadState = "failed"
	DownloadCanceled  DownloadState = "canceled"
)

func (s DownloadState) IsTerminal() bool {
	return s == DownloadCompleted || s == DownloadFailed || s == DownloadCanceled
}

type DownloadTask struct {
	ID             string
	SubscriptionID uint64
	ItemID         int

	Source     string
	OutputPath string

	State     DownloadState
	CreatedAt time.Time
	UpdatedAt time.Time

	ErrorCode string
	Error     string
}

var ErrInvalidTransition = errors.New("invalid download state transition")

func CanTransition(from, to DownloadState) bool {
	if from == to {
		return true
	}
	switch from {
	case DownloadQueued:
		return to == DownloadRunning || to == DownloadCanceled || to == DownloadFailed
	case DownloadRunning:
		return to == DownloadCompleted || to == DownloadCanceled || to == DownloadFailed
	case DownloadCompleted, DownloadCanceled, DownloadFailed:
		return false
	default:
		return false
	}
}
