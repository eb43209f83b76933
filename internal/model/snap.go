// Package model contains simple struct definitions shared across packages.
package model

import (
	"time"
)

// MediaType distinguishes the two kinds of snap a vendor can capture.
type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
)

// FilterType identifies a visual filter applied at capture time. The value
// rides along through the whole upload so the feed can re-render the look;
// an empty value means no filter.
type FilterType string

const (
	FilterNone  FilterType = ""
	FilterWarm  FilterType = "warm"
	FilterCool  FilterType = "cool"
	FilterMono  FilterType = "mono"
	FilterFaded FilterType = "faded"
)

// SnapStatus describes the upload lifecycle of a queued snap. There is no
// persisted "done" status: a finished snap is deleted from the queue.
type SnapStatus string

const (
	StatusPending   SnapStatus = "pending"
	StatusUploading SnapStatus = "uploading"
	StatusFailed    SnapStatus = "failed"
)

// QueuedSnap is one captured photo or video awaiting upload. The local file
// it points at lives in the store's quarantine directory and is owned by the
// store until the snap is uploaded or discarded.
type QueuedSnap struct {
	ID            string     `json:"id"`
	LocalPath     string     `json:"localPath"`
	MediaType     MediaType  `json:"mediaType"`
	Caption       string     `json:"caption,omitempty"`
	Filter        FilterType `json:"filter,omitempty"`
	OwnerID       string     `json:"ownerId"`
	RetryCount    int        `json:"retryCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastAttemptAt time.Time  `json:"lastAttemptAt,omitempty"`
	Status        SnapStatus `json:"status"`
	LastError     string     `json:"lastError,omitempty"`
}

// QueueStatus is the read-only badge feed exposed to the UI. Exhausted counts
// failed snaps that have burned through the attempt budget and now need a
// manual retry or discard.
type QueueStatus struct {
	Pending   int `json:"pendingCount"`
	Failed    int `json:"failedCount"`
	Exhausted int `json:"exhaustedCount"`
}
