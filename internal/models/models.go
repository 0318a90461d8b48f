package models

import "time"

// SessionState tracks an upload session through its lifecycle. Terminal
// states are StateReady, StateFailed, and StateExpired; once a session
// reaches one of them it never moves again except through an explicit
// retry from StateFailed or StateExpired.
type SessionState string

const (
	StateRequested  SessionState = "REQUESTED"
	StateUploading  SessionState = "UPLOADING"
	StateValidating SessionState = "VALIDATING"
	StateProcessing SessionState = "PROCESSING"
	StateReady      SessionState = "READY"
	StateFailed     SessionState = "FAILED"
	StateExpired    SessionState = "EXPIRED"
)

// Terminal reports whether the state permits no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case StateReady, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// AssetKind classifies what an upload session is producing.
type AssetKind string

const (
	KindVideo     AssetKind = "video"
	KindThumbnail AssetKind = "thumbnail"
	KindBanner    AssetKind = "banner"
)

// Classification distinguishes the two video content shapes. It is
// required for video uploads and empty for all other kinds.
type Classification string

const (
	ClassificationEpisode Classification = "episode"
	ClassificationReel    Classification = "reel"
)

// Rendition describes one encoding variant produced by the transcoding
// pipeline.
type Rendition struct {
	Name        string `json:"name"`
	Codec       string `json:"codec,omitempty"`
	BitrateKbps int    `json:"bitrateKbps,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

// ReadyMetadata is produced by the processing pipeline and required
// before a video session may reach READY.
type ReadyMetadata struct {
	Bucket         string      `json:"bucket,omitempty"`
	ManifestObject string      `json:"manifestObject"`
	Renditions     []Rendition `json:"renditions"`
	Checksum       string      `json:"checksum"`
	PlaybackTTL    int64       `json:"playbackTtlSeconds,omitempty"`
	Encryption     string      `json:"encryption,omitempty"`
	Lifecycle      string      `json:"lifecycle,omitempty"`
}

// UploadSession is the durable record of one upload attempt from
// admission through its terminal outcome.
type UploadSession struct {
	ID             string            `json:"id"`
	AdminID        string            `json:"adminId"`
	Kind           AssetKind         `json:"kind"`
	Classification Classification    `json:"classification,omitempty"`
	ContentID      string            `json:"contentId,omitempty"`
	FileName       string            `json:"fileName"`
	ContentType    string            `json:"contentType"`
	SizeBytes      int64             `json:"sizeBytes"`
	ObjectKey      string            `json:"objectKey"`
	StorageURI     string            `json:"storageUri"`
	CDNBase        string            `json:"cdnBase,omitempty"`
	UploadURL      string            `json:"uploadUrl,omitempty"`
	UploadFields   map[string]string `json:"uploadFields,omitempty"`
	CredentialExp  time.Time         `json:"credentialExpiresAt"`
	State          SessionState      `json:"state"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ReadyMetadata  *ReadyMetadata    `json:"readyMetadata,omitempty"`
	FailureReason  string            `json:"failureReason,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// QuotaSnapshot reports an admin's current ledger occupancy alongside
// the configured ceilings.
type QuotaSnapshot struct {
	ActiveUploads   int64 `json:"activeUploads"`
	DailyUploads    int64 `json:"dailyUploads"`
	ConcurrentLimit int64 `json:"concurrentLimit"`
	DailyLimit      int64 `json:"dailyLimit"`
}
