// SPDX-License-Identifier: GPL-3.0-or-later

// Package domain holds the shared types and component interfaces the rest
// of the migration pipeline is built against, in the same spirit as the
// teacher's domain package: plain data plus the seams components talk
// through.
package domain

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// MaxFolderDepth is the hard cap on folder nesting (spec.md §3/§4.4).
const MaxFolderDepth = 10

// Account is a unit of migration: one mailbox, one source credential
// handle, one target credential handle.
type Account struct {
	Email string

	// SourceToken yields bearer tokens for the Graph-style REST API. This
	// is the "external token provider" spec.md §1 treats as an outside
	// collaborator, modeled as the standard oauth2.TokenSource interface.
	SourceToken oauth2.TokenSource

	TargetHost     string
	TargetPort     int
	TargetUser     string
	TargetPassword string
	TargetUseTLS   bool

	Enabled bool

	// FolderOverrides maps a source display name to a destination display
	// name, applied when computing the local/target relative path.
	FolderOverrides map[string]string

	RetryCount int
}

// Folder is a named container in the source or target hierarchy.
type Folder struct {
	ID         string // opaque server id, source side only
	Name       string // display name
	ParentPath string // local relative path of the parent, "" for a root
	ChildCount int
	Depth      int
}

// LocalPath returns the folder's slash-separated local relative path, per
// spec.md §4.4's path-building invariant: ancestor display names with
// spaces replaced by underscores, joined by "/".
func (f Folder) LocalPath() string {
	name := SanitizeFolderComponent(f.Name)
	if f.ParentPath == "" {
		return name
	}
	return f.ParentPath + "/" + name
}

// SanitizeFolderComponent replaces ASCII spaces with underscores in a
// single path component, the pure function spec.md §3 requires.
func SanitizeFolderComponent(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == ' ' {
			out = append(out, '_')
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}

// Message identity priority, per spec.md §3:
//  1. Message-ID header (brackets/CR/LF stripped)
//  2. lowercase hex MD5 of the raw bytes

// Message describes a single MIME email discovered by either stage.
type Message struct {
	IdentityKey string // Message-ID sans <>, or md5 fallback
	Folder      string // local relative path
	Size        int64
	Path        string // on-disk path, messages/<account>/<folder>/<id>.eml
}

// MessageStateValue is the stored outcome of a message's most recent
// upload attempt.
type MessageStateValue string

const (
	StateUploaded MessageStateValue = "uploaded"
	StateSkipped  MessageStateValue = "skipped"
	StateFailed   MessageStateValue = "failed"
	StateUnknown  MessageStateValue = "unknown"
)

// MessageState is a cache record keyed by (folder, identity key).
type MessageState struct {
	Value     MessageStateValue
	Timestamp time.Time
}

// JobPhase is one state in a work unit's lifecycle.
type JobPhase string

const (
	PhaseStart     JobPhase = "start"
	PhaseUploading JobPhase = "uploading"
	PhaseCompleted JobPhase = "completed"
	PhaseSkipped   JobPhase = "skipped"
	PhaseFailed    JobPhase = "failed"
)

// JobStatus is a short-lived record of a work unit's last known phase.
type JobStatus struct {
	Phase     JobPhase
	Message   string
	Timestamp time.Time
}

// FolderCounters are the four per-folder monotonic counters spec.md §3
// names, plus the four global ones aggregated the same way.
type FolderCounters struct {
	Count   int64
	Size    int64
	Skipped int64
	Failed  int64
}

// StateStore is the durable key/value and counter store every other
// component coordinates through. Implemented by internal/statestore.
type StateStore interface {
	IncrementCounter(name string, delta int64) (int64, error)
	ReadCounter(name string) (int64, error)

	IncrementFolderCounter(folder, name string, delta int64) (int64, error)
	ReadFolderCounters(folder string) (FolderCounters, error)

	PutMessageState(folder, key string, value MessageStateValue) error
	GetMessageState(folder, key string) (MessageStateValue, error)

	PutDownloadedMessageID(folder, serverID, identityKey string) error
	GetDownloadedMessageID(folder, serverID string) (string, bool, error)

	MarkJobStatus(jobID string, phase JobPhase, message string) error
	ReadJobStatus(jobID string) (JobStatus, error)

	MarkFolderProcessed(path string) error
	IsFolderProcessed(path string) (bool, error)

	StartFolderProcessing(path string) error
	CompleteFolderProcessing(path string) error
	IsFolderBeingProcessed(path string) (bool, error)

	AcquireLock(name string, timeout time.Duration) (Lock, error)

	Reset() error

	Close() error
}

// Lock is an advisory exclusive mutex handle. Release is idempotent.
type Lock interface {
	Release() error
}

// MessageSummary is a minimal per-message listing record: enough for the
// download stage to drive one DownloadMessage call per entry.
type MessageSummary struct {
	ID   string
	Size int64
}

// SourceClient lists folders and downloads messages from the source
// mailbox. Implemented by internal/sourceclient.
type SourceClient interface {
	ListRootFolders(ctx context.Context) ([]Folder, error)
	ListChildFolders(ctx context.Context, parent Folder) ([]Folder, error)
	ListMessages(ctx context.Context, folderID string) ([]MessageSummary, error)
	DownloadMessage(ctx context.Context, folderID string, messageID string, dest string) (int64, error)
}

// TargetClient talks IMAP to the target server. Implemented by
// internal/targetclient.
type TargetClient interface {
	Connect(ctx context.Context) error
	Login(ctx context.Context, user, pass string) error
	DiscoverSeparator(ctx context.Context) (byte, error)
	ListFolders(ctx context.Context) (map[string]bool, error)
	CreateFolder(ctx context.Context, path string) error
	MessageExists(ctx context.Context, folder, messageID string) (bool, error)
	Append(ctx context.Context, folder string, seen bool, body []byte) error
	Close() error
}
