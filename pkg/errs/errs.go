package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a user-visible error kind. Kind is the stable string exposed in
// API responses, Code the HTTP status the API shell maps the error to.
type Error struct {
	Kind   string
	Code   int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Kind + ": " + e.Detail
	}
	return e.Kind
}

// Is matches any error of the same kind, so sentinel values below work with
// errors.Is even when a Detail was attached.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail returns a copy of the error carrying extra detail.
func (e *Error) WithDetail(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Detail: fmt.Sprintf(format, args...)}
}

// Not found
var (
	ErrVolumeNotFound         = &Error{Kind: "VolumeNotFound", Code: http.StatusNotFound}
	ErrIssueNotFound          = &Error{Kind: "IssueNotFound", Code: http.StatusNotFound}
	ErrFileNotFound           = &Error{Kind: "FileNotFound", Code: http.StatusNotFound}
	ErrFolderNotFound         = &Error{Kind: "FolderNotFound", Code: http.StatusNotFound}
	ErrRootFolderNotFound     = &Error{Kind: "RootFolderNotFound", Code: http.StatusNotFound}
	ErrTaskNotFound           = &Error{Kind: "TaskNotFound", Code: http.StatusNotFound}
	ErrDownloadNotFound       = &Error{Kind: "DownloadNotFound", Code: http.StatusNotFound}
	ErrBlocklistEntryNotFound = &Error{Kind: "BlocklistEntryNotFound", Code: http.StatusNotFound}
	ErrCredentialNotFound     = &Error{Kind: "CredentialNotFound", Code: http.StatusNotFound}
	ErrExternalClientNotFound = &Error{Kind: "ExternalClientNotFound", Code: http.StatusNotFound}
	ErrLogFileNotFound        = &Error{Kind: "LogFileNotFound", Code: http.StatusNotFound}
)

// Conflict / in-use
var (
	ErrRootFolderInUse      = &Error{Kind: "RootFolderInUse", Code: http.StatusBadRequest}
	ErrRootFolderInvalid    = &Error{Kind: "RootFolderInvalid", Code: http.StatusBadRequest}
	ErrVolumeAlreadyAdded   = &Error{Kind: "VolumeAlreadyAdded", Code: http.StatusBadRequest}
	ErrVolumeDownloadedFor  = &Error{Kind: "VolumeDownloadedFor", Code: http.StatusBadRequest}
	ErrTaskForVolumeRunning = &Error{Kind: "TaskForVolumeRunning", Code: http.StatusBadRequest}
	ErrTaskNotDeletable     = &Error{Kind: "TaskNotDeletable", Code: http.StatusBadRequest}
	ErrClientDownloading    = &Error{Kind: "ClientDownloading", Code: http.StatusBadRequest}
	ErrDownloadUnmovable    = &Error{Kind: "DownloadUnmovable", Code: http.StatusBadRequest}
)

// Input
var (
	ErrKeyNotFound                = &Error{Kind: "KeyNotFound", Code: http.StatusBadRequest}
	ErrInvalidKeyValue            = &Error{Kind: "InvalidKeyValue", Code: http.StatusBadRequest}
	ErrInvalidSettingKey          = &Error{Kind: "InvalidSettingKey", Code: http.StatusBadRequest}
	ErrInvalidSettingValue        = &Error{Kind: "InvalidSettingValue", Code: http.StatusBadRequest}
	ErrInvalidSettingModification = &Error{Kind: "InvalidSettingModification", Code: http.StatusBadRequest}
	ErrAPIKeyInvalid              = &Error{Kind: "ApiKeyInvalid", Code: http.StatusUnauthorized}
)

// External
var (
	ErrCVRateLimitReached       = &Error{Kind: "CVRateLimitReached", Code: 509}
	ErrInvalidComicVineApiKey   = &Error{Kind: "InvalidComicVineApiKey", Code: http.StatusBadRequest}
	ErrCredentialInvalid        = &Error{Kind: "CredentialInvalid", Code: http.StatusBadRequest}
	ErrClientNotWorking         = &Error{Kind: "ClientNotWorking", Code: http.StatusBadRequest}
	ErrExternalClientNotWorking = &Error{Kind: "ExternalClientNotWorking", Code: http.StatusBadRequest}
	ErrLinkBroken               = &Error{Kind: "LinkBroken", Code: http.StatusBadRequest}
	ErrFailedGCPage             = &Error{Kind: "FailedGCPage", Code: http.StatusBadRequest}
	ErrDownloadLimitReached     = &Error{Kind: "DownloadLimitReached", Code: http.StatusBadRequest}
)

// KeyNotFound reports a missing request key.
func KeyNotFound(key string) *Error {
	return ErrKeyNotFound.WithDetail("%s", key)
}

// InvalidKeyValue reports a request key with an unusable value.
func InvalidKeyValue(key string, value any) *Error {
	return ErrInvalidKeyValue.WithDetail("%s = %v", key, value)
}

// LinkBroken reports an unusable download link.
func LinkBroken(reason string) *Error {
	return ErrLinkBroken.WithDetail("%s", reason)
}

// DownloadLimitReached reports that a source's daily limit was hit.
func DownloadLimitReached(source string) *Error {
	return ErrDownloadLimitReached.WithDetail("%s", source)
}

// VolumeDownloadedFor reports that a volume still has an active download.
func VolumeDownloadedFor(volumeID int64) *Error {
	return ErrVolumeDownloadedFor.WithDetail("volume %d", volumeID)
}

// TaskForVolumeRunning reports that a task currently holds the volume lane.
func TaskForVolumeRunning(volumeID int64) *Error {
	return ErrTaskForVolumeRunning.WithDetail("volume %d", volumeID)
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
