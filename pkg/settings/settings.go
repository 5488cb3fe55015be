// Package settings holds the runtime settings of the service, persisted in
// the relational store. Comma-separated list values are parsed once at the
// boundary and exposed as ordered string slices.
package settings

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kapowarr/kapowarr/pkg/errs"
	"github.com/kapowarr/kapowarr/pkg/store"
)

// Values is a snapshot of all runtime settings.
type Values struct {
	APIKey          string
	AuthPassword    string
	ComicvineAPIKey string

	DownloadFolder        string
	RenameDownloadedFiles bool

	VolumeFolderNaming       string
	FileNaming               string
	FileNamingSpecialVersion string
	FileNamingVAI            string
	LongSpecialVersion       bool

	CreateEmptyVolumeFolders bool
	DeleteEmptyFolders       bool
	UnmonitorDeletedIssues   bool

	ConvertFiles       bool
	ExtractIssueRanges bool
	FormatPreference   []string

	FailingDownloadTimeout time.Duration
	TaskWorkers            int
}

// Defaults returns the settings used for a fresh install.
func Defaults() Values {
	return Values{
		APIKey:                   strings.ReplaceAll(uuid.NewString(), "-", ""),
		DownloadFolder:           "downloads",
		VolumeFolderNaming:       "{series_name} ({year}) Volume {volume_number}",
		FileNaming:               "{series_name} ({year}) Volume {volume_number} Issue {issue_number}",
		FileNamingSpecialVersion: "{series_name} ({year}) Volume {volume_number} {special_version}",
		FileNamingVAI:            "{series_name} ({year}) Volume {issue_number}",
		CreateEmptyVolumeFolders: true,
		DeleteEmptyFolders:       true,
		ConvertFiles:             false,
		ExtractIssueRanges:       false,
		FormatPreference:         []string{"cbz"},
		FailingDownloadTimeout:   20 * time.Minute,
		TaskWorkers:              0, // 0 means one per logical CPU
	}
}

// Service provides thread-safe access to the settings.
type Service struct {
	store *store.Store

	mu     sync.RWMutex
	values Values
}

// Load reads the settings from the store, filling in defaults for keys that
// have never been written.
func Load(ctx context.Context, st *store.Store) (*Service, error) {
	raw, err := st.GetSettingValues(ctx)
	if err != nil {
		return nil, err
	}

	v := Defaults()
	readString(raw, "api_key", &v.APIKey)
	readString(raw, "auth_password", &v.AuthPassword)
	readString(raw, "comicvine_api_key", &v.ComicvineAPIKey)
	readString(raw, "download_folder", &v.DownloadFolder)
	readBool(raw, "rename_downloaded_files", &v.RenameDownloadedFiles)
	readString(raw, "volume_folder_naming", &v.VolumeFolderNaming)
	readString(raw, "file_naming", &v.FileNaming)
	readString(raw, "file_naming_special_version", &v.FileNamingSpecialVersion)
	readString(raw, "file_naming_vai", &v.FileNamingVAI)
	readBool(raw, "long_special_version", &v.LongSpecialVersion)
	readBool(raw, "create_empty_volume_folders", &v.CreateEmptyVolumeFolders)
	readBool(raw, "delete_empty_folders", &v.DeleteEmptyFolders)
	readBool(raw, "unmonitor_deleted_issues", &v.UnmonitorDeletedIssues)
	readBool(raw, "convert_files", &v.ConvertFiles)
	readBool(raw, "extract_issue_ranges", &v.ExtractIssueRanges)
	readList(raw, "format_preference", &v.FormatPreference)
	readSeconds(raw, "failing_download_timeout", &v.FailingDownloadTimeout)
	readInt(raw, "task_workers", &v.TaskWorkers)

	svc := &Service{store: st, values: v}
	// Persist so a fresh install keeps its generated API key.
	if err := svc.save(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// Get returns a snapshot of the current settings.
func (s *Service) Get() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.values
	v.FormatPreference = append([]string(nil), s.values.FormatPreference...)
	return v
}

// Update applies fn to a copy of the settings and persists the result.
func (s *Service) Update(ctx context.Context, fn func(*Values) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.values
	updated.FormatPreference = append([]string(nil), s.values.FormatPreference...)
	if err := fn(&updated); err != nil {
		return err
	}
	s.values = updated
	return s.save(ctx)
}

// RegenerateAPIKey replaces the API key and returns the new one.
func (s *Service) RegenerateAPIKey(ctx context.Context) (string, error) {
	key := strings.ReplaceAll(uuid.NewString(), "-", "")
	err := s.Update(ctx, func(v *Values) error {
		v.APIKey = key
		return nil
	})
	return key, err
}

func (s *Service) save(ctx context.Context) error {
	v := s.values
	return s.store.SetSettingValues(ctx, map[string]string{
		"api_key":                     v.APIKey,
		"auth_password":               v.AuthPassword,
		"comicvine_api_key":           v.ComicvineAPIKey,
		"download_folder":             v.DownloadFolder,
		"rename_downloaded_files":     formatBool(v.RenameDownloadedFiles),
		"volume_folder_naming":        v.VolumeFolderNaming,
		"file_naming":                 v.FileNaming,
		"file_naming_special_version": v.FileNamingSpecialVersion,
		"file_naming_vai":             v.FileNamingVAI,
		"long_special_version":        formatBool(v.LongSpecialVersion),
		"create_empty_volume_folders": formatBool(v.CreateEmptyVolumeFolders),
		"delete_empty_folders":        formatBool(v.DeleteEmptyFolders),
		"unmonitor_deleted_issues":    formatBool(v.UnmonitorDeletedIssues),
		"convert_files":               formatBool(v.ConvertFiles),
		"extract_issue_ranges":        formatBool(v.ExtractIssueRanges),
		"format_preference":           strings.Join(v.FormatPreference, ","),
		"failing_download_timeout":    strconv.Itoa(int(v.FailingDownloadTimeout.Seconds())),
		"task_workers":                strconv.Itoa(v.TaskWorkers),
	})
}

// SetKey updates one setting by its persisted key name; used by the settings
// API endpoint.
func (s *Service) SetKey(ctx context.Context, key, value string) error {
	return s.Update(ctx, func(v *Values) error {
		switch key {
		case "auth_password":
			v.AuthPassword = value
		case "comicvine_api_key":
			v.ComicvineAPIKey = value
		case "download_folder":
			v.DownloadFolder = value
		case "rename_downloaded_files":
			return parseBool(value, &v.RenameDownloadedFiles)
		case "volume_folder_naming":
			v.VolumeFolderNaming = value
		case "file_naming":
			v.FileNaming = value
		case "file_naming_special_version":
			v.FileNamingSpecialVersion = value
		case "file_naming_vai":
			v.FileNamingVAI = value
		case "long_special_version":
			return parseBool(value, &v.LongSpecialVersion)
		case "create_empty_volume_folders":
			return parseBool(value, &v.CreateEmptyVolumeFolders)
		case "delete_empty_folders":
			return parseBool(value, &v.DeleteEmptyFolders)
		case "unmonitor_deleted_issues":
			return parseBool(value, &v.UnmonitorDeletedIssues)
		case "convert_files":
			return parseBool(value, &v.ConvertFiles)
		case "extract_issue_ranges":
			return parseBool(value, &v.ExtractIssueRanges)
		case "format_preference":
			v.FormatPreference = ParseCommaList(value)
		case "failing_download_timeout":
			secs, err := strconv.Atoi(value)
			if err != nil || secs < 0 {
				return errs.ErrInvalidSettingValue.WithDetail("%s = %s", key, value)
			}
			v.FailingDownloadTimeout = time.Duration(secs) * time.Second
		case "task_workers":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return errs.ErrInvalidSettingValue.WithDetail("%s = %s", key, value)
			}
			v.TaskWorkers = n
		case "api_key":
			return errs.ErrInvalidSettingModification.WithDetail("api_key")
		default:
			return errs.ErrInvalidSettingKey.WithDetail("%s", key)
		}
		return nil
	})
}

// ParseCommaList turns a comma-separated string into an ordered list,
// dropping empty elements.
func ParseCommaList(value string) []string {
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func readString(raw map[string]string, key string, dst *string) {
	if v, ok := raw[key]; ok {
		*dst = v
	}
}

func readBool(raw map[string]string, key string, dst *bool) {
	if v, ok := raw[key]; ok {
		*dst = v == "1" || v == "true"
	}
}

func readInt(raw map[string]string, key string, dst *int) {
	if v, ok := raw[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func readSeconds(raw map[string]string, key string, dst *time.Duration) {
	if v, ok := raw[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func readList(raw map[string]string, key string, dst *[]string) {
	if v, ok := raw[key]; ok {
		*dst = ParseCommaList(v)
	}
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseBool(value string, dst *bool) error {
	switch value {
	case "1", "true":
		*dst = true
	case "0", "false":
		*dst = false
	default:
		return errs.ErrInvalidSettingValue.WithDetail("%s", value)
	}
	return nil
}
