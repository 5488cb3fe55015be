package files

import (
	"archive/zip"
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kapowarr/kapowarr/pkg/events"
	"github.com/kapowarr/kapowarr/pkg/extract"
)

// FolderFormat is the pseudo-format meaning "extract the archive into issue
// files".
const FolderFormat = "folder"

// Converter turns a file from one format into another. It returns the
// resulting files or directories. A converter whose external tooling is
// unavailable returns the input unchanged.
type Converter func(ctx context.Context, p *Pipeline, path string) ([]string, error)

// ConverterRegistry maps (source format, target format) pairs to their
// converter. Formats are lowercase extensions without the dot, plus the
// folder pseudo-format.
type ConverterRegistry struct {
	converters map[string]map[string]Converter
}

var knownFormats = map[string]bool{
	"zip": true, "cbz": true, "rar": true, "cbr": true, FolderFormat: true,
}

// Register adds a converter. Unknown formats and duplicate registrations
// are rejected.
func (r *ConverterRegistry) Register(source, target string, conv Converter) error {
	if !knownFormats[source] {
		return fmt.Errorf("source format %s is invalid", source)
	}
	if !knownFormats[target] {
		return fmt.Errorf("target format %s is invalid", target)
	}
	if _, ok := r.converters[source][target]; ok {
		return fmt.Errorf("converter %s to %s registered multiple times", source, target)
	}
	if r.converters[source] == nil {
		r.converters[source] = map[string]Converter{}
	}
	r.converters[source][target] = conv
	return nil
}

// AvailableFormats returns every format that can be converted to.
func (r *ConverterRegistry) AvailableFormats() []string {
	seen := map[string]bool{}
	var formats []string
	for _, targets := range r.converters {
		for target := range targets {
			if target != FolderFormat && !seen[target] {
				seen[target] = true
				formats = append(formats, target)
			}
		}
	}
	return formats
}

func (r *ConverterRegistry) convertibleToFolder(format string) bool {
	_, ok := r.converters[format][FolderFormat]
	return ok
}

// ProposedConversion is a selected conversion for one file.
type ProposedConversion struct {
	Path         string
	SourceFormat string
	TargetFormat string
	converter    Converter
}

// Run performs the proposed conversion.
func (pc ProposedConversion) Run(ctx context.Context, p *Pipeline) ([]string, error) {
	p.logger.Info().
		Str("source", pc.SourceFormat).
		Str("target", pc.TargetFormat).
		Str("file", pc.Path).
		Msg("Converting file")
	return pc.converter(ctx, p, pc.Path)
}

// SelectConverter decides what should happen to a file: extraction into
// issue files when the archive holds issue-level sub-files and range
// extraction is enabled, otherwise the first reachable format of the user's
// preference. Nil means the file stays as it is.
func (r *ConverterRegistry) SelectConverter(path string, formatPreference []string, extractIssueRanges bool) *ProposedConversion {
	source := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	if extractIssueRanges && r.convertibleToFolder(source) && archiveContainsIssues(path) {
		return &ProposedConversion{
			Path:         path,
			SourceFormat: source,
			TargetFormat: FolderFormat,
			converter:    r.converters[source][FolderFormat],
		}
	}

	for _, preferred := range formatPreference {
		if source == preferred {
			// Already in the most desired reachable format.
			return nil
		}
		if conv, ok := r.converters[source][preferred]; ok {
			return &ProposedConversion{
				Path:         path,
				SourceFormat: source,
				TargetFormat: preferred,
				converter:    conv,
			}
		}
	}
	return nil
}

// archiveContainsIssues reports whether a zip-compatible archive holds
// issue-level sub-files, detected by extracting filename data from the
// entry names.
func archiveContainsIssues(path string) bool {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer reader.Close()

	for _, entry := range reader.File {
		ext := strings.ToLower(filepath.Ext(entry.Name))
		if !ArchiveExtensions[ext] {
			continue
		}
		fd := extract.FilenameData(entry.Name, extract.Options{})
		if fd.IssueNumber != nil {
			return true
		}
	}
	return false
}

// ConvertVolume converts a volume's files per the user's format preference.
// Conversions run in a bounded parallel pool; progress is streamed as
// "Converted k/N" status events. Results are reabsorbed through a scan.
func (p *Pipeline) ConvertVolume(ctx context.Context, volumeID int64, filter []string) error {
	sv := p.settings.Get()

	volumeFiles, err := p.store.FilesForVolume(ctx, volumeID)
	if err != nil {
		return err
	}

	filterSet := map[string]bool{}
	for _, f := range filter {
		filterSet[f] = true
	}

	var proposals []ProposedConversion
	for _, file := range volumeFiles {
		if len(filterSet) > 0 && !filterSet[file.Filepath] {
			continue
		}
		if pc := p.Converters().SelectConverter(file.Filepath, sv.FormatPreference, sv.ExtractIssueRanges); pc != nil {
			proposals = append(proposals, *pc)
		}
	}
	if len(proposals) == 0 {
		return nil
	}

	workers := min(len(proposals), runtime.NumCPU())
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	done := make(chan struct{}, len(proposals))
	total := len(proposals)
	go func() {
		for k := 1; k <= total; k++ {
			select {
			case <-done:
				p.events.Publish(events.EventTaskStatus, events.TaskStatusData{
					Message: fmt.Sprintf("Converted %d/%d", k, total),
				})
			case <-groupCtx.Done():
				return
			}
		}
	}()

	for _, proposal := range proposals {
		group.Go(func() error {
			defer func() { done <- struct{}{} }()
			_, err := proposal.Run(groupCtx, p)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	return p.Scan(ctx, volumeID, ScanOptions{DeleteUnmatched: true, Emit: true})
}

// convertExtractedFiles re-selects a converter for each file that came out
// of an archive extraction.
func (p *Pipeline) convertExtractedFiles(ctx context.Context, paths []string) ([]string, error) {
	sv := p.settings.Get()
	var results []string
	for _, path := range paths {
		pc := p.Converters().SelectConverter(path, sv.FormatPreference, false)
		if pc == nil {
			results = append(results, path)
			continue
		}
		converted, err := pc.Run(ctx, p)
		if err != nil {
			return nil, err
		}
		results = append(results, converted...)
	}
	return results, nil
}
