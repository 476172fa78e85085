package source

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/abdul-hamid-achik/cmdvec/internal/errs"
)

// IgnoreFile is read from the root of a directory source.
const IgnoreFile = ".cmdvecignore"

// FileSource loads records from a JSON or YAML file, or from every such file
// under a directory.
type FileSource struct {
	path           string
	ignorePatterns []string
}

// NewFileSource creates a FileSource for path. ignorePatterns are
// gitignore-style patterns applied when path is a directory.
func NewFileSource(path string, ignorePatterns ...string) *FileSource {
	return &FileSource{
		path:           path,
		ignorePatterns: ignorePatterns,
	}
}

// Name returns the source name.
func (f *FileSource) Name() string {
	return "file:" + f.path
}

// Path returns the file or directory being read.
func (f *FileSource) Path() string {
	return f.path
}

// ListCommands reads and decodes every record file.
func (f *FileSource) ListCommands(ctx context.Context) ([]CommandRecord, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeSourceReadFailure, "stat source", errs.Field("path", f.path))
	}

	if !info.IsDir() {
		records, err := readRecordFile(f.path)
		if err != nil {
			return nil, err
		}
		return normalize(records), nil
	}

	files, err := f.collectFiles(ctx)
	if err != nil {
		return nil, err
	}

	var all []CommandRecord
	for _, p := range files {
		records, err := readRecordFile(p)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	return normalize(all), nil
}

// Files lists the record files the source would read.
func (f *FileSource) Files(ctx context.Context) ([]string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeSourceReadFailure, "stat source", errs.Field("path", f.path))
	}
	if !info.IsDir() {
		return []string{f.path}, nil
	}
	return f.collectFiles(ctx)
}

func (f *FileSource) collectFiles(ctx context.Context) ([]string, error) {
	ignore := f.buildIgnoreMatcher()

	var files []string
	err := filepath.WalkDir(f.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		relPath, err := filepath.Rel(f.path, p)
		if err != nil {
			relPath = p
		}
		if relPath != "." && ignore.MatchesPath(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !IsRecordFile(p) {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeSourceReadFailure, "walk source directory", errs.Field("path", f.path))
	}
	return files, nil
}

// buildIgnoreMatcher combines configured patterns with the directory's
// ignore file.
func (f *FileSource) buildIgnoreMatcher() *gitignore.GitIgnore {
	patterns := make([]string, len(f.ignorePatterns))
	copy(patterns, f.ignorePatterns)

	if content, err := os.ReadFile(filepath.Join(f.path, IgnoreFile)); err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				patterns = append(patterns, line)
			}
		}
	}

	return gitignore.CompileIgnoreLines(patterns...)
}

// IsRecordFile reports whether path has a supported extension.
func IsRecordFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func readRecordFile(path string) ([]CommandRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeSourceReadFailure, "read record file", errs.Field("path", path))
	}

	var records []CommandRecord
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		records, err = decodeJSON(data)
	default:
		records, err = decodeYAML(data)
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeSourceParseInvalidFormat, "decode record file", errs.Field("path", path))
	}
	return records, nil
}
