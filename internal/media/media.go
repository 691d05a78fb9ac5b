// Package media validates and names uploaded videos.
package media

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrUnsupportedMedia means the upload is not a video we can read.
var ErrUnsupportedMedia = errors.New("unsupported media")

// AllowedExtensions are the accepted file suffixes, without the dot.
var AllowedExtensions = []string{"mp4", "avi", "mov"}

// AllowedExtension reports whether name ends in an accepted suffix.
func AllowedExtension(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	ext := strings.ToLower(name[i+1:])
	for _, a := range AllowedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

// Sniff detects the content type from the head of r and rejects anything
// that is not a video.
func Sniff(r io.Reader) (string, error) {
	m, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("sniff upload: %w", err)
	}
	for mt := m; mt != nil; mt = mt.Parent() {
		if strings.HasPrefix(mt.String(), "video/") {
			return m.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, m.String())
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilename reduces name to a flat ASCII file name that is safe to join
// to a directory. It may return "".
func SecureFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base("/" + name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")
	return name
}

// StorageName is the unique on-disk name of an upload.
func StorageName(original string) string {
	safe := SecureFilename(original)
	if safe == "" {
		safe = "video"
	}
	return uuid.NewString() + "_" + safe
}
