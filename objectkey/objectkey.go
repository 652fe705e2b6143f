// Package objectkey decides which uploaded objects are processed and where
// their rendered results are written.
package objectkey

import (
	"path"
	"regexp"
	"strings"
)

const (
	InputPrefix  = "inputs/"
	OutputPrefix = "outputs/"
)

// The prefix is matched exactly, the extension case-insensitively.
var supportedImage = regexp.MustCompile(`^inputs/.+\.(?i:jpg|jpeg|png)$`)

// Accept reports whether key names an input image the pipeline handles.
func Accept(key string) bool {
	return supportedImage.MatchString(key)
}

// BaseName returns the file name part of key.
func BaseName(key string) string {
	return path.Base(key)
}

// OutputKey maps an accepted input key to its rendered output key. Nested
// input paths are flattened onto the base file name.
func OutputKey(key string) string {
	return OutputPrefix + BaseName(key)
}

// ContentType derives the upload content type from the key extension.
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
