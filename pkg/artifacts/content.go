package artifacts

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/taskworker/pkg/log"
	"github.com/klauspost/compress/gzip"
)

// DefaultContentType is used when nothing else matches
const DefaultContentType = "application/binary"

type contentInfo struct {
	contentType string
	encoding    string
}

// Extension overrides, checked before the mime table. Archives keep a plain
// type so clients do not transparently gunzip them.
var extensionOverrides = map[string]contentInfo{
	".tar.gz": {"application/x-tar", ""},
	".tgz":    {"application/x-tar", ""},
	".txt":    {"text/plain", ""},
	".dmg":    {"application/x-apple-diskimage", ""},
	".log":    {"text/plain", ""},
	".asc":    {"text/plain", ""},
	".diff":   {"text/plain", ""},
	".xml":    {"application/xml", ""},
}

var encodingSuffixes = map[string]string{
	".gz":  "gzip",
	".bz2": "bzip2",
	".xz":  "xz",
	".br":  "br",
}

// Content types worth compressing
var gzipContentTypes = map[string]bool{
	"text/plain":       true,
	"application/json": true,
	"text/html":        true,
	"application/xml":  true,
}

// GuessContentTypeAndEncoding returns the content type of path and the
// encoding its name implies, if any
func GuessContentTypeAndEncoding(path string) (string, string) {
	name := filepath.Base(path)

	best := ""
	for ext := range extensionOverrides {
		if strings.HasSuffix(name, ext) && len(ext) > len(best) {
			best = ext
		}
	}
	if best != "" {
		info := extensionOverrides[best]
		return info.contentType, info.encoding
	}

	encoding := ""
	if enc, ok := encodingSuffixes[filepath.Ext(name)]; ok {
		encoding = enc
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}

	contentType := DefaultContentType
	if ext := filepath.Ext(name); ext != "" {
		if guessed := mime.TypeByExtension(ext); guessed != "" {
			if mediaType, _, err := mime.ParseMediaType(guessed); err == nil {
				contentType = mediaType
			}
		}
	}
	return contentType, encoding
}

// CompressArtifactIfSupported gzips path in place when its name implies no
// encoding and its type compresses well. It returns the content type and
// the resulting encoding ("gzip" or whatever the name implied).
func CompressArtifactIfSupported(path string) (string, string, error) {
	contentType, encoding := GuessContentTypeAndEncoding(path)
	logger := log.WithComponent("artifacts")

	if encoding != "" || !gzipContentTypes[contentType] {
		logger.Debug().
			Str("path", path).
			Str("content_type", contentType).
			Str("encoding", encoding).
			Msg("Artifact not eligible for compression")
		return contentType, encoding, nil
	}

	if err := gzipInPlace(path); err != nil {
		return "", "", fmt.Errorf("failed to compress %s: %w", path, err)
	}

	logger.Info().Str("path", path).Msg("Artifact compressed with gzip")
	return contentType, "gzip", nil
}

func gzipInPlace(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".gz-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	zw := gzip.NewWriter(tmp)
	if _, err := io.Copy(zw, in); err != nil {
		tmp.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
