// Package media stores uploaded images and videos and hands back references
// that can be placed in message parts.
package media

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/szaher/designs/personagw/internal/message"
)

// UnsupportedMediaError is returned for uploads that are not images or videos.
type UnsupportedMediaError struct {
	Filename string
	MIMEType string
}

func (e *UnsupportedMediaError) Error() string {
	if e.MIMEType == "" {
		return fmt.Sprintf("unsupported media %q: unknown type", e.Filename)
	}
	return fmt.Sprintf("unsupported media %q: %s is not an image or video", e.Filename, e.MIMEType)
}

// Upload describes a stored file.
type Upload struct {
	ID       string       `json:"file_id"`
	Kind     message.Kind `json:"file_type"`
	Ref      string       `json:"file_path"`
	MIMEType string       `json:"mimetype"`
	Size     int64        `json:"size"`
}

// Store persists uploads.
type Store interface {
	StoreUpload(ctx context.Context, r io.Reader, filename string) (Upload, error)
}

// extraTypes covers extensions missing from minimal system MIME tables.
var extraTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// Classify guesses the MIME type of filename from its extension and maps it to
// a media kind. Anything other than image/* or video/* is rejected.
func Classify(filename string) (message.Kind, string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	mt := mime.TypeByExtension(ext)
	if mt == "" {
		mt = extraTypes[ext]
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	switch {
	case strings.HasPrefix(mt, "image/"):
		return message.KindImage, mt, nil
	case strings.HasPrefix(mt, "video/"):
		return message.KindVideo, mt, nil
	default:
		return "", mt, &UnsupportedMediaError{Filename: filename, MIMEType: mt}
	}
}

// Config selects and configures a Store.
type Config struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	MaxSize int64  `yaml:"max_size"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// Open returns the Store named by cfg.Backend. The default is a local directory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.Dir, WithMaxSize(cfg.MaxSize))
	case "s3":
		return OpenS3Store(ctx, cfg.Bucket, cfg.Prefix, cfg.Region)
	default:
		return nil, fmt.Errorf("unknown media backend %q", cfg.Backend)
	}
}
