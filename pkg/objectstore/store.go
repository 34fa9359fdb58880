// Package objectstore reads and writes run output files on S3-compatible
// storage and turns object listings into files manifests.
package objectstore

import (
	"context"
	"io"
	"mime"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/scc-digitalhub/digitalhub-sdk/pkg/engine"
)

// Store abstracts the bucket that holds run outputs. Keys are relative to
// the bucket.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error

	// URI returns the s3:// address of key.
	URI(key string) string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// RunPrefix is the key prefix under which a run writes its outputs.
func RunPrefix(project, runName string) string {
	return path.Join(project, "runs", runName) + "/"
}

// Manifest converts objects under prefix to a files manifest sorted by
// path. Directory markers are skipped.
func Manifest(prefix string, objects []ObjectInfo) []engine.FileInfo {
	files := make([]engine.FileInfo, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			continue
		}

		fi := engine.FileInfo{
			Path:        rel,
			Name:        path.Base(rel),
			Size:        obj.Size,
			ContentType: obj.ContentType,
		}
		if fi.ContentType == "" {
			fi.ContentType = mime.TypeByExtension(path.Ext(rel))
		}
		if etag := strings.Trim(obj.ETag, `"`); etag != "" {
			// Multipart uploads carry a composite ETag, not an MD5.
			if strings.Contains(etag, "-") {
				fi.Hash = "etag:" + etag
			} else {
				fi.Hash = "md5:" + etag
			}
		}
		if !obj.LastModified.IsZero() {
			t := obj.LastModified.UTC()
			fi.LastModified = &t
		}
		files = append(files, fi)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// Files lists prefix in s and returns its manifest.
func Files(ctx context.Context, s Store, prefix string) ([]engine.FileInfo, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return Manifest(prefix, objects), nil
}
