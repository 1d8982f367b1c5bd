// Package media delivers local files to a chat, choosing a transport per
// item from its kind and size and batching items into media groups.
package media

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"relaybot/internal/domain"
)

const (
	MB = 1 << 20
	GB = 1 << 30

	// MaxBatchSize is the channel's cap on items per media group.
	MaxBatchSize = 10
	// MaxCaptionLength is the channel's per-item caption limit.
	MaxCaptionLength = 1024
)

// Policy holds the size thresholds of the transport decision. Every
// threshold is inclusive on the lower tier.
type Policy struct {
	InlineLimit   int64 // photos up to this size are sent as they are
	CompressLimit int64 // photos up to this size are recompressed first
	VideoLimit    int64 // videos up to this size are sent as video
}

// DefaultPolicy returns the channel's fixed thresholds: 20MB, 50MB and 2GB.
func DefaultPolicy() Policy {
	return Policy{InlineLimit: 20 * MB, CompressLimit: 50 * MB, VideoLimit: 2 * GB}
}

// Decide picks the transport for an item of the given kind and size.
func (p Policy) Decide(kind domain.MediaKind, size int64) domain.Transport {
	switch kind {
	case domain.KindPhoto:
		switch {
		case size <= p.InlineLimit:
			return domain.SendAsPhoto
		case size <= p.CompressLimit:
			return domain.CompressThenPhoto
		}
	case domain.KindVideo:
		if size <= p.VideoLimit {
			return domain.SendAsVideo
		}
	}
	return domain.SendAsDocument
}

// Decide applies DefaultPolicy.
func Decide(kind domain.MediaKind, size int64) domain.Transport {
	return DefaultPolicy().Decide(kind, size)
}

var transportOrder = []domain.Transport{
	domain.SendAsPhoto,
	domain.CompressThenPhoto,
	domain.SendAsVideo,
	domain.SendAsDocument,
}

// Batch groups items by transport and splits each group into batches of at
// most MaxBatchSize, keeping input order within a group.
func (p Policy) Batch(items []domain.MediaItem) []domain.DeliveryBatch {
	groups := make(map[domain.Transport][]domain.MediaItem)
	for _, it := range items {
		t := p.Decide(it.Kind, it.Size)
		groups[t] = append(groups[t], it)
	}
	var batches []domain.DeliveryBatch
	for _, t := range transportOrder {
		group := groups[t]
		for len(group) > 0 {
			n := min(len(group), MaxBatchSize)
			batches = append(batches, domain.DeliveryBatch{Transport: t, Items: group[:n:n]})
			group = group[n:]
		}
	}
	return batches
}

// Batch applies DefaultPolicy.
func Batch(items []domain.MediaItem) []domain.DeliveryBatch {
	return DefaultPolicy().Batch(items)
}

var (
	photoExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".bmp": true}
	videoExts = map[string]bool{".mp4": true, ".mov": true, ".m4v": true, ".mkv": true, ".webm": true, ".avi": true, ".3gp": true}

	// Containers the channel cannot stream progressively.
	nonStreamingExts = map[string]bool{".webm": true, ".mkv": true, ".avi": true}
)

// KindFromExtension derives a kind from the file name alone. ok is false
// when the extension says nothing.
func KindFromExtension(path string) (kind domain.MediaKind, ok bool) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case photoExts[ext]:
		return domain.KindPhoto, true
	case videoExts[ext]:
		return domain.KindVideo, true
	case ext != "":
		return domain.KindDocument, true
	}
	return "", false
}

// ResolveKind returns the kind an item should be delivered as. Declared
// photos and videos are trusted; generic uploads are re-derived from the
// extension, then from the file content when the extension is missing.
func ResolveKind(it domain.MediaItem) domain.MediaKind {
	if it.Kind == domain.KindPhoto || it.Kind == domain.KindVideo {
		return it.Kind
	}
	if k, ok := KindFromExtension(it.Path); ok {
		return k
	}
	mt, err := mimetype.DetectFile(it.Path)
	if err != nil {
		return domain.KindDocument
	}
	switch {
	case mt.Is("image/gif"):
		return domain.KindDocument
	case strings.HasPrefix(mt.String(), "image/"):
		return domain.KindPhoto
	case strings.HasPrefix(mt.String(), "video/"):
		return domain.KindVideo
	}
	return domain.KindDocument
}

// SupportsStreaming reports whether a video file can be streamed.
func SupportsStreaming(path string) bool {
	return !nonStreamingExts[strings.ToLower(filepath.Ext(path))]
}
