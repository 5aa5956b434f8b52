package s3blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pricewatch/internal/domain"
)

// SnapshotArchiver implements domain.SnapshotArchive. Failed-extraction
// snapshots are written as gzipped JSON so they can be mined offline for new
// selector candidates without re-fetching the page.
type SnapshotArchiver struct {
	writer *Writer
	prefix string
}

// NewSnapshotArchiver creates a SnapshotArchiver that stores objects under
// the given key prefix (e.g. "snapshots").
func NewSnapshotArchiver(c *Client, prefix string) *SnapshotArchiver {
	if prefix == "" {
		prefix = "snapshots"
	}
	return &SnapshotArchiver{
		writer: NewWriter(c),
		prefix: prefix,
	}
}

// snapshotObject is the stored form of a DOM snapshot. The attempt identity
// travels with the payload so objects remain self-describing when listed or
// copied out of the bucket.
type snapshotObject struct {
	Domain    string    `json:"domain"`
	URLID     string    `json:"url_id"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
	TakenAt   time.Time `json:"taken_at"`
	Text      string    `json:"text"`
	HTML      string    `json:"html"`
}

// Put archives one snapshot. The key layout groups objects by domain and
// capture date so retention policies can prune by prefix.
func (a *SnapshotArchiver) Put(ctx context.Context, dom, urlID string, startedAt time.Time, snap domain.DOMSnapshot) error {
	obj := snapshotObject{
		Domain:    dom,
		URLID:     urlID,
		URL:       snap.URL,
		StartedAt: startedAt,
		TakenAt:   snap.TakenAt,
		Text:      snap.Text,
		HTML:      snap.HTML,
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(obj); err != nil {
		return fmt.Errorf("s3blob: encode snapshot %s: %w", urlID, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("s3blob: compress snapshot %s: %w", urlID, err)
	}

	path := a.snapshotPath(dom, urlID, startedAt)
	return a.writer.Put(ctx, path, &buf, "application/gzip")
}

// snapshotPath builds the object key:
//
//	{prefix}/{domain}/{YYYY-MM-DD}/{urlID}-{unixnano}.json.gz
func (a *SnapshotArchiver) snapshotPath(dom, urlID string, startedAt time.Time) string {
	day := startedAt.UTC().Format("2006-01-02")
	return fmt.Sprintf("%s/%s/%s/%s-%d.json.gz", a.prefix, dom, day, urlID, startedAt.UnixNano())
}

// Compile-time interface check.
var _ domain.SnapshotArchive = (*SnapshotArchiver)(nil)
