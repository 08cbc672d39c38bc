// Package objectstore wraps the Supabase storage-go client behind a
// narrow Put/Get interface: the shared/object store backing migration's
// backup.upload/backup.download (spec.md §4.8) and snapshot storage
// (spec.md §4.10). Neither caller needs more than put-a-blob/get-a-blob.
package objectstore

import (
	"bytes"
	"fmt"
	"io"

	storage_go "github.com/supabase-community/storage-go"
)

// Client narrows storage-go's full admin surface down to what this
// control plane actually does: push a file to a bucket, pull it back, and
// delete it once it's no longer referenced.
type Client struct {
	api    *storage_go.Client
	bucket string
}

func New(projectURL, serviceKey, bucket string) *Client {
	return &Client{
		api:    storage_go.NewClient(projectURL, serviceKey, nil),
		bucket: bucket,
	}
}

// Put uploads data under key, overwriting any existing object (migration
// re-uploads and snapshot retries both expect idempotent overwrite).
func (c *Client) Put(key string, data []byte, contentType string) error {
	upsert := true
	_, err := c.api.UploadFile(c.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("objectstore: uploading %s: %w", key, err)
	}
	return nil
}

// Get downloads key's contents.
func (c *Client) Get(key string) ([]byte, error) {
	data, err := c.api.DownloadFile(c.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("objectstore: downloading %s: %w", key, err)
	}
	return data, nil
}

// Delete removes key, best-effort — callers generally log rather than
// fail a larger operation over a stale-object cleanup miss.
func (c *Client) Delete(key string) error {
	if _, err := c.api.RemoveFile(c.bucket, []string{key}); err != nil {
		return fmt.Errorf("objectstore: deleting %s: %w", key, err)
	}
	return nil
}

// PutReader streams src to key without buffering it fully in memory,
// for the larger tar.gz snapshot payloads.
func (c *Client) PutReader(key string, src io.Reader, contentType string) error {
	upsert := true
	_, err := c.api.UploadFile(c.bucket, key, src, storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("objectstore: streaming upload %s: %w", key, err)
	}
	return nil
}
