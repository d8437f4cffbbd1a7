package domain

import (
	"io"
	"os"
)

// FileCommonMetadata describes a file on either side of the upload.
type FileCommonMetadata struct {
	Filename    string
	SizeBytes   int64
	MimeType    string
	ImageWidth  *int
	ImageHeight *int
}

// LocalFile is an opaque handle to a user-selected file. The staging area
// owns it until the parent message is confirmed.
type LocalFile struct {
	FileCommonMetadata
	// Open returns a fresh reader over the file contents. Called once per
	// upload attempt.
	Open func() (io.ReadCloser, error)
}

// LocalFileFromPath builds a LocalFile backed by a file on disk.
func LocalFileFromPath(path string, meta FileCommonMetadata) *LocalFile {
	return &LocalFile{
		FileCommonMetadata: meta,
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// Attachment belongs to a message. Locally created attachments carry a
// Source and, until released, a LocalPreviewURL; server-originated ones only
// carry a RemotePath.
type Attachment struct {
	FileCommonMetadata
	LocalId         LocalId
	Source          *LocalFile
	LocalPreviewURL string
	RemotePath      string
}

// Attachments is an ordered list of attachments
type Attachments = []Attachment

// LocalIds returns the local ids of attachments that still hold a preview.
func LocalIds(atts Attachments) []LocalId {
	var ids []LocalId
	for _, a := range atts {
		if a.LocalId != "" && a.LocalPreviewURL != "" {
			ids = append(ids, a.LocalId)
		}
	}
	return ids
}
