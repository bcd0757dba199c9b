// Package upload builds the submission handed to the backend at the end of
// a session and delivers it.
package upload

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	"examguard/internal/schemavalidation"
	"examguard/internal/session"
	"examguard/internal/vault"
)

// Media types.
const (
	MediaJPEG = "image/jpeg"
	MediaMP4  = "video/mp4"
)

// MediaItem is one piece of evidence in a submission.
type MediaItem struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	URL       string    `json:"url,omitempty"`
	Bytes     []byte    `json:"bytes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	MediaType string    `json:"media_type"`
	Encrypted bool      `json:"encrypted"`
}

// Submission is the document handed to the upload collaborator.
type Submission struct {
	ExamID    string          `json:"exam_id"`
	StudentID string          `json:"student_id"`
	SessionID string          `json:"session_id"`
	Report    json.RawMessage `json:"report"`
	Media     []MediaItem     `json:"media"`
}

// MediaSource reads evidence files of a session.
type MediaSource interface {
	ReadEncrypted(rel string) ([]byte, error)
	DecryptFile(ref vault.EncryptedFile) ([]byte, error)
}

// BuildOptions controls which bytes are embedded.
type BuildOptions struct {
	// IncludeMedia embeds file contents. Without it only references are sent.
	IncludeMedia bool
	// Decrypt embeds plaintext instead of envelopes.
	Decrypt bool
}

// Build assembles the submission of s. Media that cannot be read is sent
// as a reference without bytes.
func Build(s session.ExamSession, reportJSON []byte, src MediaSource, opts BuildOptions) (Submission, []error) {
	sub := Submission{
		ExamID:    s.ExamID,
		StudentID: s.StudentID,
		SessionID: s.SessionID,
		Report:    json.RawMessage(reportJSON),
		Media:     make([]MediaItem, 0, len(s.Snapshots)+1),
	}

	var errs []error
	add := func(id, rel string, size int64, url string, ts time.Time, mediaType string) {
		item := MediaItem{
			ID:        id,
			Filename:  path.Base(rel),
			Size:      size,
			URL:       url,
			Timestamp: ts,
			MediaType: mediaType,
			Encrypted: !opts.Decrypt,
		}
		if opts.IncludeMedia && src != nil {
			data, err := readMedia(src, rel, opts.Decrypt)
			if err != nil {
				errs = append(errs, fmt.Errorf("media %s: %w", id, err))
			} else {
				item.Bytes = data
				item.Size = int64(len(data))
			}
		}
		sub.Media = append(sub.Media, item)
	}

	for _, snap := range s.Snapshots {
		add(snap.ID, snap.FilePath, snap.Size, snap.UploadURL, snap.Timestamp, MediaJPEG)
	}
	if v := s.BackCameraVideo; v != nil {
		add(v.ID, v.FilePath, v.Size, v.UploadURL, v.Timestamp, MediaMP4)
	}
	return sub, errs
}

func readMedia(src MediaSource, rel string, decrypt bool) ([]byte, error) {
	if decrypt {
		return src.DecryptFile(vault.EncryptedFile{Path: rel, Purpose: vault.PurposeMedia})
	}
	return src.ReadEncrypted(rel)
}

// Encode marshals sub and validates it against the submission schema.
func Encode(sub Submission) ([]byte, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	if err := schemavalidation.Validate(schemavalidation.Submission, data); err != nil {
		return nil, err
	}
	return data, nil
}
