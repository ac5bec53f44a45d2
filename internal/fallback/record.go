package fallback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sheerbytes/callfiles/pkg/protocol"
)

// Record is a file shared through storage. Senders and receivers both keep one.
type Record struct {
	Key         string
	DisplayName string
	Size        uint64
	Digest      string
	URL         string
	ExpiresAt   time.Time // zero when the API did not say
	MimeType    string
	Secret      []byte // nil when the object is stored in plaintext
	SenderID    string
	CreatedAt   time.Time
}

// Expired reports whether the download link is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Message converts the record to its wire form.
func (r Record) Message() protocol.SecureFileMeta {
	m := protocol.SecureFileMeta{
		Key:         r.Key,
		DisplayName: r.DisplayName,
		Size:        r.Size,
		SHA256:      r.Digest,
		URL:         r.URL,
		MimeType:    r.MimeType,
		SenderID:    r.SenderID,
		Timestamp:   r.CreatedAt.UnixMilli(),
	}
	if !r.ExpiresAt.IsZero() {
		m.ExpiresAt = r.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if len(r.Secret) > 0 {
		m.Secret = base64.StdEncoding.EncodeToString(r.Secret)
	}
	return m
}

// RecordFromMessage validates a received secure-file-meta. from is the
// transport-level sender and wins over the self-declared senderId.
func RecordFromMessage(from string, m protocol.SecureFileMeta) (Record, error) {
	if m.Key == "" || m.URL == "" {
		return Record{}, errors.New("secure file meta without key or url")
	}
	r := Record{
		Key:         m.Key,
		DisplayName: m.DisplayName,
		Size:        m.Size,
		Digest:      m.SHA256,
		URL:         m.URL,
		MimeType:    m.MimeType,
		SenderID:    m.SenderID,
		CreatedAt:   time.UnixMilli(m.Timestamp),
	}
	if from != "" {
		r.SenderID = from
	}
	if r.DisplayName == "" {
		r.DisplayName = m.Key
	}
	if m.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, m.ExpiresAt)
		if err != nil {
			return Record{}, fmt.Errorf("parse expiresAt: %w", err)
		}
		r.ExpiresAt = t
	}
	if m.Secret != "" {
		secret, err := base64.StdEncoding.DecodeString(m.Secret)
		if err != nil || len(secret) != SecretSize {
			return Record{}, errors.New("malformed secret")
		}
		r.Secret = secret
	}
	return r, nil
}
