// Package xferr defines the error taxonomy shared by the file transfer components.
//
// Components wrap one of the sentinels below so callers can classify failures with
// errors.Is regardless of which transport produced them.
package xferr

import (
	"errors"
	"fmt"
)

var (
	// ErrSignaling indicates an offer, answer or candidate applied out of sequence,
	// or a peer connection that could not be created.
	ErrSignaling = errors.New("signaling error")
	// ErrTransport indicates the transport closed or failed mid-transfer.
	ErrTransport = errors.New("transport error")
	// ErrIntegrity indicates a digest mismatch or missing chunks on reassembly.
	ErrIntegrity = errors.New("integrity error")
	// ErrPresign indicates the storage API rejected a presign request.
	ErrPresign = errors.New("presign error")
	// ErrUpload indicates the object store rejected an upload.
	ErrUpload = errors.New("upload error")
	// ErrDownload indicates the object store rejected a download.
	ErrDownload = errors.New("download error")
	// ErrPolicy indicates a file exceeds size or type limits.
	ErrPolicy = errors.New("policy error")
	// ErrDisabled indicates the feature is switched off.
	ErrDisabled = errors.New("file transfer disabled")
	// ErrAudit indicates the audit API did not record an event.
	ErrAudit = errors.New("audit error")
)

// HTTPError describes a failed round trip against the storage or audit API.
type HTTPError struct {
	Kind    error // one of the sentinels
	Also    error // optional second sentinel, e.g. ErrPolicy on a presign rejection
	Op      string
	Status  int
	Code    string // machine readable code from the response envelope, if any
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%v: %s failed (%d): %s", e.Kind, e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%v: %s failed (%d)", e.Kind, e.Op, e.Status)
}

func (e *HTTPError) Unwrap() []error {
	if e.Also != nil {
		return []error{e.Kind, e.Also}
	}
	return []error{e.Kind}
}

// Wrap annotates err with kind unless it already carries it.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
