// Package fallback sends files that are too large for the live transports
// through short-lived object storage. The payload goes to a presigned URL,
// and only a pointer to it travels over the messaging channel.
package fallback

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/callfiles/internal/clienthttp"
	"github.com/sheerbytes/callfiles/internal/msgchan"
	"github.com/sheerbytes/callfiles/internal/transfer"
	"github.com/sheerbytes/callfiles/internal/xferr"
)

// DefaultAllowedTypes is the MIME allowlist for storage uploads.
var DefaultAllowedTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/png",
	"image/webp",
	"text/plain",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

const maxDownloadBytes = 1 << 30

// Config configures a Path.
type Config struct {
	API     *clienthttp.Client
	Channel msgchan.Channel
	// Storage performs the presigned PUT and GET. Nil uses a client with a generous timeout.
	Storage *http.Client

	Enabled      bool
	Encrypt      bool
	MaxBytes     uint64
	AllowedTypes []string

	Logger *slog.Logger
	Now    func() time.Time
}

// Path is the storage fallback.
type Path struct {
	cfg     Config
	allowed map[string]bool
	logger  *slog.Logger
}

// New creates a Path.
func New(cfg Config) *Path {
	if cfg.Storage == nil {
		cfg.Storage = &http.Client{Timeout: 10 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AllowedTypes == nil {
		cfg.AllowedTypes = DefaultAllowedTypes
	}
	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Path{cfg: cfg, allowed: allowed, logger: cfg.Logger.With("component", "fallback")}
}

// Enabled reports whether the fallback is switched on locally.
func (p *Path) Enabled() bool { return p.cfg.Enabled && p.cfg.API != nil }

// MaxBytes returns the fallback size limit.
func (p *Path) MaxBytes() uint64 { return p.cfg.MaxBytes }

type healthResponse struct {
	BigFilesEnabled bool `json:"bigFilesEnabled"`
}

// Available asks the storage API whether large files are accepted right now.
func (p *Path) Available(ctx context.Context) (bool, error) {
	if !p.Enabled() {
		return false, nil
	}
	var health healthResponse
	err := p.cfg.API.Do(ctx, clienthttp.Request{
		Method: http.MethodGet,
		Path:   "/files/health",
		Kind:   xferr.ErrPresign,
		Op:     "health",
	}, &health)
	if err != nil {
		return false, err
	}
	return health.BigFilesEnabled, nil
}

// CheckPolicy validates size and type and returns the normalized MIME type.
// An undeclared type is sniffed from the content.
func (p *Path) CheckPolicy(file transfer.File) (string, error) {
	size := uint64(len(file.Data))
	if p.cfg.MaxBytes > 0 && size > p.cfg.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds the %d byte storage limit", xferr.ErrPolicy, size, p.cfg.MaxBytes)
	}
	mt := file.MimeType
	if mt == "" {
		mt = mimetype.Detect(file.Data).String()
	}
	mt = normalizeMIME(mt)
	if !p.allowed[mt] {
		return "", fmt.Errorf("%w: type %q is not allowed", xferr.ErrPolicy, mt)
	}
	return mt, nil
}

func normalizeMIME(s string) string {
	base, _, _ := strings.Cut(s, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

type presignUploadRequest struct {
	SessionID        string `json:"sessionId"`
	OriginalFileName string `json:"originalFileName"`
	Size             uint64 `json:"size"`
	ContentType      string `json:"contentType"`
	SHA256           string `json:"sha256"`
}

type presignUploadResponse struct {
	PutURL      string `json:"putUrl"`
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
	ExpiresAt   string `json:"expiresAt"`
}

type presignDownloadResponse struct {
	GetURL    string `json:"getUrl"`
	ExpiresAt string `json:"expiresAt"`
}

// Send uploads file and announces it to the participant to (or protocol.Broadcast).
func (p *Path) Send(ctx context.Context, file transfer.File, to string) (Record, error) {
	if !p.Enabled() {
		return Record{}, fmt.Errorf("%w: storage fallback", xferr.ErrDisabled)
	}
	mt, err := p.CheckPolicy(file)
	if err != nil {
		return Record{}, err
	}

	var secret []byte
	if p.cfg.Encrypt {
		if secret, err = NewSecret(); err != nil {
			return Record{}, err
		}
	}

	var (
		digest  string
		body    []byte
		bodyMD5 string
	)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		digest = transfer.Digest(file.Data)
		return nil
	})
	g.Go(func() error {
		body = file.Data
		if secret != nil {
			sealed, err := Seal(secret, file.Data)
			if err != nil {
				return err
			}
			body = sealed
		}
		sum := md5.Sum(body)
		bodyMD5 = base64.StdEncoding.EncodeToString(sum[:])
		return nil
	})
	if err := g.Wait(); err != nil {
		return Record{}, err
	}

	call := p.cfg.API.Call()
	var up presignUploadResponse
	err = p.cfg.API.Do(ctx, clienthttp.Request{
		Method: http.MethodPost,
		Path:   "/files/presign/upload",
		Body: presignUploadRequest{
			SessionID:        call.SessionID(),
			OriginalFileName: file.Name,
			Size:             uint64(len(body)),
			ContentType:      mt,
			SHA256:           digest,
		},
		Header: http.Header{"X-File-Content-Md5": {bodyMD5}},
		Kind:   xferr.ErrPresign,
		Op:     "presign upload",
	}, &up)
	if err != nil {
		return Record{}, policyOrPresign(err)
	}
	if up.PutURL == "" || up.Key == "" {
		return Record{}, &xferr.HTTPError{Kind: xferr.ErrPresign, Op: "presign upload", Status: http.StatusOK, Message: "response without putUrl or key"}
	}

	if err := p.put(ctx, up.PutURL, mt, bodyMD5, body); err != nil {
		return Record{}, err
	}

	var down presignDownloadResponse
	err = p.cfg.API.Do(ctx, clienthttp.Request{
		Method: http.MethodGet,
		Path:   "/files/presign/download",
		Query: url.Values{
			"sessionId": {call.SessionID()},
			"key":       {up.Key},
			"name":      {up.DisplayName},
		},
		Kind: xferr.ErrPresign,
		Op:   "presign download",
	}, &down)
	if err != nil {
		return Record{}, err
	}
	if down.GetURL == "" {
		return Record{}, &xferr.HTTPError{Kind: xferr.ErrPresign, Op: "presign download", Status: http.StatusOK, Message: "response without getUrl"}
	}

	rec := Record{
		Key:         up.Key,
		DisplayName: up.DisplayName,
		Size:        uint64(len(file.Data)),
		Digest:      digest,
		URL:         down.GetURL,
		MimeType:    mt,
		Secret:      secret,
		SenderID:    call.LocalID(),
		CreatedAt:   p.cfg.Now(),
	}
	if rec.DisplayName == "" {
		rec.DisplayName = file.Name
	}
	expires := down.ExpiresAt
	if expires == "" {
		expires = up.ExpiresAt
	}
	if expires != "" {
		if t, err := time.Parse(time.RFC3339, expires); err == nil {
			rec.ExpiresAt = t
		}
	}

	if err := p.cfg.Channel.Send(ctx, to, rec.Message()); err != nil {
		return rec, xferr.Wrap(xferr.ErrTransport, err)
	}
	p.logger.Info("file shared through storage", "key", rec.Key, "size", rec.Size, "encrypted", secret != nil)
	return rec, nil
}

func policyOrPresign(err error) error {
	var httpErr *xferr.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	if httpErr.Status == http.StatusRequestEntityTooLarge || httpErr.Status == http.StatusUnprocessableEntity || httpErr.Code == "policy" {
		mapped := *httpErr
		mapped.Also = xferr.ErrPolicy
		return &mapped
	}
	return err
}

func (p *Path) put(ctx context.Context, putURL, contentType, contentMD5 string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", xferr.ErrUpload, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-MD5", contentMD5)
	req.Header.Set("x-amz-server-side-encryption", "aws:kms")

	resp, err := p.cfg.Storage.Do(req)
	if err != nil {
		return xferr.Wrap(xferr.ErrUpload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &xferr.HTTPError{Kind: xferr.ErrUpload, Op: "upload", Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return nil
}

type deleteRequest struct {
	SessionID string `json:"sessionId"`
	Key       string `json:"key"`
}

// DeleteEarly removes an uploaded object before it expires.
func (p *Path) DeleteEarly(ctx context.Context, key string) error {
	if !p.Enabled() {
		return fmt.Errorf("%w: storage fallback", xferr.ErrDisabled)
	}
	return p.cfg.API.Do(ctx, clienthttp.Request{
		Method: http.MethodDelete,
		Path:   "/files",
		Body:   deleteRequest{SessionID: p.cfg.API.Call().SessionID(), Key: key},
		Kind:   xferr.ErrPresign,
		Op:     "delete",
	}, nil)
}

// Download fetches, decrypts and verifies the object rec points at.
func (p *Path) Download(ctx context.Context, rec Record) ([]byte, error) {
	if rec.Expired(p.cfg.Now()) {
		return nil, fmt.Errorf("%w: link for %s expired at %s", xferr.ErrDownload, rec.Key, rec.ExpiresAt.Format(time.RFC3339))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", xferr.ErrDownload, err)
	}
	resp, err := p.cfg.Storage.Do(req)
	if err != nil {
		return nil, xferr.Wrap(xferr.ErrDownload, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &xferr.HTTPError{Kind: xferr.ErrDownload, Op: "download", Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, xferr.Wrap(xferr.ErrDownload, err)
	}

	if rec.Secret != nil {
		if data, err = Open(rec.Secret, data); err != nil {
			return nil, err
		}
	}
	if got := transfer.Digest(data); !strings.EqualFold(got, rec.Digest) {
		return nil, fmt.Errorf("%w: digest mismatch for %s", xferr.ErrIntegrity, rec.Key)
	}
	return data, nil
}
