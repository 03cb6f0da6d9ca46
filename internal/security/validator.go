// Package security implements the file-security validator and per-source
// rate limiter: magic-byte MIME sniffing narrowed to the single
// application/pdf contract this system accepts, plus size bounds, a
// tamper scan and quarantine handling.
package security

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/config"
)

// suspiciousMarkers are byte sequences that should never appear in a
// well-formed PDF submission; their presence is treated as tampering
// rather than a benign parse failure.
var suspiciousMarkers = [][]byte{
	[]byte("<script"),
	[]byte("%!PS-Adobe"), // a PostScript file masquerading with a .pdf name
}

// Validator enforces the upload contract: real PDF magic bytes, a size
// window, an extension allowlist and a coarse tamper scan, quarantining
// anything it rejects instead of deleting it outright.
type Validator struct {
	cfg config.UploadConfig
}

// NewValidator builds a Validator from the upload configuration.
func NewValidator(cfg config.UploadConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Result is the outcome of validating one uploaded file.
type Result struct {
	MIMEType string
	SizeOK   bool
	Accepted bool
	Reason   string
}

// Validate checks path (already written to a temp location by the upload
// handler) against the full contract. On rejection, if quarantine is
// enabled, the file is moved to the quarantine directory instead of being
// left in place or deleted.
func (v *Validator) Validate(path, originalFilename string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, apierrors.Wrap(apierrors.KindInvalidInput, "cannot stat upload", err)
	}

	ext := strings.ToLower(filepath.Ext(originalFilename))
	if !v.extensionAllowed(ext) {
		return v.reject(path, fmt.Sprintf("extension %q not allowed", ext))
	}

	if info.Size() < v.cfg.MinBytes {
		return v.reject(path, fmt.Sprintf("file too small: %d bytes", info.Size()))
	}
	if info.Size() > v.cfg.MaxBytes {
		return v.reject(path, fmt.Sprintf("file too large: %d bytes", info.Size()))
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return Result{}, apierrors.Wrap(apierrors.KindInvalidInput, "mime detection failed", err)
	}
	if mtype.String() != "application/pdf" {
		return v.reject(path, fmt.Sprintf("magic bytes report %s, not application/pdf", mtype.String()))
	}

	if tampered, marker := v.scanForTampering(path); tampered {
		return v.reject(path, fmt.Sprintf("suspicious byte sequence found: %q", marker))
	}

	return Result{MIMEType: mtype.String(), SizeOK: true, Accepted: true}, nil
}

func (v *Validator) extensionAllowed(ext string) bool {
	for _, allowed := range v.cfg.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// scanForTampering reads the first 64 KiB of the file in one bounded read
// and checks it for byte markers that should never appear in a genuine
// PDF; bytes past that point are not scanned.
func (v *Validator) scanForTampering(path string) (bool, string) {
	f, err := os.Open(path)
	if err != nil {
		return false, ""
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	n, _ := f.Read(buf)
	buf = buf[:n]

	for _, marker := range suspiciousMarkers {
		if bytes.Contains(buf, marker) {
			return true, string(marker)
		}
	}
	return false, ""
}

func (v *Validator) reject(path, reason string) (Result, error) {
	log.Warn().Str("path", path).Str("reason", reason).Msg("upload rejected")

	if v.cfg.QuarantineEnabled {
		if err := v.quarantine(path); err != nil {
			log.Error().Err(err).Str("path", path).Msg("failed to quarantine rejected upload")
		}
	}
	return Result{Accepted: false, Reason: reason}, nil
}

func (v *Validator) quarantine(path string) error {
	if err := os.MkdirAll(v.cfg.QuarantineDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(v.cfg.QuarantineDir, filepath.Base(path))
	return os.Rename(path, dest)
}
