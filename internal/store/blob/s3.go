// Package blob stores original PDF bytes in S3. Objects are written only
// by this system, so a single encryption format is enough: the GCM3NCR0
// layout (AES-256-GCM with a PBKDF2-derived key), applied optionally
// behind a configured passphrase.
package blob

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"

	"github.com/scholarly/ingestd/internal/apierrors"
	"github.com/scholarly/ingestd/internal/config"
)

const magicGCM = "GCM3NCR0"

// Store wraps an S3 client for the original-PDF and quarantine object paths.
type Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	bucket     string
	passphrase string
}

// Open builds a Store from the default AWS credential chain, or from the
// static credentials in storageCfg when an S3-compatible endpoint (MinIO
// and friends) is configured. passphrase may be empty, in which case
// objects are stored unencrypted.
func Open(ctx context.Context, storageCfg config.StorageConfig, passphrase string) (*Store, error) {
	var loadOpts []func(*awscfg.LoadOptions) error
	if storageCfg.S3AccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(storageCfg.S3AccessKey, storageCfg.S3SecretKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "load AWS config", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if storageCfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(storageCfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		bucket:     storageCfg.S3Bucket,
		passphrase: passphrase,
	}, nil
}

func pdfKey(docID string) string       { return fmt.Sprintf("pdfs/%s.pdf", docID) }
func quarantineKey(name string) string { return fmt.Sprintf("quarantine/%s", name) }
func previewKey(docID string) string   { return fmt.Sprintf("images/%s_p1.png", docID) }

// PutPDF uploads a paper's original bytes under pdfs/{doc_id}.pdf.
func (s *Store) PutPDF(ctx context.Context, docID string, data []byte) error {
	return s.put(ctx, pdfKey(docID), data)
}

// GetPDF downloads and decrypts a paper's original bytes.
func (s *Store) GetPDF(ctx context.Context, docID string) ([]byte, error) {
	return s.get(ctx, pdfKey(docID))
}

// PutPreview uploads a paper's rendered first-page PNG under
// images/{doc_id}_p1.png.
func (s *Store) PutPreview(ctx context.Context, docID string, png []byte) error {
	return s.put(ctx, previewKey(docID), png)
}

// GetPreview downloads a paper's rendered first-page PNG.
func (s *Store) GetPreview(ctx context.Context, docID string) ([]byte, error) {
	return s.get(ctx, previewKey(docID))
}

// PutQuarantine uploads a rejected upload for later manual review.
func (s *Store) PutQuarantine(ctx context.Context, name string, data []byte) error {
	return s.put(ctx, quarantineKey(name), data)
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	payload := data
	if s.passphrase != "" {
		encrypted, err := s.encrypt(data)
		if err != nil {
			return apierrors.Wrap(apierrors.KindInternal, "encrypt blob", err)
		}
		payload = encrypted
	}

	// Uploads go through the transfer manager: PDFs can run to the 100 MB
	// upload cap and the manager splits anything past its part size into
	// concurrent multipart uploads.
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return apierrors.Wrap(apierrors.KindTransientTransport, "upload blob to S3", err)
	}
	log.Info().Str("key", key).Int("size", len(payload)).Msg("blob uploaded")
	return nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindTransientTransport, "download blob from S3", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindTransientTransport, "read S3 object body", err)
	}

	if s.passphrase == "" {
		return data, nil
	}
	plaintext, err := s.decrypt(data)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindDataIntegrity, "decrypt blob", err)
	}
	return plaintext, nil
}

// encrypt implements the GCM3NCR0 format: magic(8) + salt(16) + nonce(12) + ciphertext+tag.
func (s *Store) encrypt(data []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(s.passphrase), salt, 100000, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, data, nil)

	out := make([]byte, 0, 8+len(salt)+len(nonce)+len(ciphertext))
	out = append(out, []byte(magicGCM)...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func (s *Store) decrypt(encrypted []byte) ([]byte, error) {
	if len(encrypted) < 8+16+12 {
		return nil, fmt.Errorf("encrypted blob too short: %d bytes", len(encrypted))
	}
	if string(encrypted[:8]) != magicGCM {
		return nil, fmt.Errorf("unrecognized encryption magic %q", encrypted[:8])
	}

	salt := encrypted[8:24]
	nonce := encrypted[24:36]
	ciphertext := encrypted[36:]

	key := pbkdf2.Key([]byte(s.passphrase), salt, 100000, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}
	return plaintext, nil
}
