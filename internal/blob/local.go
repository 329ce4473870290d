package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrBadWriteToken is returned when a local write capability fails
// verification or has expired.
var ErrBadWriteToken = errors.New("blob: invalid or expired write token")

// stagingDir is where uncommitted parts live under the root directory.
const stagingDir = ".staging"

// LocalConfig holds the configuration for the local development backend.
type LocalConfig struct {
	// Root is the directory objects are stored under.
	Root string
	// BaseURL is the externally reachable prefix for write URLs,
	// typically the API server's own address (e.g. "http://localhost:8080").
	BaseURL string
	// SigningSecret signs write capabilities. Required.
	SigningSecret string
	// PartSizeBytes is the part size handed out by BeginMultipart.
	PartSizeBytes int64
	// URLExpiry is how long issued write URLs stay valid.
	URLExpiry time.Duration
}

// LocalBackend stores objects on local disk for development. It follows the
// block-composition model: BeginMultipart returns a synthetic upload id
// equal to the object key, parts are staged as named files, and Commit
// concatenates them in part-number order. Write URLs point back at the API
// server's dev blob endpoint and carry an HMAC token.
type LocalBackend struct {
	root      string
	baseURL   string
	secret    []byte
	partSize  int64
	urlExpiry time.Duration
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend creates a LocalBackend rooted at cfg.Root, creating the
// directory if needed.
func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "upload-api")
	}
	if cfg.SigningSecret == "" {
		return nil, errors.New("blob: local signing secret is required")
	}
	if cfg.PartSizeBytes <= 0 {
		cfg.PartSizeBytes = 5 << 20
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 15 * time.Minute
	}
	if err := os.MkdirAll(cfg.Root, 0750); err != nil {
		return nil, fmt.Errorf("blob: create root directory: %w", err)
	}
	return &LocalBackend{
		root:      cfg.Root,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secret:    []byte(cfg.SigningSecret),
		partSize:  cfg.PartSizeBytes,
		urlExpiry: cfg.URLExpiry,
	}, nil
}

// Provider implements Backend.
func (b *LocalBackend) Provider() string { return "local" }

// Bucket implements Backend. The root directory stands in for a bucket.
func (b *LocalBackend) Bucket() string { return b.root }

// Probe implements Backend. The etag is derived from size and mtime, which
// is stable between writes and cheap to compute.
func (b *LocalBackend) Probe(_ context.Context, key string) (ObjectInfo, error) {
	path, err := b.objectPath(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return ObjectInfo{}, &StorageError{Op: "probe", Key: key, Err: err}
	}
	return ObjectInfo{
		Key:          key,
		SizeBytes:    fi.Size(),
		ETag:         localETag(fi.Size(), fi.ModTime()),
		LastModified: fi.ModTime(),
	}, nil
}

// BeginSingleWrite implements Backend.
func (b *LocalBackend) BeginSingleWrite(_ context.Context, key, _ string, _ int64) (Initiation, error) {
	expiry := time.Now().Add(b.urlExpiry)
	return Initiation{
		Strategy:     StrategySingleWrite,
		WriteURL:     b.writeURL(key, 0, expiry),
		URLExpiresAt: expiry,
	}, nil
}

// BeginMultipart implements Backend. No backend call is needed to open the
// upload; the synthetic upload id is the object key itself.
func (b *LocalBackend) BeginMultipart(_ context.Context, key, _ string, totalSizeBytes int64) (Initiation, error) {
	partSize, totalParts := PartLayout(totalSizeBytes, b.partSize, 0)
	return Initiation{
		Strategy:      StrategyMultipart,
		UploadID:      key,
		PartSizeBytes: partSize,
		TotalParts:    totalParts,
	}, nil
}

// PartWriteURL implements Backend.
func (b *LocalBackend) PartWriteURL(_ context.Context, key, _ string, partNumber int) (string, error) {
	expiry := time.Now().Add(b.urlExpiry)
	return b.writeURL(key, partNumber, expiry), nil
}

// Commit implements Backend. Parts are concatenated in part-number order;
// caller-supplied etags are ignored, matching the block-composition model.
func (b *LocalBackend) Commit(_ context.Context, key, _ string, parts []CompletedPart) (string, error) {
	path, err := b.objectPath(key)
	if err != nil {
		return "", err
	}
	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", &StorageError{Op: "commit", Key: key, Err: err}
	}
	dst, err := os.Create(path) // #nosec G304 - path is derived from a validated key
	if err != nil {
		return "", &StorageError{Op: "commit", Key: key, Err: err}
	}
	for _, p := range sorted {
		src, err := os.Open(b.partPath(key, p.PartNumber)) // #nosec G304
		if err != nil {
			_ = dst.Close()
			_ = os.Remove(path)
			if os.IsNotExist(err) {
				return "", fmt.Errorf("%w: part %d of %s", ErrNotFound, p.PartNumber, key)
			}
			return "", &StorageError{Op: "commit", Key: key, Err: err}
		}
		_, err = io.Copy(dst, src)
		_ = src.Close()
		if err != nil {
			_ = dst.Close()
			_ = os.Remove(path)
			return "", &StorageError{Op: "commit", Key: key, Err: err}
		}
	}
	if err := dst.Close(); err != nil {
		return "", &StorageError{Op: "commit", Key: key, Err: err}
	}
	_ = os.RemoveAll(b.stagingPath(key))

	fi, err := os.Stat(path)
	if err != nil {
		return "", &StorageError{Op: "commit", Key: key, Err: err}
	}
	return localETag(fi.Size(), fi.ModTime()), nil
}

// Abort implements Backend. It drops staged parts and the target object.
func (b *LocalBackend) Abort(_ context.Context, key, _ string) error {
	path, err := b.objectPath(key)
	if err != nil {
		return err
	}
	_ = os.RemoveAll(b.stagingPath(key))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &StorageError{Op: "abort", Key: key, Err: err}
	}
	return nil
}

// Delete implements Backend.
func (b *LocalBackend) Delete(_ context.Context, key string) error {
	path, err := b.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// OpenRead implements Backend.
func (b *LocalBackend) OpenRead(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := b.objectPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) // #nosec G304 - path is derived from a validated key
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, &StorageError{Op: "open", Key: key, Err: err}
	}
	return f, nil
}

// WriteWhole implements Backend.
func (b *LocalBackend) WriteWhole(_ context.Context, key string, data io.Reader, _ string) error {
	path, err := b.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	f, err := os.Create(path) // #nosec G304 - path is derived from a validated key
	if err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// StagePart stores the content of one part. partNumber 0 means the whole
// object. Called by the dev blob endpoint after token verification.
func (b *LocalBackend) StagePart(_ context.Context, key string, partNumber int, data io.Reader) error {
	if partNumber == 0 {
		return b.WriteWhole(context.Background(), key, data, "")
	}
	path := b.partPath(key, partNumber)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return &StorageError{Op: "stage", Key: key, Err: err}
	}
	f, err := os.Create(path) // #nosec G304 - path is derived from a validated key
	if err != nil {
		return &StorageError{Op: "stage", Key: key, Err: err}
	}
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return &StorageError{Op: "stage", Key: key, Err: err}
	}
	if err := f.Close(); err != nil {
		return &StorageError{Op: "stage", Key: key, Err: err}
	}
	return nil
}

// VerifyWriteToken checks the token carried by a local write URL.
func (b *LocalBackend) VerifyWriteToken(key string, partNumber int, expiresUnix int64, token string) error {
	if time.Now().Unix() > expiresUnix {
		return ErrBadWriteToken
	}
	want := b.signToken(key, partNumber, expiresUnix)
	got, err := hex.DecodeString(token)
	if err != nil || !hmac.Equal(got, want) {
		return ErrBadWriteToken
	}
	return nil
}

func (b *LocalBackend) writeURL(key string, partNumber int, expiry time.Time) string {
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expiry.Unix(), 10))
	q.Set("token", hex.EncodeToString(b.signToken(key, partNumber, expiry.Unix())))
	if partNumber > 0 {
		q.Set("partNumber", strconv.Itoa(partNumber))
		q.Set("blockid", BlockID(partNumber))
	}
	return fmt.Sprintf("%s/blobs/%s?%s", b.baseURL, key, q.Encode())
}

func (b *LocalBackend) signToken(key string, partNumber int, expiresUnix int64) []byte {
	mac := hmac.New(sha256.New, b.secret)
	fmt.Fprintf(mac, "%s|%d|%d", key, partNumber, expiresUnix)
	return mac.Sum(nil)
}

func (b *LocalBackend) objectPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *LocalBackend) stagingPath(key string) string {
	return filepath.Join(b.root, stagingDir, filepath.FromSlash(key))
}

func (b *LocalBackend) partPath(key string, partNumber int) string {
	return filepath.Join(b.stagingPath(key), fmt.Sprintf("part-%06d", partNumber))
}

func localETag(size int64, mtime time.Time) string {
	return fmt.Sprintf("%x-%x", size, mtime.UnixNano())
}
