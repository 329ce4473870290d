package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// AzureConfig holds the configuration for the Azure block blob backend.
type AzureConfig struct {
	AccountName string
	AccountKey  string
	Container   string
	// Endpoint overrides the service URL, e.g. for Azurite. Defaults to
	// https://<account>.blob.core.windows.net.
	Endpoint string
	// PartSizeBytes is the block size handed out by BeginMultipart.
	PartSizeBytes int64
	// URLExpiry is how long SAS write URLs stay valid.
	URLExpiry time.Duration
}

// AzureBackend implements Backend on top of Azure block blobs, which have
// no native multipart protocol. BeginMultipart returns a synthetic upload
// id equal to the object key; part URLs are SAS write URLs with
// comp=block&blockid=<base64> appended; Commit calls PutBlockList with the
// block ids re-derived from the part numbers.
type AzureBackend struct {
	client    *azblob.Client
	cred      *azblob.SharedKeyCredential
	container string
	partSize  int64
	urlExpiry time.Duration
}

var _ Backend = (*AzureBackend)(nil)

// NewAzureBackend creates a new AzureBackend.
func NewAzureBackend(cfg AzureConfig) (*AzureBackend, error) {
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("blob: azure credential: %w", err)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("blob: azure client: %w", err)
	}
	partSize := cfg.PartSizeBytes
	if partSize <= 0 {
		partSize = 5 << 20
	}
	urlExpiry := cfg.URLExpiry
	if urlExpiry <= 0 {
		urlExpiry = 15 * time.Minute
	}
	return &AzureBackend{
		client:    client,
		cred:      cred,
		container: cfg.Container,
		partSize:  partSize,
		urlExpiry: urlExpiry,
	}, nil
}

// Provider implements Backend.
func (b *AzureBackend) Provider() string { return "azure" }

// Bucket implements Backend.
func (b *AzureBackend) Bucket() string { return b.container }

// Probe implements Backend.
func (b *AzureBackend) Probe(ctx context.Context, key string) (ObjectInfo, error) {
	props, err := b.blobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return ObjectInfo{}, b.wrapErr("probe", key, err)
	}
	info := ObjectInfo{Key: key}
	if props.ContentLength != nil {
		info.SizeBytes = *props.ContentLength
	}
	if props.ETag != nil {
		info.ETag = string(*props.ETag)
	}
	if props.LastModified != nil {
		info.LastModified = *props.LastModified
	}
	return info, nil
}

// BeginSingleWrite implements Backend using a SAS write URL for the blob.
// Put Blob refuses requests without x-ms-blob-type, so the header rides
// along for the writer to apply.
func (b *AzureBackend) BeginSingleWrite(_ context.Context, key, _ string, _ int64) (Initiation, error) {
	expiry := time.Now().Add(b.urlExpiry)
	u, err := b.sasURL(key, expiry)
	if err != nil {
		return Initiation{}, err
	}
	return Initiation{
		Strategy:     StrategySingleWrite,
		WriteURL:     u,
		WriteHeaders: map[string]string{"x-ms-blob-type": "BlockBlob"},
		URLExpiresAt: expiry,
	}, nil
}

// BeginMultipart implements Backend. Block blobs need no server-side
// initiation, so the synthetic upload id is the object key itself.
func (b *AzureBackend) BeginMultipart(_ context.Context, key, _ string, totalSizeBytes int64) (Initiation, error) {
	partSize, totalParts := PartLayout(totalSizeBytes, b.partSize, 0)
	return Initiation{
		Strategy:      StrategyMultipart,
		UploadID:      key,
		PartSizeBytes: partSize,
		TotalParts:    totalParts,
	}, nil
}

// PartWriteURL implements Backend. The block id is derived from the part
// number alone, so retried writes of the same part land on the same block.
func (b *AzureBackend) PartWriteURL(_ context.Context, key, _ string, partNumber int) (string, error) {
	expiry := time.Now().Add(b.urlExpiry)
	u, err := b.sasURL(key, expiry)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s&comp=block&blockid=%s", u, url.QueryEscape(BlockID(partNumber))), nil
}

// Commit implements Backend via PutBlockList. Block ids are re-derived
// from part numbers sorted ascending; caller-supplied etags are ignored.
func (b *AzureBackend) Commit(ctx context.Context, key, _ string, parts []CompletedPart) (string, error) {
	sorted := make([]CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	ids := make([]string, len(sorted))
	for i, p := range sorted {
		ids[i] = BlockID(p.PartNumber)
	}

	resp, err := b.blobClient(key).CommitBlockList(ctx, ids, nil)
	if err != nil {
		return "", b.wrapErr("commit", key, err)
	}
	etag := ""
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return etag, nil
}

// Abort implements Backend. Uncommitted blocks have no abort primitive;
// deleting the target blob is the closest equivalent and is best-effort.
// Blocks that were staged but never committed age out on the service side.
func (b *AzureBackend) Abort(ctx context.Context, key, _ string) error {
	_, err := b.blobClient(key).Delete(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return b.wrapErr("abort", key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *AzureBackend) Delete(ctx context.Context, key string) error {
	_, err := b.blobClient(key).Delete(ctx, nil)
	if err != nil {
		return b.wrapErr("delete", key, err)
	}
	return nil
}

// OpenRead implements Backend.
func (b *AzureBackend) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, key, nil)
	if err != nil {
		return nil, b.wrapErr("open", key, err)
	}
	return resp.Body, nil
}

// WriteWhole implements Backend.
func (b *AzureBackend) WriteWhole(ctx context.Context, key string, data io.Reader, _ string) error {
	_, err := b.client.UploadStream(ctx, b.container, key, data, nil)
	if err != nil {
		return b.wrapErr("write", key, err)
	}
	return nil
}

func (b *AzureBackend) blobClient(key string) *blockblob.Client {
	return b.client.ServiceClient().NewContainerClient(b.container).NewBlockBlobClient(key)
}

// sasURL builds a SAS write URL for the blob valid until expiry.
func (b *AzureBackend) sasURL(key string, expiry time.Time) (string, error) {
	perms := sas.BlobPermissions{Create: true, Write: true}
	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPSandHTTP,
		StartTime:     time.Now().Add(-5 * time.Minute),
		ExpiryTime:    expiry,
		Permissions:   perms.String(),
		ContainerName: b.container,
		BlobName:      key,
	}
	qp, err := values.SignWithSharedKey(b.cred)
	if err != nil {
		return "", &StorageError{Op: "sign", Key: key, Err: err}
	}
	return fmt.Sprintf("%s?%s", b.blobClient(key).URL(), qp.Encode()), nil
}

// wrapErr maps Azure not-found conditions to ErrNotFound and wraps
// everything else in a StorageError carrying the service error code.
func (b *AzureBackend) wrapErr(op, key string, err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	code := ""
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		code = respErr.ErrorCode
	}
	return &StorageError{Op: op, Key: key, Code: code, Err: err}
}
