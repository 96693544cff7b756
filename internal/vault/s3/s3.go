// Package s3 implements the vault.Provider interface over any
// S3-compatible endpoint, including the resumable multipart upload
// protocol used for objects larger than 5 MiB.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/anchorbackup/anchor-agent/internal/circuit"
	"github.com/anchorbackup/anchor-agent/internal/vault"
	"github.com/anchorbackup/anchor-agent/pkg/anchorerr"
	"github.com/anchorbackup/anchor-agent/pkg/retry"
	"github.com/anchorbackup/anchor-agent/pkg/types"
)

const (
	minMultipartSize   = 5 * 1024 * 1024
	maxParts           = 10_000
	singleCopyLimit    = 5 * 1024 * 1024 * 1024
	multipartCopyChunk = 100 * 1024 * 1024
	orphanSweepAge     = 24 * time.Hour
)

// UploadTracker is the subset of the ledger's upload bookkeeping the S3
// provider needs. *ledger.Ledger satisfies this.
type UploadTracker interface {
	PutUpload(key, uploadID string) error
	GetUpload(key string) (types.UploadEntry, bool, error)
	RemoveUpload(key string) error
	GetAllActiveUploads() ([]types.UploadEntry, error)
}

// Config describes how to reach an S3-compatible endpoint.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Provider is an S3-backed vault.Provider.
type Provider struct {
	client  *s3.Client
	bucket  string
	tracker UploadTracker
	breaker *circuit.Breaker
	retryer *retry.Retryer
	logger  *slog.Logger
}

var _ vault.Provider = (*Provider)(nil)

// New constructs a Provider and sweeps multipart uploads older than 24
// hours left over from a previous process.
func New(ctx context.Context, cfg Config, tracker UploadTracker, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, anchorerr.New(anchorerr.ProviderError, "load aws config").
			WithComponent("vault/s3").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	p := &Provider{
		client:  client,
		bucket:  cfg.Bucket,
		tracker: tracker,
		logger:  logger.With("component", "vault/s3"),
		breaker: circuit.New(circuit.Config{
			Timeout:  30 * time.Second,
			Interval: 60 * time.Second,
		}),
		retryer: retry.New(retry.DefaultConfig()),
	}

	if err := p.sweepOrphanUploads(ctx); err != nil {
		p.logger.Warn("orphan multipart sweep failed", "error", err)
	}

	return p, nil
}

func (p *Provider) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return p.retryer.Do(ctx, func(ctx context.Context) error {
		return p.breaker.ExecuteWithContext(ctx, fn)
	})
}

func (p *Provider) sweepOrphanUploads(ctx context.Context) error {
	out, err := p.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{Bucket: aws.String(p.bucket)})
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-orphanSweepAge)
	for _, u := range out.Uploads {
		if u.Initiated != nil && u.Initiated.Before(cutoff) {
			_, _ = p.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(p.bucket),
				Key:      u.Key,
				UploadId: u.UploadId,
			})
			p.logger.Info("aborted orphaned multipart upload", "key", aws.ToString(u.Key), "upload_id", aws.ToString(u.UploadId))
		}
	}
	return nil
}

// LoadIdentity fetches the identity document, trying the canonical and
// legacy dotfile key names.
func (p *Provider) LoadIdentity(ctx context.Context) (*types.Identity, error) {
	for _, key := range []string{vault.IdentityObjectKey, vault.LegacyIdentityObjectKey} {
		var body []byte
		err := p.call(ctx, "get_identity", func(ctx context.Context) error {
			out, err := p.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)})
			if err != nil {
				return err
			}
			defer out.Body.Close()
			body, err = io.ReadAll(out.Body)
			return err
		})
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, translateError("get_identity", key, err)
		}
		var id types.Identity
		if err := json.Unmarshal(body, &id); err != nil {
			return nil, anchorerr.New(anchorerr.ProviderError, "parse identity").WithComponent("vault/s3").WithCause(err)
		}
		return &id, nil
	}
	return nil, nil
}

// SaveIdentity writes the identity document under the canonical key.
func (p *Provider) SaveIdentity(ctx context.Context, identity *types.Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return anchorerr.New(anchorerr.ProviderError, "marshal identity").WithComponent("vault/s3").WithCause(err)
	}
	return p.call(ctx, "save_identity", func(ctx context.Context) error {
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(vault.IdentityObjectKey),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

// SaveFile chooses PutObject for sources of 5 MiB or less and the
// resumable multipart protocol for anything larger.
func (p *Provider) SaveFile(ctx context.Context, localSource, key string, metadata map[string]string, cancel vault.CancelCheck) error {
	info, err := os.Stat(localSource)
	if err != nil {
		return anchorerr.New(anchorerr.ProviderError, "stat source").WithComponent("vault/s3").WithOperation("save_file").WithCause(err)
	}

	if info.Size() <= minMultipartSize {
		return p.putSimple(ctx, localSource, key, info.Size(), metadata)
	}
	return p.uploadMultipart(ctx, localSource, key, info.Size(), metadata, cancel)
}

func (p *Provider) putSimple(ctx context.Context, localSource, key string, size int64, metadata map[string]string) error {
	data, err := os.ReadFile(localSource)
	if err != nil {
		return anchorerr.New(anchorerr.ProviderError, "read source").WithComponent("vault/s3").WithOperation("save_file").WithCause(err)
	}
	err = p.call(ctx, "put_object", func(ctx context.Context) error {
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(p.bucket),
			Key:      aws.String(key),
			Body:     bytes.NewReader(data),
			Metadata: cloneMetadata(metadata),
		})
		return err
	})
	if err != nil {
		return translateError("save_file", key, err)
	}
	return nil
}

// cloneMetadata copies metadata into a fresh map before handing it to the
// AWS SDK, which may retain the caller's map across retries. The SDK
// applies its own "x-amz-meta-" wire prefix on PutObject and
// CreateMultipartUpload and
// strips it on HeadObject/GetObject; this provider adds no prefix of its
// own, so the key a caller passes in is the key it gets back.
func cloneMetadata(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

func partSizeFor(fileSize int64) int64 {
	part := int64(minMultipartSize)
	computed := (fileSize + maxParts - 1) / maxParts
	if computed > part {
		part = computed
	}
	return part
}

func (p *Provider) uploadMultipart(ctx context.Context, localSource, key string, fileSize int64, metadata map[string]string, cancel vault.CancelCheck) error {
	partSize := partSizeFor(fileSize)
	totalParts := int((fileSize + partSize - 1) / partSize)
	if totalParts == 0 {
		totalParts = 1
	}

	uploadID, err := p.resolveUploadID(ctx, key, metadata)
	if err != nil {
		return err
	}

	completed, err := p.listCompletedParts(ctx, key, uploadID)
	if err != nil {
		if isNoSuchUpload(err) {
			if rmErr := p.tracker.RemoveUpload(key); rmErr != nil {
				p.logger.Warn("failed to drop stale upload id", "key", key, "error", rmErr)
			}
			uploadID, err = p.resolveUploadID(ctx, key, metadata)
			if err != nil {
				return err
			}
			completed, err = p.listCompletedParts(ctx, key, uploadID)
		}
		if err != nil {
			return translateError("list_parts", key, err)
		}
	}

	src, err := os.Open(localSource)
	if err != nil {
		return anchorerr.New(anchorerr.ProviderError, "open source for multipart upload").
			WithComponent("vault/s3").WithOperation("save_file").WithCause(err)
	}
	defer src.Close()

	parts := completed
	for partNumber := 1; partNumber <= totalParts; partNumber++ {
		if cancel != nil && cancel() {
			return p.abortForCancellation(ctx, key, uploadID)
		}
		if _, done := parts[partNumber]; done {
			continue
		}

		offset := int64(partNumber-1) * partSize
		buf := make([]byte, partSize)
		n, readErr := src.ReadAt(buf, offset)
		if n == 0 && readErr != nil && !errors.Is(readErr, io.EOF) {
			return p.handleMultipartFailure(ctx, key, uploadID, localSource,
				anchorerr.New(anchorerr.ProviderError, "read source chunk").WithComponent("vault/s3").WithCause(readErr))
		}
		if n == 0 {
			break
		}

		var etag string
		err := p.call(ctx, "upload_part", func(ctx context.Context) error {
			out, err := p.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(p.bucket),
				Key:        aws.String(key),
				UploadId:   aws.String(uploadID),
				PartNumber: aws.Int32(int32(partNumber)),
				Body:       bytes.NewReader(buf[:n]),
			})
			if err != nil {
				return err
			}
			etag = aws.ToString(out.ETag)
			return nil
		})
		if err != nil {
			return p.handleMultipartFailure(ctx, key, uploadID, localSource, translateError("upload_part", key, err))
		}
		parts[partNumber] = etag
	}

	sortedParts := make([]s3types.CompletedPart, 0, len(parts))
	for num, etag := range parts {
		sortedParts = append(sortedParts, s3types.CompletedPart{PartNumber: aws.Int32(int32(num)), ETag: aws.String(etag)})
	}
	sort.Slice(sortedParts, func(i, j int) bool { return aws.ToInt32(sortedParts[i].PartNumber) < aws.ToInt32(sortedParts[j].PartNumber) })

	err = p.call(ctx, "complete_multipart_upload", func(ctx context.Context) error {
		_, err := p.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(p.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &s3types.CompletedMultipartUpload{Parts: sortedParts},
		})
		return err
	})
	if err != nil {
		return p.handleMultipartFailure(ctx, key, uploadID, localSource, translateError("complete_multipart_upload", key, err))
	}

	return p.tracker.RemoveUpload(key)
}

func (p *Provider) resolveUploadID(ctx context.Context, key string, metadata map[string]string) (string, error) {
	entry, found, err := p.tracker.GetUpload(key)
	if err != nil {
		return "", err
	}
	if found {
		return entry.UploadID, nil
	}

	var uploadID string
	err = p.call(ctx, "create_multipart_upload", func(ctx context.Context) error {
		out, err := p.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:   aws.String(p.bucket),
			Key:      aws.String(key),
			Metadata: cloneMetadata(metadata),
		})
		if err != nil {
			return err
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	})
	if err != nil {
		return "", translateError("create_multipart_upload", key, err)
	}
	if err := p.tracker.PutUpload(key, uploadID); err != nil {
		return "", err
	}
	return uploadID, nil
}

func (p *Provider) listCompletedParts(ctx context.Context, key, uploadID string) (map[int]string, error) {
	completed := make(map[int]string)
	var marker *int32
	for {
		var out *s3.ListPartsOutput
		err := p.call(ctx, "list_parts", func(ctx context.Context) error {
			var err error
			out, err = p.client.ListParts(ctx, &s3.ListPartsInput{
				Bucket:           aws.String(p.bucket),
				Key:              aws.String(key),
				UploadId:         aws.String(uploadID),
				PartNumberMarker: marker,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, part := range out.Parts {
			completed[int(aws.ToInt32(part.PartNumber))] = aws.ToString(part.ETag)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}
	return completed, nil
}

func (p *Provider) abortForCancellation(ctx context.Context, key, uploadID string) error {
	_, _ = p.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket: aws.String(p.bucket), Key: aws.String(key), UploadId: aws.String(uploadID),
	})
	_ = p.tracker.RemoveUpload(key)
	return anchorerr.New(anchorerr.Cancelled, "multipart upload cancelled").WithComponent("vault/s3")
}

// handleMultipartFailure leaves the upload resumable if the source file
// still exists, or aborts and drops the ledger row if it does not.
func (p *Provider) handleMultipartFailure(ctx context.Context, key, uploadID, localSource string, cause error) error {
	if _, statErr := os.Stat(localSource); statErr != nil {
		_, _ = p.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket: aws.String(p.bucket), Key: aws.String(key), UploadId: aws.String(uploadID),
		})
		_ = p.tracker.RemoveUpload(key)
	}
	return cause
}

// DeleteFile removes a single object.
func (p *Provider) DeleteFile(ctx context.Context, key string) error {
	err := p.call(ctx, "delete_object", func(ctx context.Context) error {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)})
		return err
	})
	if err != nil {
		return translateError("delete_file", key, err)
	}
	return nil
}

// MoveItem copies oldKey to newKey (single CopyObject under 5 GiB, a
// multipart byte-range copy above it) and then deletes the source.
func (p *Provider) MoveItem(ctx context.Context, oldKey, newKey string) error {
	var size int64
	err := p.call(ctx, "head_object", func(ctx context.Context) error {
		out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(oldKey)})
		if err != nil {
			return err
		}
		size = aws.ToInt64(out.ContentLength)
		return nil
	})
	if err != nil {
		return translateError("move_item", oldKey, err)
	}

	if size <= singleCopyLimit {
		err = p.call(ctx, "copy_object", func(ctx context.Context) error {
			_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(p.bucket),
				Key:        aws.String(newKey),
				CopySource: aws.String(fmt.Sprintf("%s/%s", p.bucket, oldKey)),
			})
			return err
		})
	} else {
		err = p.multipartCopy(ctx, oldKey, newKey, size)
	}
	if err != nil {
		return translateError("move_item", oldKey, err)
	}

	return p.DeleteFile(ctx, oldKey)
}

func (p *Provider) multipartCopy(ctx context.Context, oldKey, newKey string, size int64) error {
	var uploadID string
	err := p.call(ctx, "create_multipart_upload", func(ctx context.Context) error {
		out, err := p.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{Bucket: aws.String(p.bucket), Key: aws.String(newKey)})
		if err != nil {
			return err
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	})
	if err != nil {
		return err
	}

	totalParts := int((size + multipartCopyChunk - 1) / multipartCopyChunk)
	parts := make([]s3types.CompletedPart, 0, totalParts)

	for i := 0; i < totalParts; i++ {
		partNumber := int32(i + 1)
		start := int64(i) * multipartCopyChunk
		end := start + multipartCopyChunk - 1
		if end >= size {
			end = size - 1
		}
		byteRange := fmt.Sprintf("bytes=%d-%d", start, end)

		var etag string
		err := p.call(ctx, "upload_part_copy", func(ctx context.Context) error {
			out, err := p.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
				Bucket:          aws.String(p.bucket),
				Key:             aws.String(newKey),
				UploadId:        aws.String(uploadID),
				PartNumber:      aws.Int32(partNumber),
				CopySource:      aws.String(fmt.Sprintf("%s/%s", p.bucket, oldKey)),
				CopySourceRange: aws.String(byteRange),
			})
			if err != nil {
				return err
			}
			if out.CopyPartResult != nil {
				etag = aws.ToString(out.CopyPartResult.ETag)
			}
			return nil
		})
		if err != nil {
			_, _ = p.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket: aws.String(p.bucket), Key: aws.String(newKey), UploadId: aws.String(uploadID),
			})
			return err
		}
		parts = append(parts, s3types.CompletedPart{PartNumber: aws.Int32(partNumber), ETag: aws.String(etag)})
	}

	return p.call(ctx, "complete_multipart_upload", func(ctx context.Context) error {
		_, err := p.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(p.bucket),
			Key:             aws.String(newKey),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
		})
		return err
	})
}

// FileExists reports whether key is present.
func (p *Provider) FileExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.call(ctx, "head_object", func(ctx context.Context) error {
		_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)})
		if isNotFound(err) {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, translateError("file_exists", key, err)
	}
	return exists, nil
}

// GetMetadata returns the stored user-metadata for key, exactly as SaveFile
// wrote it: the AWS SDK already strips its own wire-level metadata prefix.
func (p *Provider) GetMetadata(ctx context.Context, key string) (map[string]string, error) {
	var metadata map[string]string
	err := p.call(ctx, "head_object", func(ctx context.Context) error {
		out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)})
		if err != nil {
			return err
		}
		metadata = out.Metadata
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, translateError("get_metadata", key, err)
	}
	return metadata, nil
}

// ListFiles lists keys directly under prefix, treating "/" as a folder
// delimiter.
func (p *Provider) ListFiles(ctx context.Context, prefix string) ([]types.FileMetadata, error) {
	var out []types.FileMetadata
	err := p.call(ctx, "list_objects", func(ctx context.Context) error {
		resp, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:    aws.String(p.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
		})
		if err != nil {
			return err
		}
		for _, cp := range resp.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			out = append(out, types.FileMetadata{Name: name, Path: aws.ToString(cp.Prefix), IsFolder: true})
		}
		for _, obj := range resp.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			out = append(out, types.FileMetadata{
				Name:     name,
				Path:     key,
				IsFolder: false,
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
		return nil
	})
	if err != nil {
		return nil, translateError("list_files", prefix, err)
	}
	return out, nil
}

// ListAllFiles recursively enumerates every key in the bucket.
func (p *Provider) ListAllFiles(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		var resp *s3.ListObjectsV2Output
		err := p.call(ctx, "list_objects", func(ctx context.Context) error {
			var err error
			resp, err = p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(p.bucket),
				ContinuationToken: token,
			})
			return err
		})
		if err != nil {
			return nil, translateError("list_all_files", "", err)
		}
		for _, obj := range resp.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return keys, nil
}

// Wipe paginates and batch-deletes every object under prefix, preserving
// the identity key.
func (p *Provider) Wipe(ctx context.Context, prefix string) error {
	var token *string
	for {
		var resp *s3.ListObjectsV2Output
		err := p.call(ctx, "list_objects", func(ctx context.Context) error {
			var err error
			resp, err = p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(p.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
			return err
		})
		if err != nil {
			return translateError("wipe", prefix, err)
		}

		var toDelete []s3types.ObjectIdentifier
		for _, obj := range resp.Contents {
			key := aws.ToString(obj.Key)
			if key == vault.IdentityObjectKey || key == vault.LegacyIdentityObjectKey {
				continue
			}
			toDelete = append(toDelete, s3types.ObjectIdentifier{Key: obj.Key})
		}

		if len(toDelete) > 0 {
			err = p.call(ctx, "delete_objects", func(ctx context.Context) error {
				_, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
					Bucket: aws.String(p.bucket),
					Delete: &s3types.Delete{Objects: toDelete},
				})
				return err
			})
			if err != nil {
				return translateError("wipe", prefix, err)
			}
		}

		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *s3types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isNoSuchUpload(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchUpload"
	}
	return false
}

func translateError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	code := anchorerr.ProviderError
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestTimeout", "SlowDown", "InternalError", "ServiceUnavailable":
			code = anchorerr.Transient
		}
	}
	if errors.Is(err, circuit.ErrOpen) || errors.Is(err, circuit.ErrTooManyRequests) {
		code = anchorerr.Transient
	}
	return anchorerr.New(code, fmt.Sprintf("s3 %s failed", op)).
		WithComponent("vault/s3").WithOperation(op).WithContext("key", key).WithCause(err)
}
