package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"omnigate/internal/domain"
)

const (
	// S3 rejects non-terminal parts below 5 MiB and uploads past 10000
	// parts.
	minPartSizeBytes  = 5 << 20
	maxPartsPerUpload = 10000

	multipartSessionTTL = 24 * time.Hour
)

// InitiateMultipart implements Store. The session lives in an expiring
// registry; a session abandoned past its TTL leaves only an incomplete
// backend upload for the bucket lifecycle policy to reap.
func (s *S3Store) InitiateMultipart(ctx context.Context, meta domain.VideoMetadata) (*MultipartSession, error) {
	if meta.MediaType == "" {
		meta.MediaType = domain.MediaTypeVideo
	}
	key := buildKey(meta.MediaType, randomID(), extensionFor(meta.ContentType, meta.FileName), s.clock.Now())

	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.cfg.BucketName),
		Key:      aws.String(key),
		Metadata: s.objectMetadata(meta.MediaMetadata, videoMetadata(meta), ""),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, classify("initiating multipart upload", key, err)
	}

	now := s.clock.Now()
	session := &MultipartSession{
		SessionID:   randomID(),
		StorageKey:  key,
		UploadID:    aws.ToString(out.UploadId),
		ContentType: meta.ContentType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(multipartSessionTTL),
		MinPartSize: minPartSizeBytes,
		MaxParts:    maxPartsPerUpload,
	}
	s.sessions.Set(session.SessionID, session, multipartSessionTTL)

	s.logger.Info("multipart upload initiated", "session_id", session.SessionID, "key", key)
	return session, nil
}

// UploadPart implements Store. The part is buffered so the request can be
// signed with a known length; parts are chunk-sized, not whole objects.
func (s *S3Store) UploadPart(ctx context.Context, sessionID string, partNumber int32, r io.Reader) (*UploadedPart, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if partNumber < 1 || partNumber > session.MaxParts {
		return nil, fmt.Errorf("part number %d outside 1..%d", partNumber, session.MaxParts)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading part %d: %w", partNumber, err)
	}

	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.cfg.BucketName),
		Key:           aws.String(session.StorageKey),
		UploadId:      aws.String(session.UploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return nil, classify("uploading part", session.StorageKey, err)
	}

	return &UploadedPart{
		PartNumber: partNumber,
		ETag:       aws.ToString(out.ETag),
		SizeBytes:  int64(len(data)),
	}, nil
}

// CompleteMultipart implements Store. Parts are sorted by part number
// before assembly; the backend ETag of the assembled object becomes its
// content identity.
func (s *S3Store) CompleteMultipart(ctx context.Context, sessionID string, parts []UploadedPart) (*domain.MediaStorageResult, error) {
	session, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("completing upload %s: no parts", sessionID)
	}

	sorted := make([]UploadedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	completed := make([]types.CompletedPart, len(sorted))
	var total int64
	for i, p := range sorted {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		}
		total += p.SizeBytes
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.BucketName),
		Key:             aws.String(session.StorageKey),
		UploadId:        aws.String(session.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, classify("completing multipart upload", session.StorageKey, err)
	}
	s.sessions.Delete(sessionID)

	if s.metrics != nil {
		s.metrics.RecordMediaUpload(domain.ParseMediaType(session.ContentType), StrategyMultipart, total)
	}
	s.logger.Info("multipart upload completed",
		"session_id", sessionID, "key", session.StorageKey, "parts", len(sorted), "size_bytes", total)

	return &domain.MediaStorageResult{
		StorageKey:  session.StorageKey,
		URL:         s.publicURL(session.StorageKey),
		SizeBytes:   total,
		ContentType: session.ContentType,
		ContentHash: strings.Trim(aws.ToString(out.ETag), `"`),
		StoredAt:    s.clock.Now(),
	}, nil
}

// AbortMultipart implements Store.
func (s *S3Store) AbortMultipart(ctx context.Context, sessionID string) error {
	session, err := s.session(sessionID)
	if err != nil {
		return err
	}

	if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.cfg.BucketName),
		Key:      aws.String(session.StorageKey),
		UploadId: aws.String(session.UploadID),
	}); err != nil {
		return classify("aborting multipart upload", session.StorageKey, err)
	}
	s.sessions.Delete(sessionID)

	s.logger.Info("multipart upload aborted", "session_id", sessionID, "key", session.StorageKey)
	return nil
}

func (s *S3Store) session(sessionID string) (*MultipartSession, error) {
	v, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return v.(*MultipartSession), nil
}

// PresignUpload implements Store. The client PUTs straight to the bucket;
// the content hash is resolved from the backend ETag once the object lands.
func (s *S3Store) PresignUpload(ctx context.Context, meta domain.VideoMetadata, expiration time.Duration) (*PresignedUpload, error) {
	if meta.MediaType == "" {
		meta.MediaType = domain.MediaTypeVideo
	}
	if expiration <= 0 {
		expiration = s.cfg.DefaultURLExpiration.Duration
	}
	key := buildKey(meta.MediaType, randomID(), extensionFor(meta.ContentType, meta.FileName), s.clock.Now())

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	req, err := s.presign.PresignPutObject(ctx, input, func(o *s3.PresignOptions) {
		o.Expires = expiration
	})
	if err != nil {
		return nil, classify("presigning upload", key, err)
	}

	headers := make(map[string]string)
	if meta.ContentType != "" {
		headers["Content-Type"] = meta.ContentType
	}
	for k, v := range req.SignedHeader {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return &PresignedUpload{
		URL:              req.URL,
		HTTPMethod:       req.Method,
		RequiredHeaders:  headers,
		ExpiresAt:        s.clock.Now().Add(expiration),
		StorageKey:       key,
		MaxFileSizeBytes: maxSinglePutBytes,
	}, nil
}

// S3 caps single-PUT objects at 5 GiB.
const maxSinglePutBytes = 5 << 30
