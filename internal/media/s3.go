package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"

	"omnigate/internal/config"
	"omnigate/internal/domain"
	"omnigate/internal/telemetry"
)

// Object metadata keys. S3 lowercases user metadata; these are stored under
// the x-amz-meta- prefix on the wire.
const (
	metaContentHash = "content-hash"
	metaMediaType   = "media-type"
	metaVirtualKey  = "virtual-key-id"
	metaExpiresAt   = "expires-at"
	metaGeneratedBy = "generated-by-model"
	metaPrompt      = "generation-prompt"
	metaDurationSec = "duration-seconds"
	metaResolution  = "resolution"
)

// S3 caps user metadata at 2 KiB total; prompts are truncated to fit.
const maxPromptMetadata = 256

// s3API is the slice of the S3 client the store uses, so tests can swap in
// a fake.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	GetBucketCors(ctx context.Context, params *s3.GetBucketCorsInput, optFns ...func(*s3.Options)) (*s3.GetBucketCorsOutput, error)
	PutBucketCors(ctx context.Context, params *s3.PutBucketCorsInput, optFns ...func(*s3.Options)) (*s3.PutBucketCorsOutput, error)
}

type s3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store implements Store over any S3-compatible backend, including R2 and
// MinIO via a custom endpoint with path-style addressing.
type S3Store struct {
	cfg     config.S3Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	clock   clockwork.Clock

	client   s3API
	presign  s3Presigner
	uploader s3Uploader

	sessions *gocache.Cache
	selector *StrategySelector
}

// NewS3Store builds the store and its S3 clients from config. It does not
// touch the bucket; call Provision for that.
func NewS3Store(ctx context.Context, cfg config.S3Config, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ServiceURL != "" {
			o.BaseEndpoint = aws.String(cfg.ServiceURL)
		}
		// R2 and most S3 clones require path-style addressing.
		o.UsePathStyle = cfg.ForcePathStyle || cfg.IsR2
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.MultipartChunkSizeBytes > 0 {
			u.PartSize = cfg.MultipartChunkSizeBytes
		}
	})

	return newS3Store(cfg, client, s3.NewPresignClient(client), uploader, logger, metrics, clock), nil
}

func newS3Store(cfg config.S3Config, client s3API, presign s3Presigner, uploader s3Uploader, logger *slog.Logger, metrics *telemetry.Metrics, clock clockwork.Clock) *S3Store {
	return &S3Store{
		cfg:      cfg,
		logger:   logger.With("component", "media"),
		metrics:  metrics,
		clock:    clock,
		client:   client,
		presign:  presign,
		uploader: uploader,
		sessions: gocache.New(multipartSessionTTL, multipartSessionTTL/2),
		selector: NewStrategySelector(cfg.MultipartThresholdBytes, cfg.PresignThresholdBytes),
	}
}

// Selector exposes the upload strategy selector so the API layer can steer
// clients toward multipart or presigned uploads before sending bytes.
func (s *S3Store) Selector() *StrategySelector { return s.selector }

// Provision prepares the bucket: creates it when auto-create is on and
// reconciles CORS when auto-configure is on. Safe to call on every start.
func (s *S3Store) Provision(ctx context.Context) error {
	if s.cfg.AutoCreateBucket {
		if err := s.ensureBucket(ctx); err != nil {
			return err
		}
	}
	if s.cfg.AutoConfigureCors {
		if err := s.ensureCORS(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.BucketName)})
	if err == nil {
		return nil
	}
	if !IsNotFound(classify("checking bucket", "", err)) {
		return classify("checking bucket", "", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.BucketName)}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		cerr := classify("creating bucket", "", err)
		// Lost a create race with another instance.
		if strings.Contains(err.Error(), "BucketAlreadyOwnedByYou") {
			return nil
		}
		return cerr
	}
	s.logger.Info("bucket created", "bucket", s.cfg.BucketName)
	return nil
}

// =============================================================================
// Store
// =============================================================================

// Store implements Store. Small payloads are hashed up front and written
// under their content hash; payloads past the multipart threshold stream
// through the managed uploader under a UUID key.
func (s *S3Store) Store(ctx context.Context, r io.Reader, meta domain.MediaMetadata, progress ProgressFunc) (*domain.MediaStorageResult, error) {
	if meta.MediaType == "" {
		meta.MediaType = domain.ParseMediaType(meta.ContentType)
	}

	if s.selector.Select(meta) != StrategyDirect {
		return s.storeStreaming(ctx, r, meta, nil, progress)
	}
	return s.storeDirect(ctx, r, meta, nil, progress)
}

// StoreVideo implements Store; provenance rides along as object metadata.
func (s *S3Store) StoreVideo(ctx context.Context, r io.Reader, meta domain.VideoMetadata, progress ProgressFunc) (*domain.MediaStorageResult, error) {
	if meta.MediaType == "" {
		meta.MediaType = domain.MediaTypeVideo
	}

	extra := videoMetadata(meta)
	if s.selector.Select(meta.MediaMetadata) != StrategyDirect {
		return s.storeStreaming(ctx, r, meta.MediaMetadata, extra, progress)
	}
	return s.storeDirect(ctx, r, meta.MediaMetadata, extra, progress)
}

func (s *S3Store) storeDirect(ctx context.Context, r io.Reader, meta domain.MediaMetadata, extra map[string]string, progress ProgressFunc) (*domain.MediaStorageResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	sum := sha256.Sum256(data)
	contentHash := hashID(sum[:])
	key := buildKey(meta.MediaType, contentHash, extensionFor(meta.ContentType, meta.FileName), s.clock.Now())

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      s.objectMetadata(meta, extra, contentHash),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, classify("storing object", key, err)
	}

	if progress != nil {
		progress(domain.UploadProgress{BytesTransferred: int64(len(data)), TotalBytes: int64(len(data))})
	}
	if s.metrics != nil {
		s.metrics.RecordMediaUpload(meta.MediaType, StrategyDirect, int64(len(data)))
	}
	s.logger.Info("media stored", "key", key, "size_bytes", len(data), "strategy", StrategyDirect)

	return &domain.MediaStorageResult{
		StorageKey:  key,
		URL:         s.publicURL(key),
		SizeBytes:   int64(len(data)),
		ContentType: meta.ContentType,
		ContentHash: contentHash,
		StoredAt:    s.clock.Now(),
	}, nil
}

func (s *S3Store) storeStreaming(ctx context.Context, r io.Reader, meta domain.MediaMetadata, extra map[string]string, progress ProgressFunc) (*domain.MediaStorageResult, error) {
	key := buildKey(meta.MediaType, randomID(), extensionFor(meta.ContentType, meta.FileName), s.clock.Now())

	pr := &progressReader{r: r, hash: sha256.New(), total: meta.SizeBytes, progress: progress}
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.cfg.BucketName),
		Key:      aws.String(key),
		Body:     pr,
		Metadata: s.objectMetadata(meta, extra, ""),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return nil, classify("streaming object", key, err)
	}

	contentHash := hashID(pr.hash.Sum(nil))
	if s.metrics != nil {
		s.metrics.RecordMediaUpload(meta.MediaType, StrategyMultipart, pr.read)
	}
	s.logger.Info("media stored", "key", key, "size_bytes", pr.read, "strategy", StrategyMultipart)

	return &domain.MediaStorageResult{
		StorageKey:  key,
		URL:         s.publicURL(key),
		SizeBytes:   pr.read,
		ContentType: meta.ContentType,
		ContentHash: contentHash,
		StoredAt:    s.clock.Now(),
	}, nil
}

// =============================================================================
// Read Path
// =============================================================================

// GetStream implements Store.
func (s *S3Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("reading object", key, err)
	}
	return out.Body, nil
}

// GetVideoStream implements Store. Bounds are clamped to the object: a nil
// start reads from zero, a nil or oversized end reads to the last byte, and
// a start past the object degrades to the final byte. Players probing the
// stream tail expect a byte back, not an error.
func (s *S3Store) GetVideoStream(ctx context.Context, key string, rangeStart, rangeEnd *int64) (*VideoStream, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("reading object", key, err)
	}
	total := aws.ToInt64(head.ContentLength)
	if total == 0 {
		return nil, &StorageError{Kind: KindOther, Op: "reading range", Key: key, Err: errors.New("object is empty")}
	}

	start := int64(0)
	if rangeStart != nil && *rangeStart > 0 {
		start = *rangeStart
	}
	if start > total-1 {
		start = total - 1
	}
	end := total - 1
	if rangeEnd != nil && *rangeEnd < end {
		end = *rangeEnd
	}
	if start > end {
		return nil, &StorageError{Kind: KindOther, Op: "reading range", Key: key,
			Err: fmt.Errorf("inverted range %d-%d", start, end)}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		return nil, classify("reading range", key, err)
	}

	return &VideoStream{
		Stream:      out.Body,
		RangeStart:  start,
		RangeEnd:    end,
		TotalSize:   total,
		ContentType: aws.ToString(head.ContentType),
	}, nil
}

// GetInfo implements Store. The content hash comes from upload metadata
// when present, else the backend ETag stands in.
func (s *S3Store) GetInfo(ctx context.Context, key string) (*domain.MediaInfo, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("describing object", key, err)
	}

	info := &domain.MediaInfo{
		StorageKey:  key,
		ContentType: aws.ToString(head.ContentType),
		SizeBytes:   aws.ToInt64(head.ContentLength),
		MediaType:   domain.ParseMediaType(aws.ToString(head.ContentType)),
	}
	if head.LastModified != nil {
		info.CreatedAt = *head.LastModified
	}

	md := head.Metadata
	if mt, ok := md[metaMediaType]; ok {
		info.MediaType = domain.MediaType(mt)
	}
	if hash, ok := md[metaContentHash]; ok && hash != "" {
		info.ContentHash = hash
	} else {
		info.ContentHash = strings.Trim(aws.ToString(head.ETag), `"`)
	}
	if raw, ok := md[metaExpiresAt]; ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			info.ExpiresAt = &t
		}
	}

	custom := make(map[string]string)
	for k, v := range md {
		switch k {
		case metaContentHash, metaMediaType, metaExpiresAt:
		default:
			custom[k] = v
		}
	}
	if len(custom) > 0 {
		info.CustomMetadata = custom
	}
	return info, nil
}

// Delete implements Store. S3 deletes are idempotent; absent keys succeed.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	}); err != nil {
		return classify("deleting object", key, err)
	}
	s.logger.Info("media deleted", "key", key)
	return nil
}

// Exists implements Store.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	cerr := classify("describing object", key, err)
	if IsNotFound(cerr) {
		return false, nil
	}
	return false, cerr
}

// GenerateURL implements Store.
func (s *S3Store) GenerateURL(ctx context.Context, key string, expiration time.Duration) (string, error) {
	if url := s.publicURL(key); url != "" {
		return url, nil
	}

	if expiration <= 0 {
		expiration = s.cfg.DefaultURLExpiration.Duration
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.BucketName),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = expiration
	})
	if err != nil {
		return "", classify("presigning url", key, err)
	}
	return req.URL, nil
}

func (s *S3Store) publicURL(key string) string {
	if s.cfg.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + "/" + key
}

// =============================================================================
// Helpers
// =============================================================================

func (s *S3Store) objectMetadata(meta domain.MediaMetadata, extra map[string]string, contentHash string) map[string]string {
	md := make(map[string]string, len(meta.CustomMetadata)+len(extra)+4)
	for k, v := range meta.CustomMetadata {
		md[k] = v
	}
	for k, v := range extra {
		md[k] = v
	}
	md[metaMediaType] = string(meta.MediaType)
	if meta.VirtualKeyID != "" {
		md[metaVirtualKey] = meta.VirtualKeyID
	}
	if contentHash != "" {
		md[metaContentHash] = contentHash
	}
	if meta.TTL > 0 {
		md[metaExpiresAt] = s.clock.Now().Add(meta.TTL).UTC().Format(time.RFC3339)
	}
	return md
}

func videoMetadata(meta domain.VideoMetadata) map[string]string {
	md := make(map[string]string, 4)
	if meta.GeneratedByModel != "" {
		md[metaGeneratedBy] = meta.GeneratedByModel
	}
	if meta.GenerationPrompt != "" {
		prompt := meta.GenerationPrompt
		if len(prompt) > maxPromptMetadata {
			// Cut on a rune boundary so the metadata value stays valid UTF-8.
			n := maxPromptMetadata
			for n > 0 && !utf8.RuneStart(prompt[n]) {
				n--
			}
			prompt = prompt[:n]
		}
		md[metaPrompt] = prompt
	}
	if meta.DurationSeconds > 0 {
		md[metaDurationSec] = fmt.Sprintf("%.2f", meta.DurationSeconds)
	}
	if meta.Resolution != "" {
		md[metaResolution] = meta.Resolution
	}
	return md
}

// progressReader counts and hashes bytes as the backend pulls them.
type progressReader struct {
	r        io.Reader
	hash     hash.Hash
	total    int64
	read     int64
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		if p.hash != nil {
			p.hash.Write(b[:n])
		}
		p.read += int64(n)
		if p.progress != nil {
			p.progress(domain.UploadProgress{BytesTransferred: p.read, TotalBytes: p.total})
		}
	}
	return n, err
}
