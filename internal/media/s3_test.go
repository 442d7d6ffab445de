package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/jonboulle/clockwork"

	"omnigate/internal/config"
	"omnigate/internal/domain"
)

// fakeS3 is an in-memory stand-in for the narrow S3 client surface.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	types    map[string]string

	uploads      map[string]map[int32][]byte // uploadID -> part -> bytes
	uploadKeys   map[string]string
	nextUploadID int

	corsPuts   int
	failWith   error
	bucketCors *s3.GetBucketCorsOutput
	headBucket error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:    make(map[string][]byte),
		metadata:   make(map[string]map[string]string),
		types:      make(map[string]string),
		uploads:    make(map[string]map[int32][]byte),
		uploadKeys: make(map[string]string),
	}
}

func notFoundErr() error {
	return &smithy.GenericAPIError{Code: "NoSuchKey", Message: "key absent"}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.metadata[*in.Key] = in.Metadata
	f.types[*in.Key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-put"`)}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, notFoundErr()
	}
	if r := aws.ToString(in.Range); r != "" {
		var start, end int64
		if _, err := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); err != nil {
			return nil, err
		}
		data = data[start : end+1]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(f.types[*in.Key]),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, notFoundErr()
	}
	mod := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(f.types[*in.Key]),
		Metadata:      f.metadata[*in.Key],
		ETag:          aws.String(`"etag-head"`),
		LastModified:  &mod,
	}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headBucket != nil {
		return nil, f.headBucket
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.headBucket = nil
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUploadID++
	id := fmt.Sprintf("upload-%d", f.nextUploadID)
	f.uploads[id] = make(map[int32][]byte)
	f.uploadKeys[id] = *in.Key
	f.metadata[*in.Key] = in.Metadata
	f.types[*in.Key] = aws.ToString(in.ContentType)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[*in.UploadId]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	parts[aws.ToInt32(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"part-%d"`, aws.ToInt32(in.PartNumber)))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[*in.UploadId]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}

	var assembled []byte
	var last int32
	for _, p := range in.MultipartUpload.Parts {
		n := aws.ToInt32(p.PartNumber)
		if n <= last {
			return nil, &smithy.GenericAPIError{Code: "InvalidPartOrder"}
		}
		last = n
		assembled = append(assembled, parts[n]...)
	}
	f.objects[f.uploadKeys[*in.UploadId]] = assembled
	delete(f.uploads, *in.UploadId)
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(`"etag-multipart"`)}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, *in.UploadId)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) GetBucketCors(ctx context.Context, in *s3.GetBucketCorsInput, _ ...func(*s3.Options)) (*s3.GetBucketCorsOutput, error) {
	if f.bucketCors == nil {
		return nil, &smithy.GenericAPIError{Code: "NoSuchCORSConfiguration"}
	}
	return f.bucketCors, nil
}

func (f *fakeS3) PutBucketCors(ctx context.Context, in *s3.PutBucketCorsInput, _ ...func(*s3.Options)) (*s3.PutBucketCorsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corsPuts++
	return &s3.PutBucketCorsOutput{}, nil
}

// fakePresigner returns canned presigned requests.
type fakePresigner struct{}

func (fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://signed.example/" + *in.Key, Method: "GET"}, nil
}

func (fakePresigner) PresignPutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://signed.example/put/" + *in.Key, Method: "PUT"}, nil
}

// fakeUploader streams through PutObject so the fake bucket sees the bytes.
type fakeUploader struct {
	client *fakeS3
	calls  int
}

func (u *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	u.calls++
	if _, err := u.client.PutObject(ctx, in); err != nil {
		return nil, err
	}
	return &manager.UploadOutput{Location: "https://bucket.example/" + *in.Key}, nil
}

func testStore(t *testing.T) (*S3Store, *fakeS3, *fakeUploader) {
	t.Helper()
	fake := newFakeS3()
	uploader := &fakeUploader{client: fake}
	cfg := config.Default().S3
	cfg.BucketName = "media-test"
	store := newS3Store(cfg, fake, fakePresigner{}, uploader,
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil, clockwork.NewFakeClock())
	return store, fake, uploader
}

func TestStoreDirect(t *testing.T) {
	store, fake, uploader := testStore(t)

	payload := []byte("synthetic image bytes")
	var progress []domain.UploadProgress
	res, err := store.Store(context.Background(), bytes.NewReader(payload), domain.MediaMetadata{
		ContentType:  "image/png",
		SizeBytes:    int64(len(payload)),
		VirtualKeyID: "vk-9",
	}, func(p domain.UploadProgress) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Expected store to succeed, got: %v", err)
	}

	if !strings.HasPrefix(res.StorageKey, "image/") || !strings.HasSuffix(res.StorageKey, ".png") {
		t.Errorf("Expected image/yyyy/MM/dd/<hash>.png key, got: %v", res.StorageKey)
	}
	if res.ContentHash == "" || strings.Contains(res.ContentHash, "=") {
		t.Errorf("Expected unpadded content hash, got: %v", res.ContentHash)
	}
	if !strings.Contains(res.StorageKey, res.ContentHash) {
		t.Errorf("Expected content-addressed key, got %v with hash %v", res.StorageKey, res.ContentHash)
	}
	if res.SizeBytes != int64(len(payload)) {
		t.Errorf("Expected size %d, got: %d", len(payload), res.SizeBytes)
	}
	if uploader.calls != 0 {
		t.Errorf("Expected direct put, got %d uploader calls", uploader.calls)
	}

	if got := fake.objects[res.StorageKey]; !bytes.Equal(got, payload) {
		t.Error("Expected payload stored verbatim")
	}
	md := fake.metadata[res.StorageKey]
	if md[metaVirtualKey] != "vk-9" {
		t.Errorf("Expected virtual key metadata, got: %v", md)
	}
	if md[metaContentHash] != res.ContentHash {
		t.Errorf("Expected hash metadata %v, got: %v", res.ContentHash, md[metaContentHash])
	}

	if len(progress) == 0 || progress[len(progress)-1].BytesTransferred != int64(len(payload)) {
		t.Errorf("Expected final progress at %d bytes, got: %+v", len(payload), progress)
	}

	// Same bytes must map to the same key.
	res2, err := store.Store(context.Background(), bytes.NewReader(payload), domain.MediaMetadata{ContentType: "image/png"}, nil)
	if err != nil {
		t.Fatalf("Expected second store, got: %v", err)
	}
	if res2.StorageKey != res.StorageKey {
		t.Errorf("Expected identical keys for identical bytes, got %v vs %v", res.StorageKey, res2.StorageKey)
	}
}

func TestStoreStreaming(t *testing.T) {
	store, _, uploader := testStore(t)

	payload := bytes.Repeat([]byte("v"), 1024)
	res, err := store.StoreVideo(context.Background(), bytes.NewReader(payload), domain.VideoMetadata{
		MediaMetadata: domain.MediaMetadata{
			ContentType:     "video/mp4",
			PreferMultipart: true,
		},
		GeneratedByModel: "sora-2",
		GenerationPrompt: "a capsule hotel on the moon",
	}, nil)
	if err != nil {
		t.Fatalf("Expected streaming store, got: %v", err)
	}

	if uploader.calls != 1 {
		t.Errorf("Expected managed upload, got %d calls", uploader.calls)
	}
	if !strings.HasPrefix(res.StorageKey, "video/") || !strings.HasSuffix(res.StorageKey, ".mp4") {
		t.Errorf("Expected video key with extension, got: %v", res.StorageKey)
	}
	if strings.Contains(res.StorageKey, res.ContentHash) {
		t.Error("Expected UUID key for streamed upload, not content-addressed")
	}
	if res.ContentHash == "" {
		t.Error("Expected in-flight hash for streamed upload")
	}
	if res.SizeBytes != int64(len(payload)) {
		t.Errorf("Expected counted size %d, got: %d", len(payload), res.SizeBytes)
	}
}

func TestVideoMetadataPrompt(t *testing.T) {
	t.Run("short prompt passes through", func(t *testing.T) {
		md := videoMetadata(domain.VideoMetadata{GenerationPrompt: "a cat"})
		if md[metaPrompt] != "a cat" {
			t.Errorf("Expected prompt preserved, got: %q", md[metaPrompt])
		}
	})

	t.Run("truncation keeps valid UTF-8", func(t *testing.T) {
		// Three-byte runes: 256 % 3 != 0, so a byte-offset cut at the
		// limit would land mid-rune.
		prompt := strings.Repeat("日", 200)
		md := videoMetadata(domain.VideoMetadata{GenerationPrompt: prompt})

		got := md[metaPrompt]
		if len(got) > maxPromptMetadata {
			t.Errorf("Expected at most %d bytes, got %d", maxPromptMetadata, len(got))
		}
		if !utf8.ValidString(got) {
			t.Errorf("Expected valid UTF-8 after truncation, got: %q", got)
		}
	})
}

func TestGetVideoStream(t *testing.T) {
	store, fake, _ := testStore(t)
	fake.objects["video/2025/06/01/abc.mp4"] = []byte("0123456789")
	fake.types["video/2025/06/01/abc.mp4"] = "video/mp4"

	t.Run("full object", func(t *testing.T) {
		vs, err := store.GetVideoStream(context.Background(), "video/2025/06/01/abc.mp4", nil, nil)
		if err != nil {
			t.Fatalf("Expected stream, got: %v", err)
		}
		defer vs.Stream.Close()

		data, _ := io.ReadAll(vs.Stream)
		if string(data) != "0123456789" {
			t.Errorf("Expected full payload, got: %q", data)
		}
		if vs.RangeStart != 0 || vs.RangeEnd != 9 || vs.TotalSize != 10 {
			t.Errorf("Expected 0-9/10, got %d-%d/%d", vs.RangeStart, vs.RangeEnd, vs.TotalSize)
		}
		if vs.ContentType != "video/mp4" {
			t.Errorf("Expected content type, got: %v", vs.ContentType)
		}
	})

	t.Run("partial range", func(t *testing.T) {
		start, end := int64(2), int64(5)
		vs, err := store.GetVideoStream(context.Background(), "video/2025/06/01/abc.mp4", &start, &end)
		if err != nil {
			t.Fatalf("Expected stream, got: %v", err)
		}
		defer vs.Stream.Close()

		data, _ := io.ReadAll(vs.Stream)
		if string(data) != "2345" {
			t.Errorf("Expected bytes 2-5, got: %q", data)
		}
	})

	t.Run("oversized end clamps", func(t *testing.T) {
		start, end := int64(8), int64(500)
		vs, err := store.GetVideoStream(context.Background(), "video/2025/06/01/abc.mp4", &start, &end)
		if err != nil {
			t.Fatalf("Expected clamped stream, got: %v", err)
		}
		defer vs.Stream.Close()

		if vs.RangeEnd != 9 {
			t.Errorf("Expected end clamped to 9, got: %d", vs.RangeEnd)
		}
	})

	t.Run("oversized start clamps to the last byte", func(t *testing.T) {
		start := int64(1000)
		vs, err := store.GetVideoStream(context.Background(), "video/2025/06/01/abc.mp4", &start, nil)
		if err != nil {
			t.Fatalf("Expected clamped stream, got: %v", err)
		}
		defer vs.Stream.Close()

		if vs.RangeStart != 9 || vs.RangeEnd != 9 {
			t.Errorf("Expected 9-9, got %d-%d", vs.RangeStart, vs.RangeEnd)
		}
		data, _ := io.ReadAll(vs.Stream)
		if string(data) != "9" {
			t.Errorf("Expected final byte, got: %q", data)
		}
	})

	t.Run("inverted range errors", func(t *testing.T) {
		start, end := int64(5), int64(2)
		if _, err := store.GetVideoStream(context.Background(), "video/2025/06/01/abc.mp4", &start, &end); err == nil {
			t.Error("Expected error for inverted range")
		}
	})

	t.Run("missing object", func(t *testing.T) {
		_, err := store.GetVideoStream(context.Background(), "video/absent.mp4", nil, nil)
		if !IsNotFound(err) {
			t.Errorf("Expected not-found classification, got: %v", err)
		}
	})
}

func TestGetInfo(t *testing.T) {
	store, fake, _ := testStore(t)
	fake.objects["audio/2025/06/01/xyz.mp3"] = []byte("audio")
	fake.types["audio/2025/06/01/xyz.mp3"] = "audio/mpeg"
	fake.metadata["audio/2025/06/01/xyz.mp3"] = map[string]string{
		metaContentHash: "deadbeef",
		metaMediaType:   "audio",
		metaExpiresAt:   "2025-07-01T00:00:00Z",
		"session":       "s-1",
	}

	info, err := store.GetInfo(context.Background(), "audio/2025/06/01/xyz.mp3")
	if err != nil {
		t.Fatalf("Expected info, got: %v", err)
	}
	if info.ContentHash != "deadbeef" {
		t.Errorf("Expected metadata hash, got: %v", info.ContentHash)
	}
	if info.MediaType != domain.MediaTypeAudio {
		t.Errorf("Expected audio media type, got: %v", info.MediaType)
	}
	if info.ExpiresAt == nil || info.ExpiresAt.Month() != time.July {
		t.Errorf("Expected parsed expiry, got: %v", info.ExpiresAt)
	}
	if info.CustomMetadata["session"] != "s-1" {
		t.Errorf("Expected custom metadata preserved, got: %v", info.CustomMetadata)
	}
	if info.SizeBytes != 5 {
		t.Errorf("Expected size 5, got: %d", info.SizeBytes)
	}

	t.Run("etag fallback hash", func(t *testing.T) {
		fake.objects["other/raw"] = []byte("x")
		info, err := store.GetInfo(context.Background(), "other/raw")
		if err != nil {
			t.Fatalf("Expected info, got: %v", err)
		}
		if info.ContentHash != "etag-head" {
			t.Errorf("Expected unquoted etag fallback, got: %v", info.ContentHash)
		}
	})
}

func TestExistsAndDelete(t *testing.T) {
	store, fake, _ := testStore(t)
	fake.objects["image/a.png"] = []byte("x")

	if ok, err := store.Exists(context.Background(), "image/a.png"); err != nil || !ok {
		t.Errorf("Expected exists true, got %v (err %v)", ok, err)
	}
	if ok, err := store.Exists(context.Background(), "image/b.png"); err != nil || ok {
		t.Errorf("Expected exists false without error, got %v (err %v)", ok, err)
	}

	if err := store.Delete(context.Background(), "image/a.png"); err != nil {
		t.Fatalf("Expected delete, got: %v", err)
	}
	if ok, _ := store.Exists(context.Background(), "image/a.png"); ok {
		t.Error("Expected object gone after delete")
	}
	// Deleting an absent key is fine.
	if err := store.Delete(context.Background(), "image/a.png"); err != nil {
		t.Errorf("Expected idempotent delete, got: %v", err)
	}
}

func TestGenerateURL(t *testing.T) {
	t.Run("presigned by default", func(t *testing.T) {
		store, _, _ := testStore(t)
		url, err := store.GenerateURL(context.Background(), "video/v.mp4", time.Hour)
		if err != nil {
			t.Fatalf("Expected url, got: %v", err)
		}
		if !strings.HasPrefix(url, "https://signed.example/") {
			t.Errorf("Expected presigned url, got: %v", url)
		}
	})

	t.Run("public base url wins", func(t *testing.T) {
		store, _, _ := testStore(t)
		store.cfg.PublicBaseURL = "https://cdn.example/"
		url, err := store.GenerateURL(context.Background(), "video/v.mp4", time.Hour)
		if err != nil {
			t.Fatalf("Expected url, got: %v", err)
		}
		if url != "https://cdn.example/video/v.mp4" {
			t.Errorf("Expected public url, got: %v", url)
		}
	})
}

func TestMultipartProtocol(t *testing.T) {
	t.Run("initiate upload complete", func(t *testing.T) {
		store, fake, _ := testStore(t)

		session, err := store.InitiateMultipart(context.Background(), domain.VideoMetadata{
			MediaMetadata: domain.MediaMetadata{ContentType: "video/mp4"},
		})
		if err != nil {
			t.Fatalf("Expected session, got: %v", err)
		}
		if session.SessionID == "" || session.UploadID == "" {
			t.Fatalf("Expected populated session, got: %+v", session)
		}
		if session.MinPartSize != minPartSizeBytes || session.MaxParts != maxPartsPerUpload {
			t.Errorf("Expected part constraints surfaced, got: %+v", session)
		}

		// Upload out of order; completion must still assemble 1,2,3.
		var parts []UploadedPart
		for _, n := range []int32{2, 1, 3} {
			p, err := store.UploadPart(context.Background(), session.SessionID, n, strings.NewReader(fmt.Sprintf("part%d|", n)))
			if err != nil {
				t.Fatalf("Expected part %d upload, got: %v", n, err)
			}
			if p.PartNumber != n || p.ETag == "" {
				t.Errorf("Expected populated part, got: %+v", p)
			}
			parts = append(parts, *p)
		}

		res, err := store.CompleteMultipart(context.Background(), session.SessionID, parts)
		if err != nil {
			t.Fatalf("Expected completion, got: %v", err)
		}
		if got := string(fake.objects[session.StorageKey]); got != "part1|part2|part3|" {
			t.Errorf("Expected parts assembled in order, got: %q", got)
		}
		if res.ContentHash != "etag-multipart" {
			t.Errorf("Expected etag content identity, got: %v", res.ContentHash)
		}
		if res.SizeBytes != int64(len("part1|part2|part3|")) {
			t.Errorf("Expected summed size, got: %d", res.SizeBytes)
		}

		// Session is consumed.
		if _, err := store.UploadPart(context.Background(), session.SessionID, 4, strings.NewReader("x")); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound after completion, got: %v", err)
		}
	})

	t.Run("abort releases backend upload", func(t *testing.T) {
		store, fake, _ := testStore(t)

		session, _ := store.InitiateMultipart(context.Background(), domain.VideoMetadata{
			MediaMetadata: domain.MediaMetadata{ContentType: "video/mp4"},
		})
		store.UploadPart(context.Background(), session.SessionID, 1, strings.NewReader("data"))

		if err := store.AbortMultipart(context.Background(), session.SessionID); err != nil {
			t.Fatalf("Expected abort, got: %v", err)
		}
		if len(fake.uploads) != 0 {
			t.Error("Expected backend upload released")
		}
		if err := store.AbortMultipart(context.Background(), session.SessionID); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound for second abort, got: %v", err)
		}
	})

	t.Run("complete requires parts", func(t *testing.T) {
		store, _, _ := testStore(t)
		session, _ := store.InitiateMultipart(context.Background(), domain.VideoMetadata{})
		if _, err := store.CompleteMultipart(context.Background(), session.SessionID, nil); err == nil {
			t.Error("Expected error for completion without parts")
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		store, _, _ := testStore(t)
		if _, err := store.UploadPart(context.Background(), "ghost", 1, strings.NewReader("x")); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got: %v", err)
		}
	})
}

func TestPresignUpload(t *testing.T) {
	store, _, _ := testStore(t)

	up, err := store.PresignUpload(context.Background(), domain.VideoMetadata{
		MediaMetadata: domain.MediaMetadata{ContentType: "video/mp4"},
	}, 30*time.Minute)
	if err != nil {
		t.Fatalf("Expected presigned upload, got: %v", err)
	}
	if up.HTTPMethod != "PUT" {
		t.Errorf("Expected PUT, got: %v", up.HTTPMethod)
	}
	if !strings.HasPrefix(up.URL, "https://signed.example/put/") {
		t.Errorf("Expected presigned put url, got: %v", up.URL)
	}
	if up.RequiredHeaders["Content-Type"] != "video/mp4" {
		t.Errorf("Expected content type header, got: %v", up.RequiredHeaders)
	}
	if !strings.HasPrefix(up.StorageKey, "video/") {
		t.Errorf("Expected video storage key, got: %v", up.StorageKey)
	}
	if up.MaxFileSizeBytes != maxSinglePutBytes {
		t.Errorf("Expected single-put cap, got: %d", up.MaxFileSizeBytes)
	}
}

func TestEnsureCORS(t *testing.T) {
	t.Run("writes when absent", func(t *testing.T) {
		store, fake, _ := testStore(t)
		if err := store.ensureCORS(context.Background()); err != nil {
			t.Fatalf("Expected cors write, got: %v", err)
		}
		if fake.corsPuts != 1 {
			t.Errorf("Expected one PutBucketCors, got: %d", fake.corsPuts)
		}
	})

	t.Run("skips when covered", func(t *testing.T) {
		store, fake, _ := testStore(t)
		fake.bucketCors = corsOutput([]string{"*"}, []string{"GET", "PUT", "HEAD"}, []string{"ETag"})
		if err := store.ensureCORS(context.Background()); err != nil {
			t.Fatalf("Expected reconcile, got: %v", err)
		}
		if fake.corsPuts != 0 {
			t.Errorf("Expected no PutBucketCors when covered, got: %d", fake.corsPuts)
		}
	})
}

func corsOutput(origins, methods, expose []string) *s3.GetBucketCorsOutput {
	return &s3.GetBucketCorsOutput{CORSRules: []types.CORSRule{{
		AllowedOrigins: origins,
		AllowedMethods: methods,
		ExposeHeaders:  expose,
	}}}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code string
		kind ErrorKind
	}{
		{"NoSuchKey", KindNotFound},
		{"NotFound", KindNotFound},
		{"EntityTooLarge", KindTooLarge},
		{"AccessDenied", KindAccessDenied},
		{"SlowDown", KindThrottled},
		{"InternalError", KindOther},
	}
	for _, tc := range cases {
		err := classify("op", "k", &smithy.GenericAPIError{Code: tc.code})
		var se *StorageError
		if !errors.As(err, &se) {
			t.Fatalf("Expected StorageError for %s", tc.code)
		}
		if se.Kind != tc.kind {
			t.Errorf("Expected %s for %s, got: %s", tc.kind, tc.code, se.Kind)
		}
	}

	if classify("op", "k", nil) != nil {
		t.Error("Expected nil passthrough")
	}
	// Non-API errors classify as other.
	if errorKind(classify("op", "k", io.ErrUnexpectedEOF)) != KindOther {
		t.Error("Expected other for plain errors")
	}
}
