package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/eventmill/eventmill/pkg/source"
)

// imdsTimeout bounds the best-effort instance metadata region lookup.
const imdsTimeout = 2 * time.Second

// Reader implements source.Reader over record objects in an S3 bucket.
//
// Objects are read in lexicographic key order. The key set is
// snapshotted on first read; objects added afterwards are not seen
// until a new Reader is opened.
type Reader struct {
	client   *s3.Client
	bucket   string
	prefix   string
	selector *source.Selector
	maxKeys  int
	maxBytes int

	keys []string
	idx  int
	body io.ReadCloser
	dec  *source.LineDecoder
	pos  source.Position
}

var _ source.Reader = (*Reader)(nil)

// New creates an S3 source reader with the given configuration.
//
// The reader uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sel, err := source.NewSelector(cfg.Includes, cfg.Excludes)
	if err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &source.SourceError{
			Op:     "New",
			Source: source.KindS3,
			Bucket: cfg.Bucket,
			Err:    err,
		}
	}

	// Build S3 client options
	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}

	// Custom endpoint for S3-compatible stores
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	maxKeys := clampMaxKeys(cfg.MaxKeys, DefaultMaxKeys)
	maxBytes := cfg.MaxRecordBytes
	if maxBytes <= 0 {
		maxBytes = source.DefaultMaxRecordBytes
	}

	return &Reader{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		selector: sel,
		maxKeys:  maxKeys,
		maxBytes: maxBytes,
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if user set one in config.
	// Let SDK resolve from env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Set profile if specified
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	// Use explicit credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	// Consult instance metadata before falling back to the default region.
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = imdsRegion(ctx, awsCfg)
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)

	return awsCfg, nil
}

// imdsRegion asks the EC2 instance metadata service for the local region.
// Returns "" when not running on EC2 or the service is unreachable.
func imdsRegion(ctx context.Context, awsCfg aws.Config) string {
	mctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()

	out, err := imds.NewFromConfig(awsCfg).GetRegion(mctx, &imds.GetRegionInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// Read returns the next batch of at most max records after cursor.
func (r *Reader) Read(ctx context.Context, cursor string, max int) (*source.Batch, error) {
	if max <= 0 {
		max = source.DefaultMaxRecords
	}

	want, err := source.ParsePosition(cursor)
	if err != nil {
		return nil, r.wrapError("Read", "", err)
	}

	if r.keys == nil {
		if err := r.listKeys(ctx); err != nil {
			return nil, err
		}
	}

	if err := r.seek(ctx, want); err != nil {
		return nil, err
	}

	batch := &source.Batch{}
	for len(batch.Records) < max {
		if r.dec == nil {
			if r.idx >= len(r.keys) {
				break
			}
			if err := r.openKey(ctx, r.idx); err != nil {
				return nil, err
			}
		}

		rec, err := r.dec.Next()
		if errors.Is(err, io.EOF) {
			r.closeObject()
			r.idx++
			continue
		}
		if err != nil {
			key := r.pos.Key
			r.closeObject()
			if source.IsBadRecord(err) {
				return nil, r.wrapError("Read", key, err)
			}
			// Body stream errors are retryable from the last checkpoint.
			return nil, &source.SourceError{
				Op:     "Read",
				Source: source.KindS3,
				Bucket: r.bucket,
				Key:    key,
				Err:    fmt.Errorf("%w: %v", source.ErrUnavailable, err),
			}
		}

		batch.Records = append(batch.Records, source.Record{Data: rec})
		r.pos.Line++
	}

	batch.NextCursor = r.pos.Encode()
	batch.Exhausted = r.idx >= len(r.keys)
	return batch, nil
}

// Close releases the open object body, if any.
func (r *Reader) Close() error {
	r.closeObject()
	return nil
}

// listKeys pages through the bucket once and snapshots the sorted keys
// selected by the prefix and include/exclude patterns.
func (r *Reader) listKeys(ctx context.Context) error {
	keys := []string{}
	var token *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:  aws.String(r.bucket),
			MaxKeys: aws.Int32(int32(r.maxKeys)),
		}
		if r.prefix != "" {
			input.Prefix = aws.String(r.prefix)
		}
		if token != nil {
			input.ContinuationToken = token
		}

		out, err := r.client.ListObjectsV2(ctx, input)
		if err != nil {
			return r.wrapError("List", "", err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !r.selector.Match(key) {
				continue
			}
			keys = append(keys, key)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	sort.Strings(keys)
	r.keys = keys
	return nil
}

// seek positions the reader at want, reusing the current decoder when it
// is already there.
func (r *Reader) seek(ctx context.Context, want source.Position) error {
	if want.Key == "" && len(r.keys) > 0 {
		want.Key = r.keys[0]
	}

	if r.aligned(want) {
		return nil
	}
	r.closeObject()

	if len(r.keys) == 0 {
		if want.Key == "" {
			r.idx = 0
			r.pos = source.Position{}
			return nil
		}
		return r.wrapError("Read", want.Key, fmt.Errorf("%w: key %q not in source", source.ErrBadCursor, want.Key))
	}

	i := sort.SearchStrings(r.keys, want.Key)
	if i >= len(r.keys) || r.keys[i] != want.Key {
		return r.wrapError("Read", want.Key, fmt.Errorf("%w: key %q not in source", source.ErrBadCursor, want.Key))
	}

	r.idx = i
	if err := r.openKey(ctx, i); err != nil {
		return err
	}

	// Skip records the cursor has already consumed.
	for n := int64(0); n < want.Line; n++ {
		if _, err := r.dec.Next(); err != nil {
			key := want.Key
			r.closeObject()
			if errors.Is(err, io.EOF) {
				return r.wrapError("Read", key, fmt.Errorf("%w: line %d beyond end of %q", source.ErrBadCursor, want.Line, key))
			}
			return r.wrapError("Read", key, err)
		}
	}
	r.pos = want
	return nil
}

// aligned reports whether the reader already sits at want.
func (r *Reader) aligned(want source.Position) bool {
	if r.dec != nil {
		return r.pos == want
	}
	// After exhausting the record set the position stays at the end of
	// the last object.
	return len(r.keys) > 0 && r.idx >= len(r.keys) && r.pos == want
}

func (r *Reader) openKey(ctx context.Context, i int) error {
	key := r.keys[i]
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return r.wrapError("Read", key, err)
	}
	r.body = out.Body
	r.dec = source.NewLineDecoder(out.Body)
	r.dec.SetMaxRecordBytes(r.maxBytes)
	r.pos = source.Position{Key: key}
	return nil
}

func (r *Reader) closeObject() {
	if r.body != nil {
		_ = r.body.Close()
		r.body = nil
	}
	r.dec = nil
}

// wrapError converts S3 errors to source errors with appropriate sentinels.
func (r *Reader) wrapError(op, key string, err error) error {
	wrapped := &source.SourceError{
		Op:     op,
		Source: source.KindS3,
		Bucket: r.bucket,
		Key:    key,
		Err:    err,
	}

	// Cursor and record errors already carry their sentinel.
	if source.IsBadCursor(err) || source.IsBadRecord(err) {
		return wrapped
	}

	// Check for specific S3 error types first
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = source.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = source.ErrBucketNotFound
		return wrapped
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "NoSuchKey", "NotFound":
			wrapped.Err = source.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = source.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = source.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = source.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = source.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = source.ErrUnavailable
		}
		return wrapped
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = source.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = source.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = source.ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		wrapped.Err = source.ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = source.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = source.ErrUnavailable
	}

	return wrapped
}

// clampMaxKeys applies defaults and limits to maxKeys values.
// If requested is <= 0, uses fallback. Result is clamped to MaxAllowedKeys.
func clampMaxKeys(requested, fallback int) int {
	if requested <= 0 {
		requested = fallback
	}
	if requested > MaxAllowedKeys {
		return MaxAllowedKeys
	}
	return requested
}

// resolveRegion determines the final region to use after SDK config loading.
//
// The sdkRegion parameter is the region after SDK loading and the
// instance metadata lookup, which already incorporates explicit cfgRegion
// (if set) or env/profile resolution.
//
// This function only applies the fallback default:
//   - If sdkRegion is still empty AND no custom endpoint, default to us-east-1
//   - For S3-compatible stores (endpoint set), no defaulting occurs
func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	// SDK already resolved region (from explicit config, env, profile, or IMDS)
	if sdkRegion != "" {
		return sdkRegion
	}

	// Only default for AWS S3 (no custom endpoint)
	if endpoint == "" {
		return DefaultAWSRegion
	}

	// S3-compatible: no default, endpoint may not need region
	return ""
}
