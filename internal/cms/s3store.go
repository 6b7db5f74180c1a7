package cms

import (
	"context"
	"errors"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// S3API is the subset of the S3 client the stores need.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3StoreOptions struct {
	Logger log.Logger
	Client S3API
	Bucket string
	// Prefix is prepended to every key: {prefix}/content/{id}.json
	Prefix string
}

// S3Store reads exported CMS documents from a bucket.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	logger log.Logger
}

// NewS3Store returns a store reading from opts.Bucket.
func NewS3Store(opts S3StoreOptions) (*S3Store, error) {
	if opts.Client == nil {
		return nil, xerrors.New("S3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("S3 bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &S3Store{
		client: opts.Client,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		logger: opts.Logger,
	}, nil
}

// Key joins the prefix with the given parts.
func (s *S3Store) Key(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

// GetEntity fetches {prefix}/content/{id}.json.
func (s *S3Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	key := s.Key("content", id+".json")
	out, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	e, err := decodeEntity(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "s3://%s/%s", s.bucket, key)
	}
	return e, nil
}

// GetMedia fetches {prefix}/media/{ref}.json.
func (s *S3Store) GetMedia(ctx context.Context, ref MediaRef) (*MediaRecord, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	key := s.Key("media", ref.String()+".json")
	out, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	m, err := decodeMedia(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "s3://%s/%s", s.bucket, key)
	}
	if m.Key == "" {
		m.Key = ref.String()
	}
	return m, nil
}

// GetEvent fetches {prefix}/events/{rev}.json.
func (s *S3Store) GetEvent(ctx context.Context, rev string) (*PublishEvent, error) {
	key := s.Key("events", rev+".json")
	out, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	ev, err := DecodeEvent(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "s3://%s/%s", s.bucket, key)
	}
	return ev, nil
}

func (s *S3Store) get(ctx context.Context, key string) (*s3.GetObjectOutput, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			s.logger.Debug(ctx, "cms object not found", "bucket", s.bucket, "key", key)
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, key)
	}
	return out, nil
}
