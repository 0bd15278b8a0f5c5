// Package s3 stores document content as objects in an S3 bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vango-dev/collab/pkg/storage"
)

const contentType = "text/plain; charset=utf-8"

// Config holds S3 store configuration.
type Config struct {
	Bucket string
	Prefix string

	// Region, Endpoint and static keys are only used by NewFromConfig.
	// Empty keys fall back to the default AWS credential chain.
	Region      string
	Endpoint    string
	AccessKeyID string
	SecretKey   string
}

// Client defines the S3 operations used by the store.
// This interface allows for mocking in tests.
type Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store implements storage.Store on top of S3.
type Store struct {
	cfg    Config
	client Client
}

// New creates a store with an existing client.
func New(cfg Config, client Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	return &Store{cfg: cfg, client: client}, nil
}

// NewFromConfig builds an S3 client from cfg and the ambient AWS
// configuration.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return New(cfg, client)
}

func (s *Store) key(id string) string {
	return s.cfg.Prefix + id
}

// Load returns the content stored for id.
func (s *Store) Load(ctx context.Context, id string) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("getting object %s: %w", s.key(id), err)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("reading object %s: %w", s.key(id), err)
	}
	return string(body), nil
}

// Save writes content to the object for id.
func (s *Store) Save(ctx context.Context, id, content string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.key(id)),
		Body:        strings.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", s.key(id), err)
	}
	return nil
}

// List returns every document under the prefix ordered by id.
func (s *Store) List(ctx context.Context) ([]storage.Document, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix),
	})

	var docs []storage.Document
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			d := storage.Document{
				ID:   strings.TrimPrefix(aws.ToString(obj.Key), s.cfg.Prefix),
				Size: int(aws.ToInt64(obj.Size)),
			}
			if obj.LastModified != nil {
				d.UpdatedAt = *obj.LastModified
			}
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

var _ storage.Store = (*Store)(nil)
