package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/models"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Options configures NewS3Store.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Root      string
}

// S3Store keeps objects in an S3 bucket under {root}/{organization}/{trail}/{name}.
// Containers are key prefixes, so EnsureContainer is a no-op.
type S3Store struct {
	client S3API
	bucket string
	root   string
}

// NewS3Store builds an S3 client from the default AWS credential chain.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	log.Info().Str("bucket", opts.Bucket).Str("region", opts.Region).Str("endpoint", opts.Endpoint).Msg("S3 object store initialized")
	return NewS3StoreWithClient(client, opts.Bucket, opts.Root), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, bucket, root string) *S3Store {
	return &S3Store{client: client, bucket: bucket, root: strings.Trim(root, "/")}
}

func (s *S3Store) key(id string) string {
	return path.Join(s.root, id)
}

func (s *S3Store) prefix(containerID string) string {
	return path.Join(s.root, containerID) + "/"
}

func (s *S3Store) ListContainers(ctx context.Context, parent string) ([]string, error) {
	prefix := s.prefix(parent)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, opError("list-containers", parent, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func (s *S3Store) EnsureContainer(ctx context.Context, containerID string) error {
	return nil
}

func (s *S3Store) ListObjects(ctx context.Context, containerID string) ([]models.ObjectMeta, error) {
	prefix := s.prefix(containerID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var objects []models.ObjectMeta
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, opError("list", containerID, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				continue
			}
			created, ok := CaptureTimeFromName(name)
			if !ok {
				created = aws.ToTime(obj.LastModified)
			}
			objects = append(objects, models.ObjectMeta{
				ID:          ObjectID(containerID, name),
				Name:        name,
				MIMEType:    MIMETypeFromName(name),
				CreatedTime: created,
				Size:        aws.ToInt64(obj.Size),
			})
		}
	}
	log.Debug().Str("container", containerID).Int("objects", len(objects)).Msg("S3 listing completed")
	return objects, nil
}

func (s *S3Store) DownloadObject(ctx context.Context, id, localPath string) error {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return opError("download", id, ErrNotFound)
		}
		return opError("download", id, err)
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return opError("download", id, fmt.Errorf("create file: %w", err))
	}
	if _, err := io.Copy(f, result.Body); err != nil {
		f.Close()
		os.Remove(localPath)
		return opError("download", id, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(localPath)
		return opError("download", id, err)
	}
	return nil
}

func (s *S3Store) UploadObject(ctx context.Context, containerID, localPath, name string) (*models.ObjectMeta, error) {
	id := ObjectID(containerID, name)
	f, err := os.Open(localPath)
	if err != nil {
		return nil, opError("upload", id, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, opError("upload", id, err)
	}

	mimeType := MIMETypeFromName(name)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(id)),
		Body:          f,
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return nil, opError("upload", id, err)
	}

	created, ok := CaptureTimeFromName(name)
	if !ok {
		created = time.Now().UTC()
	}
	return &models.ObjectMeta{
		ID:          id,
		Name:        name,
		MIMEType:    mimeType,
		CreatedTime: created,
		Size:        info.Size(),
	}, nil
}

// DeleteObject checks for the key first, since S3 deletes of missing keys succeed.
func (s *S3Store) DeleteObject(ctx context.Context, id string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return opError("delete", id, ErrNotFound)
		}
		return opError("delete", id, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return opError("delete", id, err)
	}
	return nil
}
