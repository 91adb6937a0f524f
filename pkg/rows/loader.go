package rows

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/singleflight"
)

// FileLoader fetches the raw bytes behind a source locator.
type FileLoader interface {
	Load(ctx context.Context, path string) ([]byte, error)
}

// IOFileLoader loads files from the local filesystem with caching.
type IOFileLoader struct {
	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewIOFileLoader creates a new filesystem-based file loader.
func NewIOFileLoader() *IOFileLoader {
	return &IOFileLoader{
		cache: make(map[string][]byte),
	}
}

// Load reads the file content from the filesystem. Results are cached.
func (l *IOFileLoader) Load(ctx context.Context, path string) ([]byte, error) {
	l.cacheMu.RLock()
	if cached, ok := l.cache[path]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	result, err, _ := l.group.Do(path, func() (any, error) {
		l.cacheMu.RLock()
		if cached, ok := l.cache[path]; ok {
			l.cacheMu.RUnlock()
			return cached, nil
		}
		l.cacheMu.RUnlock()

		result, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		l.cacheMu.Lock()
		l.cache[path] = result
		l.cacheMu.Unlock()

		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// S3FileLoader loads file contents from an Amazon S3 bucket using the AWS
// SDK v2. Useful when input tables live in S3 instead of the local
// filesystem.
type S3FileLoader struct {
	bucket string
	client *s3.Client

	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewS3FileLoaderParams defines the configuration parameters for creating
// a new S3FileLoader.
//
// Endpoint allows overriding the S3 endpoint (useful for S3-compatible
// storage like MinIO). AccessKey and SecretKey provide static credentials.
type NewS3FileLoaderParams struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3FileLoader creates a new S3FileLoader using the provided
// parameters. It initializes an AWS S3 client with static credentials and
// the given endpoint/region.
func NewS3FileLoader(ctx context.Context, params NewS3FileLoaderParams) (*S3FileLoader, error) {
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(params.Region),
		config.WithBaseEndpoint(params.Endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, err
	}

	return &S3FileLoader{
		bucket: params.Bucket,
		client: s3.NewFromConfig(cfg),
		cache:  make(map[string][]byte),
	}, nil
}

// NewS3FileLoaderWithClient creates a new S3FileLoader using an existing
// s3.Client, for reuse of a preconfigured AWS client.
func NewS3FileLoaderWithClient(bucket string, client *s3.Client) *S3FileLoader {
	return &S3FileLoader{
		bucket: bucket,
		client: client,
		cache:  make(map[string][]byte),
	}
}

// Load retrieves the object at the given key from the configured bucket.
// Results are cached.
func (l *S3FileLoader) Load(ctx context.Context, path string) ([]byte, error) {
	l.cacheMu.RLock()
	if cached, ok := l.cache[path]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	result, err, _ := l.group.Do(path, func() (any, error) {
		l.cacheMu.RLock()
		if cached, ok := l.cache[path]; ok {
			l.cacheMu.RUnlock()
			return cached, nil
		}
		l.cacheMu.RUnlock()

		out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(l.bucket),
			Key:    aws.String(path),
		})
		if err != nil {
			return nil, err
		}
		defer out.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, out.Body); err != nil {
			return nil, err
		}

		byts := buf.Bytes()

		l.cacheMu.Lock()
		l.cache[path] = byts
		l.cacheMu.Unlock()

		return byts, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
