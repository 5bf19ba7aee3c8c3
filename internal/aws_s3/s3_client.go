package aws_s3

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/IliaW/resource-scanner/config"
	"github.com/IliaW/resource-scanner/internal/capture"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3BucketClient stores screenshots as objects under <key_prefix>/<domain>/ and returns the object key.
type S3BucketClient struct {
	client objectPutter
	cfg    *config.S3Config
}

func NewS3BucketClient(ctx context.Context, env string, cfg *config.S3Config) (*S3BucketClient, error) {
	slog.Info("connecting to s3...")
	c, err := connect(ctx, env, cfg)
	if err != nil {
		return nil, err
	}
	return &S3BucketClient{
		client: c,
		cfg:    cfg,
	}, nil
}

func (bc *S3BucketClient) Save(ctx context.Context, domain string, image []byte) (string, error) {
	name := capture.ScreenshotName(domain, image)
	s3Key := path.Join(bc.cfg.KeyPrefix, strings.TrimSuffix(name, path.Ext(name)), name)
	contentType := http.DetectContentType(image)

	_, err := bc.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bc.cfg.BucketName,
		Key:         &s3Key,
		Body:        bytes.NewReader(image),
		ContentType: &contentType,
	})
	if err != nil {
		slog.Error("failed to save screenshot to s3.", slog.String("domain", domain), slog.String("err", err.Error()))
		return "", err
	}
	slog.Debug("screenshot saved to s3.", slog.String("key", s3Key))

	return s3Key, nil
}

func connect(ctx context.Context, env string, cfg *config.S3Config) (*s3.Client, error) {
	s3Config, err := awsCfg.LoadDefaultConfig(ctx, awsCfg.WithRegion(cfg.Region))
	if err != nil {
		slog.Error("failed to load s3 config.", slog.String("err", err.Error()))
		return nil, err
	}

	if env == "local" {
		s3Config.BaseEndpoint = &cfg.AwsBaseEndpoint // for LocalStack
		s3Config.Credentials = crd.NewStaticCredentialsProvider("test", "test", "")
		// LocalStack does not support virtual hosted bucket addressing.
		slog.Warn("test configuration for S3")
		return s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		}), nil
	}

	return s3.NewFromConfig(s3Config), nil
}
