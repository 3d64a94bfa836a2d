package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"dropgate/internal/config"
	"dropgate/internal/domain/entity"
	"dropgate/internal/domain/storage"
)

// s3Provider stores files in a single bucket using the instance credentials
// from config. There is no per-user OAuth handshake: keys never expire, so
// RefreshToken returns a far-future credential and ExchangeCode is not
// supported.
type s3Provider struct {
	client *s3.Client
	config *config.S3Config
	logger *zap.Logger
}

func NewS3Provider(cfg *config.Config, logger *zap.Logger) (storage.CloudStorageProvider, error) {
	s3cfg := &cfg.Storage.S3

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s3cfg.Region),
	}
	if s3cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Provider{
		client: client,
		config: s3cfg,
		logger: logger,
	}, nil
}

func (p *s3Provider) Name() string {
	return config.ProviderS3
}

func (p *s3Provider) UploadFile(ctx context.Context, userID int64, localPath, folderID, filename, mimeType, description string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open spooled file: %w", err)
	}
	defer f.Close()

	key := filename
	if folderID != "" {
		key = strings.TrimSuffix(folderID, "/") + "/" + filename
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if description != "" {
		input.Metadata = map[string]string{"description": description}
	}

	if _, err := p.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}

	p.logger.Debug("Object uploaded",
		zap.String("bucket", p.config.Bucket),
		zap.String("key", key),
	)

	return key, nil
}

func (p *s3Provider) DeleteFile(ctx context.Context, userID int64, fileID string) (bool, error) {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(fileID),
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete object %s: %w", fileID, err)
	}
	// S3 deletes are idempotent, a missing key still succeeds.
	return true, nil
}

// GetOrCreateUserFolderID maps an employee to a key prefix. Prefixes need no
// creation call, objects under them materialize the "folder".
func (p *s3Provider) GetOrCreateUserFolderID(ctx context.Context, userID int64, email string) (string, error) {
	prefix := sanitizeKeyPrefix(email)
	if prefix == "" {
		prefix = fmt.Sprintf("user-%d", userID)
	}
	return prefix, nil
}

func (p *s3Provider) Probe(ctx context.Context, userID int64) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(p.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", p.config.Bucket, err)
	}
	return nil
}

func (p *s3Provider) RefreshToken(ctx context.Context, rec *entity.TokenRecord) (*entity.Credentials, error) {
	// Static keys do not expire. Returning a far-future expiry keeps the
	// renewal service from ever scheduling this provider.
	return &entity.Credentials{
		AccessToken: rec.AccessToken,
		TokenType:   "aws-static",
		ExpiresAt:   time.Now().AddDate(10, 0, 0),
	}, nil
}

func (p *s3Provider) ExchangeCode(ctx context.Context, code string) (*entity.Credentials, error) {
	return nil, storage.ErrNotSupported
}

func sanitizeKeyPrefix(email string) string {
	s := strings.ToLower(strings.TrimSpace(email))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		case r == '@':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}
