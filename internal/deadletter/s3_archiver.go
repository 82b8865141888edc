// internal/deadletter/s3_archiver.go
package deadletter

import (
	"context"
	"fmt"
	"io"
	"time"

	"estat-capture/internal/config"
	"estat-capture/internal/logger"
	"estat-capture/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Archiver 는 dead-letter 파일 1개를 영구 저장소로 보낸다.
type Archiver interface {
	UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// PutObjectAPI: archiver 가 쓰는 S3 client 의 일부 (테스트에서 fake 로 대체)
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver 는 dead-letter 파일을 S3 에 업로드한다.
//
// 재시도는 SDK 가 아니라 여기서 한다 (RetryMaxAttempts = 0).
//   - shutdown 시 재시도를 바로 끊을 수 있다
//   - 시도마다 별도 timeout
//   - backoff 200ms 시작, 2배씩, 최대 2s
type S3Archiver struct {
	client   PutObjectAPI
	bucket   string
	timeout  time.Duration
	attempts int
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewS3Archiver 는 cfg.AWSRegion 으로 기본 AWS credential chain 을 로드한다.
func NewS3Archiver(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*S3Archiver, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})

	return NewS3ArchiverFromClient(client, cfg, m, nil), nil
}

func NewS3ArchiverFromClient(client PutObjectAPI, cfg config.Config, m *metrics.Metrics, clock clockwork.Clock) *S3Archiver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	attempts := cfg.S3AppRetries
	if attempts <= 0 {
		attempts = 1
	}
	timeout := cfg.S3Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &S3Archiver{
		client:   client,
		bucket:   cfg.ArchiveBucket,
		timeout:  timeout,
		attempts: attempts,
		clock:    clock,
		metrics:  m,
		log:      logger.Component("s3-archiver"),
	}
}

// UploadFileWithRetryCtx
// -----------------------
// 재시도 전마다 f 를 되감으므로 seek 가능해야 한다. size 는 caller 의 stat 결과.
func (u *S3Archiver) UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= u.attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt > 1 {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind %s: %w", key, err)
			}
		}

		err := u.putObject(ctx, key, f, size)
		if err == nil {
			return nil
		}
		lastErr = err
		if u.metrics != nil {
			u.metrics.ArchivePutErrorsTotal.Inc()
		}
		u.log.Debug().Err(err).Str("key", key).Int("attempt", attempt).Msg("put object failed")

		if attempt == u.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.clock.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}

	return lastErr
}

// putObject: 시도별 timeout 이 걸린 PutObject 1회
func (u *S3Archiver) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}
