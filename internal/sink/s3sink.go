// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sink provides plaintext downstream consumers for a pump: where
// decrypted application bytes ultimately land.
package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/tlspump/pump"
)

// S3Sink is a pump.Downstream that pgzips decrypted plaintext as it arrives
// and multipart-uploads the compressed stream to an S3 object, the way the
// teacher's AtomicWriter accumulates a backup to a temp file before
// committing it — except the "commit" here is the upload's own final part,
// and there is no local temp file at all.
type S3Sink struct {
	logger *slog.Logger
	bucket string
	key    string

	pw *io.PipeWriter
	gz *pgzip.Writer

	uploadErr  error
	uploadDone chan struct{}
	closeOnce  sync.Once
}

// NewS3Sink starts the multipart upload's reader goroutine immediately and
// returns a Downstream ready to receive OnNext calls. bucket/prefix name the
// destination; the final key is prefix + a UTC timestamp + ".gz".
func NewS3Sink(ctx context.Context, bucket, prefix, region string, logger *slog.Logger) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client)

	key := fmt.Sprintf("%s%s.gz", prefix, time.Now().UTC().Format("2006-01-02T15-04-05.000"))

	pr, pw := io.Pipe()
	gz, err := pgzip.NewWriterLevel(pw, pgzip.BestSpeed)
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("creating pgzip writer: %w", err)
	}

	s := &S3Sink{
		logger:     logger.With("component", "s3_sink", "bucket", bucket, "key", key),
		bucket:     bucket,
		key:        key,
		pw:         pw,
		gz:         gz,
		uploadDone: make(chan struct{}),
	}

	go func() {
		defer close(s.uploadDone)
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: &bucket,
			Key:    &key,
			Body:   pr,
		})
		s.uploadErr = err
	}()

	return s, nil
}

// OnNext implements pump.Downstream.
func (s *S3Sink) OnNext(frame [][]byte) {
	for _, b := range frame {
		if len(b) == 0 {
			continue
		}
		if _, err := s.gz.Write(b); err != nil {
			s.abort(err)
			return
		}
	}
}

// OnComplete implements pump.Downstream: flushes the gzip trailer, closes
// the pipe, and waits for the upload to finish before returning.
func (s *S3Sink) OnComplete() {
	s.closeOnce.Do(func() {
		gzErr := s.gz.Close()
		pwErr := s.pw.Close()
		<-s.uploadDone
		if s.uploadErr != nil {
			s.logger.Error("s3 upload failed", "error", s.uploadErr)
			return
		}
		if gzErr != nil || pwErr != nil {
			s.logger.Error("closing compressed stream", "gzip_error", gzErr, "pipe_error", pwErr)
			return
		}
		s.logger.Info("upload completed")
	})
}

// OnError implements pump.Downstream.
func (s *S3Sink) OnError(err error) {
	s.abort(err)
}

func (s *S3Sink) abort(err error) {
	s.closeOnce.Do(func() {
		s.pw.CloseWithError(err)
		<-s.uploadDone
		s.logger.Error("aborted after pipeline error", "error", err)
	})
}
