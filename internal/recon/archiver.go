package recon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Record describes one settlement call that failed after a bounty's status
// transition had already committed. These records are the input to manual
// reconciliation against the settlement network.
type Record struct {
	BountyID   uuid.UUID          `json:"bountyId"`
	Operation  string             `json:"operation"`
	ChannelID  string             `json:"channelId,omitempty"`
	Allocation map[string]float64 `json:"allocation,omitempty"`
	Error      string             `json:"error"`
	Ts         time.Time          `json:"ts"`
}

type Archiver interface {
	ArchiveDegradedSettlement(ctx context.Context, rec Record) error
}

// NopArchiver drops records. Used when no reconciliation bucket is configured;
// the log line is then the only trace of a degraded settlement.
type NopArchiver struct{}

func (NopArchiver) ArchiveDegradedSettlement(ctx context.Context, rec Record) error { return nil }

// S3Archiver writes reconciliation records to object storage under paths like:
//
//	s3://<bucket>/<prefix>/reconciliation/YYYY/MM/DD/<bountyID>-<operation>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

func (a *S3Archiver) ArchiveDegradedSettlement(ctx context.Context, rec Record) error {
	if rec.Ts.IsZero() {
		rec.Ts = time.Now().UTC()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode reconciliation record: %w", err)
	}

	year, month, day := rec.Ts.Date()
	objectKey := path.Join(a.prefix, "reconciliation",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s-%s.json", rec.BountyID, rec.Operation),
	)

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload reconciliation record: %w", err)
	}
	return nil
}
