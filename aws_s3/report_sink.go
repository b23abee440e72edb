package aws_s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sharedcode/flashsale/inventory"
)

// ReportSink uploads reconciliation events as JSON objects, keyed by product
// and event time. Implements inventory.ReconciliationSink.
type ReportSink struct {
	S3Client *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func NewReportSink(s3Client *s3.Client, bucketName string) (*ReportSink, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	if bucketName == "" {
		return nil, fmt.Errorf("bucketName parameter can't be empty")
	}
	return &ReportSink{
		S3Client: s3Client,
		uploader: manager.NewUploader(s3Client),
		bucket:   bucketName,
	}, nil
}

// Record uploads the event. Object key layout keeps one prefix per product so
// the reconciler can list a product's pending events cheaply.
func (rs *ReportSink) Record(ctx context.Context, ev inventory.ReconciliationEvent) error {
	ba, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("reconciliation/%s/%d.json", ev.ProductID, ev.At.UnixNano())
	_, err = rs.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(rs.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(ba),
	})
	if err != nil {
		return fmt.Errorf("couldn't upload reconciliation report %s to bucket %s, details: %v", key, rs.bucket, err)
	}
	return nil
}
