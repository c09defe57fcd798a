package processingerror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/common/version"

	"github.com/secplat/posture-pipeline/pkg/pipeline"
)

const (
	unknownHostname = "unknown"

	// Entries without stream are stored under this directory
	unboundDir = "_unbound"
)

// ObjectPutter is the subset of *s3.Client used by the writer.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer archives one json object per processing error, under
// <prefix>/<category>/<yyyy>/<mm>/<dd>/<stream>/<id>.json
type S3Writer struct {
	s3client ObjectPutter
	clock    clockwork.Clock

	component string
	bucket    string
	prefix    string

	hostname string
}

func NewS3Writer(s3client ObjectPutter, clock clockwork.Clock, component string, bucket string, prefix string) S3Writer {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = unknownHostname
	}

	return S3Writer{
		s3client:  s3client,
		clock:     clock,
		component: component,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		hostname:  hostname,
	}
}

func (r S3Writer) WriteProcessingError(ctx context.Context, pErr pipeline.ErrProcessingError) error {
	record := r.record(pErr)

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal archive record: %w", err)
	}

	key := r.objectKey(record)

	_, err = r.s3client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &r.bucket,
		Key:         &key,
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return pipeline.NewErrRetryableError(fmt.Errorf("failed to archive %s in s3: %w", key, err))
	}

	return nil
}

func (r S3Writer) record(pErr pipeline.ErrProcessingError) Record {
	ret := Record{
		Component: Component{
			Name:     r.component,
			Version:  version.Version,
			Revision: version.Revision,
		},
		Host:       r.hostname,
		ArchivedAt: r.clock.Now().UTC(),
		Category:   pErr.Category,
		Outcome:    pipeline.Classify(pErr).String(),
		Error:      pErr.Error(),
	}

	if pErr.Message != nil {
		ret.Entry = &Entry{
			Stream: pErr.Message.Stream,
			ID:     pErr.Message.ID,
			Type:   pErr.Message.Fields["type"],
			Fields: pErr.Message.Fields,
		}
	}

	for _, input := range pErr.AdditionalInputs {
		ret.Inputs = append(ret.Inputs, Input{
			Source: input.Source,
			Key:    input.Key,
			Value:  string(input.Value),
		})
	}

	return ret
}

func (r S3Writer) objectKey(record Record) string {
	category := record.Category
	if category == "" {
		category = pipeline.UnknownCategory
	}

	dir, name := unboundDir, uuid.NewString()

	if record.Entry != nil && record.Entry.Stream != "" && record.Entry.ID != "" {
		dir, name = record.Entry.Stream, record.Entry.ID
	}

	ts := record.ArchivedAt

	return path.Join(
		r.prefix,
		keySegment(category),
		fmt.Sprintf("%04d/%02d/%02d", ts.Year(), ts.Month(), ts.Day()),
		keySegment(dir),
		keySegment(name)+".json",
	)
}

// keySegment keeps a value within a single key segment.
func keySegment(s string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(s)
}
