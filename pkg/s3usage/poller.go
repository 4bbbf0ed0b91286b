// Package s3usage tallies storage usage per origin from S3 object events
// arriving on an SQS queue, and reports it as a quota.Client.
package s3usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/dustin/go-humanize"
	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/treeverse/quotamgr/pkg/quota"
	"github.com/treeverse/quotamgr/pkg/store"
)

const (
	sleepAfterReceiveFailed = 2 * time.Second

	// DefaultKeyPattern matches objects laid out as
	// s3://bucket/<class>/<scheme>/<host[:port]>/...
	DefaultKeyPattern = `^s3://[^/]+/(temporary|persistent)/(https?)/([^/]+)/.+$`
	// DefaultKeyReplacement expands DefaultKeyPattern to "<class> <origin>".
	DefaultKeyReplacement = `$1 $2://$3`
)

var ErrBadKey = errors.New("bad expanded key")

// NewSQS returns an SQS client configured from the shared AWS config.
func NewSQS() (*sqs.SQS, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("new AWS session: %w", err)
	}
	return sqs.New(sess), nil
}

// QueueURL resolves the URL of the queue named name.
func QueueURL(ctx context.Context, client sqsiface.SQSAPI, name string) (string, error) {
	out, err := client.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("get URL of queue %s: %w", name, err)
	}
	return aws.StringValue(out.QueueUrl), nil
}

// Poll repeatedly long-polls on client, and updates the store s, until ctx
// is cancelled.
func Poll(ctx context.Context, l *zap.Logger, client sqsiface.SQSAPI, queueURL string, keyPattern *regexp.Regexp, keyReplace string, s store.Store) {
	log := l.Sugar().Named("s3usage").With("queue", queueURL)
	for {
		in := &sqs.ReceiveMessageInput{
			MaxNumberOfMessages: aws.Int64(10),
			MessageAttributeNames: []*string{
				aws.String(sqs.QueueAttributeNameAll),
			},
			QueueUrl:          aws.String(queueURL),
			VisibilityTimeout: aws.Int64(3),
			WaitTimeSeconds:   aws.Int64(10),
		}
		out, err := client.ReceiveMessageWithContext(ctx, in)
		if ctx.Err() != nil {
			log.Infow("Stopped polling", "reason", ctx.Err())
			return
		}
		if err != nil {
			log.Errorw("Receive messages", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(sleepAfterReceiveFailed):
			}
			continue
		}
		for i, m := range out.Messages {
			err = UpdateStore(ctx, m, keyPattern, keyReplace, s)
			if err != nil {
				log.Errorw("Update usage", "message", i, "messages", len(out.Messages), "error", err)
				continue // Don't delete, message may be retried or dead-lettered.
			}

			_, err = client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(queueURL),
				ReceiptHandle: m.ReceiptHandle,
			})
			if err != nil {
				log.Errorw("Ack/delete message", "handle", aws.StringValue(m.ReceiptHandle), "error", err)
				continue
			}
		}
	}
}

// ParseKey splits a key expanded from the key pattern, "<class> <origin>".
func ParseKey(key string) (quota.StorageClass, quota.Origin, error) {
	className, originText, ok := strings.Cut(key, " ")
	if !ok {
		return 0, quota.Origin{}, fmt.Errorf("%q: %w", key, ErrBadKey)
	}
	class, err := quota.ParseStorageClass(className)
	if err != nil {
		return 0, quota.Origin{}, fmt.Errorf("%q: %w: %w", key, ErrBadKey, err)
	}
	origin, err := quota.ParseOrigin(originText)
	if err != nil {
		return 0, quota.Origin{}, fmt.Errorf("%q: %w: %w", key, ErrBadKey, err)
	}
	return class, origin, nil
}

// UpdateStore adds usage on s from an SQS message of S3 events.  Objects
// whose path does not match keyPattern are ignored.
func UpdateStore(ctx context.Context, message *sqs.Message, keyPattern *regexp.Regexp, keyReplace string, s store.Store) error {
	var n Notification
	if err := json.Unmarshal([]byte(aws.StringValue(message.Body)), &n); err != nil {
		// The body may hold PII in S3 object keys, so only log its ID.
		id := "[no ID]"
		if message.MessageId != nil {
			id = *message.MessageId
		}
		return fmt.Errorf("JSON parse failed for message %s: %w", id, err)
	}

	var merr *multierror.Error
	for i := range n.Records {
		g, err := n.Records[i].Growth()
		if err != nil && !errors.Is(err, errNoUsage) {
			merr = multierror.Append(merr, fmt.Errorf("record parse failed for message %s @%d: %w", aws.StringValue(message.MessageId), i, err))
		}
		if err != nil {
			continue
		}

		match := keyPattern.FindStringSubmatchIndex(g.Path)
		if len(match) == 0 {
			continue
		}
		key := string(keyPattern.ExpandString(nil, keyReplace, g.Path, match))
		class, origin, err := ParseKey(key)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		storeKey := UsageKey(class, origin)
		if err = s.AddSizeBytes(ctx, storeKey, g.Bytes); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("add %s to key %s: %w", humanize.IBytes(uint64(g.Bytes)), storeKey, err))
			continue
		}
	}
	return merr.ErrorOrNil()
}
