package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"video_worker/pkg/config"
	"video_worker/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

const (
	jobIDAttribute        = "job_id"
	receiveCountAttribute = "ApproximateReceiveCount"
	sentTimestampAttr     = "SentTimestamp"
	// SQS visibility timeout 上限 12 小時
	maxVisibility = 12 * time.Hour
)

// SQSAPI 定義用到的 sqs client 方法，方便 mock
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSAdapter managed cloud queue
// attempt 由 ApproximateReceiveCount 推得，Nack 只調整 visibility
type SQSAdapter struct {
	api        SQSAPI
	queueName  string
	visibility time.Duration
	waitTime   int32

	mu   sync.Mutex
	urls map[string]string
}

// NewSQSAdapter load aws config and create adapter
func NewSQSAdapter(ctx context.Context, cfg config.QueueConfig) (*SQSAdapter, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.SQS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.SQS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.SQS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.SQS.Endpoint)
		}
	})
	a := NewSQSAdapterWithAPI(client, cfg)
	if err := a.Ping(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// NewSQSAdapterWithAPI create adapter on an existing api
func NewSQSAdapterWithAPI(api SQSAPI, cfg config.QueueConfig) *SQSAdapter {
	wait := cfg.SQS.WaitTime
	if wait < 0 || wait > 20 {
		wait = 20
	}
	return &SQSAdapter{
		api:        api,
		queueName:  cfg.Name,
		visibility: cfg.VisibilityTimeout,
		waitTime:   wait,
		urls:       map[string]string{},
	}
}

func (a *SQSAdapter) queueURL(ctx context.Context, name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.urls[name]; ok {
		return u, nil
	}
	out, err := a.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("sqs get queue url %s: %w", name, err)
	}
	u := aws.ToString(out.QueueUrl)
	a.urls[name] = u
	return u, nil
}

func seconds(d time.Duration) int32 {
	if d > maxVisibility {
		d = maxVisibility
	}
	if d < 0 {
		d = 0
	}
	return int32((d + time.Second - 1) / time.Second)
}

// Enqueue send job to the named queue
func (a *SQSAdapter) Enqueue(ctx context.Context, queueName string, job Job) error {
	u, err := a.queueURL(ctx, queueName)
	if err != nil {
		return err
	}
	body, err := EncodePayload(job)
	if err != nil {
		return err
	}
	_, err = a.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(u),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			jobIDAttribute: {DataType: aws.String("String"), StringValue: aws.String(job.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send %s: %w", queueName, err)
	}
	return nil
}

// Receive long-poll until a message arrives or ctx ends
func (a *SQSAdapter) Receive(ctx context.Context) (*Delivery, error) {
	u, err := a.queueURL(ctx, a.queueName)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := a.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(u),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       a.waitTime,
			VisibilityTimeout:     seconds(a.visibility),
			AttributeNames:        []types.QueueAttributeName{receiveCountAttribute, sentTimestampAttr},
			MessageAttributeNames: []string{jobIDAttribute},
		})
		if err != nil {
			return nil, fmt.Errorf("sqs receive: %w", err)
		}
		if len(out.Messages) == 0 {
			continue
		}

		m := out.Messages[0]
		p, err := DecodePayload([]byte(aws.ToString(m.Body)))
		if err != nil {
			logger.Log.Error("drop malformed sqs message", zap.String("message_id", aws.ToString(m.MessageId)), zap.Error(err))
			_, _ = a.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(u), ReceiptHandle: m.ReceiptHandle})
			continue
		}
		return &Delivery{Job: jobFromMessage(m, p), Queue: a.queueName, handle: aws.ToString(m.ReceiptHandle)}, nil
	}
}

func jobFromMessage(m types.Message, p Payload) Job {
	job := Job{ID: aws.ToString(m.MessageId), VideoID: p.VideoID, EnqueuedAt: time.Now().UTC()}
	if v, ok := m.MessageAttributes[jobIDAttribute]; ok && aws.ToString(v.StringValue) != "" {
		job.ID = aws.ToString(v.StringValue)
	}
	if n, err := strconv.Atoi(m.Attributes[receiveCountAttribute]); err == nil && n > 0 {
		job.Attempt = n - 1
	}
	if ms, err := strconv.ParseInt(m.Attributes[sentTimestampAttr], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return job
}

// Ack delete message
func (a *SQSAdapter) Ack(ctx context.Context, d *Delivery) error {
	handle, ok := d.handle.(string)
	if !ok {
		return fmt.Errorf("sqs ack: foreign delivery")
	}
	u, err := a.queueURL(ctx, d.Queue)
	if err != nil {
		return err
	}
	if _, err := a.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(u), ReceiptHandle: aws.String(handle)}); err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

// Nack 將 visibility 改成 delay，到期後 SQS 自動重送 (receive count +1)
func (a *SQSAdapter) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	handle, ok := d.handle.(string)
	if !ok {
		return fmt.Errorf("sqs nack: foreign delivery")
	}
	u, err := a.queueURL(ctx, d.Queue)
	if err != nil {
		return err
	}
	_, err = a.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(u),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: seconds(delay),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	return nil
}

// Ping resolve main queue url
func (a *SQSAdapter) Ping(ctx context.Context) error {
	_, err := a.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(a.queueName)})
	if err != nil {
		return fmt.Errorf("sqs ping: %w", err)
	}
	return nil
}

// Close nothing to release, sqs client is stateless
func (a *SQSAdapter) Close() error {
	return nil
}
