package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// DefaultRPCWaitTime bounds a single AWS call.
const DefaultRPCWaitTime = 30 * time.Second

// SQSAPI is the subset of the SQS client the requester uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSRequester publishes charge requests as JSON messages to an SQS
// queue. FIFO queues (URL ending in ".fifo") get one message group per
// request and a deduplication ID per charge.
type SQSRequester struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

// NewSQSRequester creates a requester publishing to queueURL.
func NewSQSRequester(client SQSAPI, queueURL string) *SQSRequester {
	return &SQSRequester{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

// Request implements Requester.
func (s *SQSRequester) Request(ctx context.Context, c ChargeRequest) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("dispatch/billing: marshal charge request: %w", err)
	}

	in := &sqs.SendMessageInput{
		MessageBody: aws.String(string(body)),
		QueueUrl:    aws.String(s.queueURL),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(c.Kind))},
		},
	}
	if s.fifo {
		in.MessageGroupId = aws.String(c.RequestID)
		in.MessageDeduplicationId = aws.String(c.DeduplicationID())
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultRPCWaitTime)
	defer cancel()

	if _, err := s.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("dispatch/billing: send %s for %s: %w", c.Kind, c.RequestID, err)
	}
	return nil
}

// LoadAWSConfig loads the default AWS configuration for region. A
// non-empty endpoint overrides every service endpoint, which points the
// SDK at a local emulator.
func LoadAWSConfig(ctx context.Context, region, endpoint string) (aws.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRPCWaitTime)
	defer cancel()

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(_, _ string, _ ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				PartitionID:   "aws",
				URL:           endpoint,
				SigningRegion: region,
			}, nil
		})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// NewSQSRequesterFromConfig builds an SQS client from cfg.
func NewSQSRequesterFromConfig(cfg aws.Config, queueURL string) *SQSRequester {
	return NewSQSRequester(sqs.NewFromConfig(cfg), queueURL)
}
