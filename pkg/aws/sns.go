package aws

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// maxSubjectLength is the SNS limit on email subjects.
const maxSubjectLength = 100

// SNSPublisher publishes one message with string attributes subscribers can filter on.
type SNSPublisher interface {
	Publish(ctx context.Context, topicArn, subject string, message []byte, attributes map[string]string) error
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSClient struct {
	api snsAPI
}

func NewSNSClient(cfg sdkaws.Config) *SNSClient {
	return &SNSClient{api: sns.NewFromConfig(cfg)}
}

// Publish sends message to topicArn. On a FIFO topic the "category" attribute is the message
// group and the content hash is the deduplication id, so SNS drops repeats within its
// five-minute window.
func (s *SNSClient) Publish(ctx context.Context, topicArn, subject string, message []byte, attributes map[string]string) error {
	if topicArn == "" {
		return fmt.Errorf("empty topicArn")
	}
	input := &sns.PublishInput{
		TopicArn: sdkaws.String(topicArn),
		Message:  sdkaws.String(string(message)),
	}
	if subject = strings.TrimSpace(subject); subject != "" {
		if len(subject) > maxSubjectLength {
			subject = subject[:maxSubjectLength]
		}
		input.Subject = sdkaws.String(subject)
	}
	if len(attributes) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attributes))
		for k, v := range attributes {
			input.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    sdkaws.String("String"),
				StringValue: sdkaws.String(v),
			}
		}
	}
	if strings.HasSuffix(topicArn, ".fifo") {
		group := attributes["category"]
		if group == "" {
			group = "default"
		}
		sum := sha256.Sum256(message)
		input.MessageGroupId = sdkaws.String(group)
		input.MessageDeduplicationId = sdkaws.String(hex.EncodeToString(sum[:]))
	}

	if _, err := s.api.Publish(ctx, input); err != nil {
		return fmt.Errorf("sns publish failed for topic %s: %w", topicArn, err)
	}
	return nil
}
