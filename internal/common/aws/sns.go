// internal/common/aws/sns.go
package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"omnisearch/internal/models"
)

// SNSService is the subset of the SNS client used here.
type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes dataset run summaries to a topic.
type SNSNotifier struct {
	client   SNSService
	topicARN string
}

func NewSNSNotifier(ctx context.Context, region, topicARN string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSNSNotifierWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

func NewSNSNotifierWithClient(client SNSService, topicARN string) *SNSNotifier {
	return &SNSNotifier{client: client, topicARN: topicARN}
}

// NotifyRunCompleted publishes summary as JSON with the dataset as a message
// attribute for subscription filtering.
func (n *SNSNotifier) NotifyRunCompleted(ctx context.Context, summary models.RunSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Subject:  aws.String(fmt.Sprintf("omnisearch run %s finished", summary.Dataset)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"dataset": {DataType: aws.String("String"), StringValue: aws.String(summary.Dataset)},
			"failed":  {DataType: aws.String("Number"), StringValue: aws.String(fmt.Sprintf("%d", summary.Failed))},
		},
	})
	if err != nil {
		return fmt.Errorf("publish run summary: %w", err)
	}
	return nil
}
