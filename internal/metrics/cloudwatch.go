package metrics

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/picklr-io/broker/internal/model"
)

// CloudWatchConfig configures the CloudWatch snapshot publisher.
type CloudWatchConfig struct {
	Namespace string `json:"namespace"`
	Region    string `json:"region"`
	Profile   string `json:"profile"`
}

// CloudWatchAPI is the subset of the CloudWatch client the publisher uses.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher is a snapshot sink that publishes every pool count as
// a CloudWatch metric with a PoolCode dimension.
type CloudWatchPublisher struct {
	client    CloudWatchAPI
	namespace string
}

// NewCloudWatchPublisher loads AWS configuration and returns a publisher.
func NewCloudWatchPublisher(ctx context.Context, cfg CloudWatchConfig) (*CloudWatchPublisher, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewCloudWatchPublisherWithClient(cloudwatch.NewFromConfig(awsCfg), cfg.Namespace), nil
}

// NewCloudWatchPublisherWithClient wraps an existing client.
func NewCloudWatchPublisherWithClient(client CloudWatchAPI, namespace string) *CloudWatchPublisher {
	if namespace == "" {
		namespace = "ResourceBroker"
	}
	return &CloudWatchPublisher{client: client, namespace: namespace}
}

func (p *CloudWatchPublisher) PutSnapshot(ctx context.Context, snap *model.PoolSnapshot) error {
	counts := snapshotCounts(snap)
	counts["target"] = snap.TargetCount

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	dims := []cwtypes.Dimension{{Name: aws.String("PoolCode"), Value: aws.String(snap.PoolCode)}}
	data := make([]cwtypes.MetricDatum, 0, len(names))
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dims,
			Timestamp:  aws.Time(snap.Updated),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(counts[name])),
		})
	}

	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish metrics for pool %s: %w", snap.PoolCode, err)
	}
	return nil
}
