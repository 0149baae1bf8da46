package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// maxDatumsPerPut is the PutMetricData limit on data points per request.
const maxDatumsPerPut = 1000

// Datum is one data point waiting to be sent.
type Datum struct {
	Name       string
	Value      float64
	Unit       types.StandardUnit
	Dimensions map[string]string
}

// Count builds a counter datum.
func Count(name string, n float64, dimensions map[string]string) Datum {
	return Datum{Name: name, Value: n, Unit: types.StandardUnitCount, Dimensions: dimensions}
}

// Duration builds a millisecond datum.
func Duration(name string, d time.Duration, dimensions map[string]string) Datum {
	return Datum{Name: name, Value: float64(d.Milliseconds()), Unit: types.StandardUnitMilliseconds, Dimensions: dimensions}
}

type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// MetricsClient sends bulk-order metrics to CloudWatch. A nil or disabled client is a no-op.
type MetricsClient struct {
	api       cloudWatchAPI
	namespace string
	enabled   bool
	now       func() time.Time
}

func NewMetricsClient(cfg sdkaws.Config, namespace string, enabled bool) *MetricsClient {
	return newMetricsClient(cloudwatch.NewFromConfig(cfg), namespace, enabled)
}

func newMetricsClient(api cloudWatchAPI, namespace string, enabled bool) *MetricsClient {
	if namespace == "" {
		namespace = "ShopSwift/BulkOrders"
	}
	return &MetricsClient{api: api, namespace: namespace, enabled: enabled, now: time.Now}
}

// IsEnabled reports whether Put sends anything.
func (m *MetricsClient) IsEnabled() bool {
	return m != nil && m.enabled
}

// Put sends data stamped with the same timestamp, splitting at the per-request limit.
func (m *MetricsClient) Put(ctx context.Context, data ...Datum) error {
	if !m.IsEnabled() || len(data) == 0 {
		return nil
	}
	ts := m.now()
	batch := make([]types.MetricDatum, 0, min(len(data), maxDatumsPerPut))
	for i, d := range data {
		batch = append(batch, types.MetricDatum{
			MetricName: sdkaws.String(d.Name),
			Value:      sdkaws.Float64(d.Value),
			Unit:       d.Unit,
			Timestamp:  sdkaws.Time(ts),
			Dimensions: dimensionList(d.Dimensions),
		})
		if len(batch) == maxDatumsPerPut || i == len(data)-1 {
			if _, err := m.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
				Namespace:  sdkaws.String(m.namespace),
				MetricData: batch,
			}); err != nil {
				return fmt.Errorf("put %d metrics to %s: %w", len(batch), m.namespace, err)
			}
			batch = batch[:0]
		}
	}
	return nil
}

// RecordCount sends a single count of one.
func (m *MetricsClient) RecordCount(ctx context.Context, name string, dimensions map[string]string) error {
	return m.Put(ctx, Count(name, 1, dimensions))
}

// dimensionList orders dimensions by name so identical sets produce identical requests.
func dimensionList(dimensions map[string]string) []types.Dimension {
	if len(dimensions) == 0 {
		return nil
	}
	names := make([]string, 0, len(dimensions))
	for k := range dimensions {
		names = append(names, k)
	}
	sort.Strings(names)
	dims := make([]types.Dimension, 0, len(names))
	for _, k := range names {
		dims = append(dims, types.Dimension{Name: sdkaws.String(k), Value: sdkaws.String(dimensions[k])})
	}
	return dims
}

const (
	// HTTP metrics
	MetricHTTPRequests = "HTTPRequests"
	MetricHTTPLatency  = "HTTPLatency"
	MetricHTTP4xx      = "HTTP4xxErrors"
	MetricHTTP5xx      = "HTTP5xxErrors"

	// Bulk order metrics
	MetricBulkUploads         = "BulkUploadsReceived"
	MetricBulkRejected        = "BulkUploadsRejected"
	MetricBulkOperations      = "BulkOperationsCreated"
	MetricBulkRowsProcessed   = "BulkRowsProcessed"
	MetricBulkRowsFailed      = "BulkRowsFailed"
	MetricBulkDuration        = "BulkOperationDuration"
	MetricBulkRollbacks       = "BulkRollbacks"
	MetricBulkReversalsFailed = "BulkReversalsFailed"
	MetricSecurityAlerts      = "SecurityAlertsRaised"
)
