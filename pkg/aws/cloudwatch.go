package aws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// PutLogEvents limits: events per call, and payload bytes where each event costs 26 extra.
const (
	maxLogBatchEvents = 10000
	maxLogBatchBytes  = 1 << 20
	logEventOverhead  = 26
	logFlushInterval  = 2 * time.Second
)

type cloudWatchLogsAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchLogsClient buffers log lines and ships them to one CloudWatch Logs stream in
// batches. It is a zapcore.WriteSyncer: Sync flushes whatever is pending.
type CloudWatchLogsClient struct {
	api    cloudWatchLogsAPI
	group  string
	stream string
	now    func() time.Time

	mu           sync.Mutex
	pending      []types.InputLogEvent
	pendingBytes int

	// serializes PutLogEvents so batches arrive in order
	sendMu sync.Mutex
}

// NewCloudWatchLogsClient creates the log group if needed and a fresh stream for this process,
// then flushes every couple of seconds until ctx is done.
func NewCloudWatchLogsClient(ctx context.Context, cfg sdkaws.Config, logGroupName, serviceName string) (*CloudWatchLogsClient, error) {
	c, err := newCloudWatchLogsClient(ctx, cloudwatchlogs.NewFromConfig(cfg), logGroupName, serviceName)
	if err != nil {
		return nil, err
	}
	go c.run(ctx, logFlushInterval)
	return c, nil
}

func newCloudWatchLogsClient(ctx context.Context, api cloudWatchLogsAPI, logGroupName, serviceName string) (*CloudWatchLogsClient, error) {
	if logGroupName == "" {
		logGroupName = "/shopswift/bulk-orders"
	}
	c := &CloudWatchLogsClient{
		api:    api,
		group:  logGroupName,
		stream: fmt.Sprintf("%s-%d", serviceName, time.Now().Unix()),
		now:    time.Now,
	}
	if err := c.ensureLogGroup(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure log group: %w", err)
	}
	if _, err := api.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  sdkaws.String(c.group),
		LogStreamName: sdkaws.String(c.stream),
	}); err != nil {
		return nil, fmt.Errorf("failed to create log stream: %w", err)
	}
	return c, nil
}

func (c *CloudWatchLogsClient) ensureLogGroup(ctx context.Context) error {
	_, err := c.api.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: sdkaws.String(c.group)})
	var exists *types.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return err
	}
	if _, err := c.api.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    sdkaws.String(c.group),
		RetentionInDays: sdkaws.Int32(30),
	}); err != nil {
		return fmt.Errorf("failed to set retention policy: %w", err)
	}
	return nil
}

func (c *CloudWatchLogsClient) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.Sync()
			return
		case <-ticker.C:
			_ = c.Sync()
		}
	}
}

// Write queues one log line. It never blocks on the network unless the buffer is full.
func (c *CloudWatchLogsClient) Write(p []byte) (int, error) {
	size := len(p) + logEventOverhead
	c.mu.Lock()
	c.pending = append(c.pending, types.InputLogEvent{
		Message:   sdkaws.String(string(p)),
		Timestamp: sdkaws.Int64(c.now().UnixMilli()),
	})
	c.pendingBytes += size
	full := len(c.pending) >= maxLogBatchEvents || c.pendingBytes >= maxLogBatchBytes
	c.mu.Unlock()

	if full {
		_ = c.Sync()
	}
	return len(p), nil
}

// Sync sends everything queued so far. Send failures go to stderr and the lines are dropped.
func (c *CloudWatchLogsClient) Sync() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	events := c.pending
	c.pending, c.pendingBytes = nil, 0
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	for _, batch := range splitLogEvents(events) {
		if _, err := c.api.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  sdkaws.String(c.group),
			LogStreamName: sdkaws.String(c.stream),
			LogEvents:     batch,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "CloudWatch write error (%d lines dropped): %v\n", len(batch), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func splitLogEvents(events []types.InputLogEvent) [][]types.InputLogEvent {
	var batches [][]types.InputLogEvent
	start, bytes := 0, 0
	for i, e := range events {
		size := len(*e.Message) + logEventOverhead
		if i > start && (i-start == maxLogBatchEvents || bytes+size > maxLogBatchBytes) {
			batches = append(batches, events[start:i])
			start, bytes = i, 0
		}
		bytes += size
	}
	if start < len(events) {
		batches = append(batches, events[start:])
	}
	return batches
}
