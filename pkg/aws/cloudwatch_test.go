package aws

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogsAPI struct {
	mu         sync.Mutex
	groupErr   error
	putErr     error
	batches    [][]string
	streamName string
}

func (f *fakeLogsAPI) CreateLogGroup(context.Context, *cloudwatchlogs.CreateLogGroupInput, ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	return &cloudwatchlogs.CreateLogGroupOutput{}, f.groupErr
}

func (f *fakeLogsAPI) PutRetentionPolicy(context.Context, *cloudwatchlogs.PutRetentionPolicyInput, ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}

func (f *fakeLogsAPI) CreateLogStream(_ context.Context, in *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	f.streamName = *in.LogStreamName
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (f *fakeLogsAPI) PutLogEvents(_ context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	lines := make([]string, 0, len(in.LogEvents))
	for _, e := range in.LogEvents {
		lines = append(lines, *e.Message)
	}
	f.batches = append(f.batches, lines)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func TestCloudWatchLogs_BuffersUntilSync(t *testing.T) {
	api := &fakeLogsAPI{groupErr: &types.ResourceAlreadyExistsException{}}
	c, err := newCloudWatchLogsClient(context.Background(), api, "", "bulk-order-service")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(api.streamName, "bulk-order-service-"))

	buf := []byte("line one")
	_, _ = c.Write(buf)
	copy(buf, "LINE")
	_, _ = c.Write([]byte("line two"))
	assert.Empty(t, api.batches)

	require.NoError(t, c.Sync())
	assert.Equal(t, [][]string{{"line one", "line two"}}, api.batches)

	require.NoError(t, c.Sync())
	assert.Len(t, api.batches, 1)
}

func TestCloudWatchLogs_GroupError(t *testing.T) {
	_, err := newCloudWatchLogsClient(context.Background(), &fakeLogsAPI{groupErr: errors.New("denied")}, "g", "svc")
	assert.Error(t, err)
}

func TestCloudWatchLogs_SendFailureDrops(t *testing.T) {
	api := &fakeLogsAPI{}
	c, err := newCloudWatchLogsClient(context.Background(), api, "g", "svc")
	require.NoError(t, err)

	api.putErr = errors.New("throttled")
	_, _ = c.Write([]byte("lost"))
	assert.Error(t, c.Sync())

	api.putErr = nil
	require.NoError(t, c.Sync())
	assert.Empty(t, api.batches)
}

func TestSplitLogEvents(t *testing.T) {
	msg := func(n int) types.InputLogEvent {
		s := strings.Repeat("x", n)
		return types.InputLogEvent{Message: &s}
	}
	events := []types.InputLogEvent{msg(600_000), msg(600_000), msg(10)}
	batches := splitLogEvents(events)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 1)
	assert.Len(t, batches[1], 2)

	many := make([]types.InputLogEvent, maxLogBatchEvents+1)
	for i := range many {
		many[i] = msg(1)
	}
	batches = splitLogEvents(many)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], maxLogBatchEvents)
	assert.Empty(t, splitLogEvents(nil))
}
