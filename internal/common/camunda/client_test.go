package camunda

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnisearch/internal/common/config"
	"omnisearch/internal/common/errors"
)

func testClient(maxRetries int) *Client {
	return &Client{config: &ClientConfig{
		ConnectionTimeout: time.Second,
		RetryConfig:       &RetryConfig{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}}
}

func TestConfigFromApp(t *testing.T) {
	c := ConfigFromApp(config.CamundaConfig{BrokerAddress: "zeebe:26500", RequestTimeout: 5000})
	assert.Equal(t, "zeebe:26500", c.GatewayAddress)
	assert.True(t, c.UsePlaintextConnection)
	assert.Equal(t, 5*time.Second, c.ConnectionTimeout)
	assert.Same(t, DefaultRetryConfig, c.RetryConfig)

	c = ConfigFromApp(config.CamundaConfig{BrokerAddress: "zeebe:26500"})
	assert.Equal(t, 10*time.Second, c.ConnectionTimeout)
}

func TestExecuteWithRetry_RetriesTransientErrors(t *testing.T) {
	c := testClient(3)
	calls := 0
	result, err := c.ExecuteWithRetry(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, stderrors.New("rpc error: code = Unavailable desc = connection refused")
		}
		return "ok", nil
	}, "topology")

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetry_StopsOnPermanentError(t *testing.T) {
	c := testClient(3)
	calls := 0
	_, err := c.ExecuteWithRetry(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, stderrors.New("process definition not found")
	}, "create-instance")

	assert.Equal(t, 1, calls)
	var stdErr *errors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, errors.ErrCodeResourceNotFound, stdErr.Code)
}

func TestExecuteWithRetry_GivesUp(t *testing.T) {
	c := testClient(2)
	calls := 0
	_, err := c.ExecuteWithRetry(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, stderrors.New("context deadline exceeded")
	}, "topology")

	assert.Equal(t, 3, calls)
	var stdErr *errors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, errors.ErrCodeTimeout, stdErr.Code)
	assert.Contains(t, stdErr.Details, "after 3 attempts")
}

func TestExecuteWithRetry_Cancelled(t *testing.T) {
	c := testClient(5)
	c.config.RetryConfig.BaseDelay = time.Hour
	c.config.RetryConfig.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.ExecuteWithRetry(ctx, func(ctx context.Context) (interface{}, error) {
		cancel()
		return nil, stderrors.New("connection reset by peer")
	}, "topology")

	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableZeebeError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"connection refused", true},
		{"rpc error: code = Unavailable", true},
		{"Deadline Exceeded", true},
		{"write: broken pipe", true},
		{"permission denied", false},
		{"process not found", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRetryableZeebeError(stderrors.New(tt.msg)), tt.msg)
	}
}

func TestMapZeebeError(t *testing.T) {
	err := mapZeebeError(stderrors.New("unavailable"), "topology", 0)
	var stdErr *errors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, errors.ErrCodeExternalService, stdErr.Code)
	assert.True(t, stdErr.Retryable)
}
