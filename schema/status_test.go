package schema

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	assert.True(t, STATUS_WAITING.Running())
	assert.False(t, STATUS_PENDING.Running())
	assert.True(t, STATUS_CANCELLED.Finished())
	assert.False(t, STATUS_RUNNING.Finished())
}

func TestFailure(t *testing.T) {
	assert.Equal(t, OUTCOME_REJECTED, Failure(fmt.Errorf("reviewer said no - %w", ERROR_REJECTED)).Kind)
	assert.Equal(t, OUTCOME_CANCELLED, Failure(ERROR_CANCELLED).Kind)
	assert.Equal(t, OUTCOME_FAILED, Failure(ERROR_BUILD_FAILED).Kind)
	assert.Equal(t, OUTCOME_FAILED, Failure(nil).Kind)
	assert.True(t, Success(nil).Succeeded())
}

func TestRunContextFacts(t *testing.T) {
	rc := RunContext{Pipeline: "serverless", Environment: "prod", Branch: "main"}
	facts := rc.Facts()
	assert.Equal(t, Fact{"prod"}, facts[FACT_ENVIRONMENT])
	assert.Equal(t, Fact{"main"}, facts[FACT_BRANCH])
	assert.NotContains(t, facts, FACT_REF)
	assert.Equal(t, "prod", rc.Env()[ENV_ENVIRONMENT_NAME].Value)
}
