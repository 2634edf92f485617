package llm

import (
	"strings"
	"testing"

	"github.com/codeready-toolchain/chatcore/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Greater(t, EstimateTokens("hello world"), 0)
	assert.Greater(t, EstimateTokens(strings.Repeat("word ", 100)), EstimateTokens("word"))
}

func TestTrimToContext(t *testing.T) {
	long := strings.Repeat("lorem ipsum dolor sit amet ", 50)
	msgs := []models.Message{
		{ID: "1", Role: models.RoleUser, Text: long},
		{ID: "2", Role: models.RoleAssistant, Text: long},
		{ID: "3", Role: models.RoleToolCall, ToolCall: &models.ToolCallRecord{Name: "t", Result: "r"}},
		{ID: "4", Role: models.RoleAssistant, Text: "short"},
		{ID: "5", Role: models.RoleUser, Text: "latest question"},
	}

	t.Run("disabled", func(t *testing.T) {
		assert.Equal(t, msgs, TrimToContext(msgs, "", 0))
	})

	t.Run("everything fits", func(t *testing.T) {
		assert.Equal(t, msgs, TrimToContext(msgs, "", 100000))
	})

	t.Run("drops oldest and leading tool records", func(t *testing.T) {
		budget := messageTokens(msgs[2]) + messageTokens(msgs[3]) + messageTokens(msgs[4])
		got := TrimToContext(msgs, "", budget)
		ids := make([]string, len(got))
		for i, m := range got {
			ids[i] = m.ID
		}
		assert.Equal(t, []string{"4", "5"}, ids)
	})

	t.Run("newest message always kept", func(t *testing.T) {
		got := TrimToContext(msgs, long, 1)
		assert.Len(t, got, 1)
		assert.Equal(t, "5", got[0].ID)
	})
}
