package branch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/chatcore/pkg/models"
)

func msg(id string, role models.Role, text string) models.Message {
	return models.Message{ID: id, Role: role, Text: text}
}

func texts(chat *models.Chat) []string {
	var out []string
	for _, m := range ActiveMessages(chat) {
		out = append(out, m.Text)
	}
	return out
}

// newLinearChat builds a migrated chat: u1 → a1 → u2 → a2.
func newLinearChat(t *testing.T) *models.Chat {
	t.Helper()
	chat := &models.Chat{ID: "c1"}
	AddMessage(chat, msg("u1", models.RoleUser, "hello"))
	AddMessage(chat, msg("a1", models.RoleAssistant, "hi"))
	AddMessage(chat, msg("u2", models.RoleUser, "how are you"))
	AddMessage(chat, msg("a2", models.RoleAssistant, "fine"))
	return chat
}

func TestEnsureBranchingStructure(t *testing.T) {
	t.Run("migrates legacy transcript into a spine", func(t *testing.T) {
		chat := &models.Chat{
			ID: "legacy",
			Messages: []models.Message{
				msg("u1", models.RoleUser, "one"),
				msg("a1", models.RoleAssistant, "two"),
				msg("", models.RoleUser, "three"),
			},
		}

		assert.True(t, EnsureBranchingStructure(chat))
		assert.True(t, chat.HasBranchingStructure)
		assert.Empty(t, chat.Messages)
		assert.Len(t, chat.Nodes, 3)
		assert.Equal(t, []string{"one", "two", "three"}, texts(chat))
		for _, n := range chat.Nodes {
			assert.Len(t, n.Variants, 1)
		}
		assert.NotEmpty(t, ActiveMessages(chat)[2].ID, "missing ids are assigned")
	})

	t.Run("is idempotent", func(t *testing.T) {
		chat := &models.Chat{
			Messages: []models.Message{msg("u1", models.RoleUser, "one"), msg("a1", models.RoleAssistant, "two")},
		}
		EnsureBranchingStructure(chat)
		once := chat.Clone()

		assert.False(t, EnsureBranchingStructure(chat))
		assert.Equal(t, once, chat)
	})

	t.Run("empty legacy chat", func(t *testing.T) {
		chat := &models.Chat{}
		assert.True(t, EnsureBranchingStructure(chat))
		assert.Empty(t, ActiveMessages(chat))
		assert.Empty(t, chat.RootNodeID)
	})
}

func TestActiveMessages_LegacyChat(t *testing.T) {
	chat := &models.Chat{Messages: []models.Message{msg("u1", models.RoleUser, "one")}}
	assert.Equal(t, []string{"one"}, texts(chat))
	assert.False(t, chat.HasBranchingStructure, "reading does not migrate")
}

func TestAddMessage(t *testing.T) {
	t.Run("appends to the active path", func(t *testing.T) {
		chat := newLinearChat(t)
		assert.Equal(t, []string{"hello", "hi", "how are you", "fine"}, texts(chat))
		assert.Equal(t, 2, CountAssistantMessages(chat))
	})

	t.Run("keeps datetimes monotonic", func(t *testing.T) {
		chat := &models.Chat{}
		now := time.Now().UTC()
		AddMessage(chat, models.Message{ID: "a", Role: models.RoleUser, Datetime: now})
		AddMessage(chat, models.Message{ID: "b", Role: models.RoleAssistant, Datetime: now.Add(-time.Hour)})

		msgs := ActiveMessages(chat)
		require.Len(t, msgs, 2)
		assert.True(t, msgs[1].Datetime.After(msgs[0].Datetime))
	})

	t.Run("appends after a switched variant", func(t *testing.T) {
		chat := newLinearChat(t)
		nodeID, ok := FindNodeForMessage(chat, "u2")
		require.True(t, ok)
		_, err := CreateBranch(chat, nodeID, msg("u2b", models.RoleUser, "edited"))
		require.NoError(t, err)

		AddMessage(chat, msg("a2b", models.RoleAssistant, "answer to edit"))
		assert.Equal(t, []string{"hello", "hi", "edited", "answer to edit"}, texts(chat))

		require.NoError(t, SwitchVariant(chat, nodeID, 0))
		assert.Equal(t, []string{"hello", "hi", "how are you", "fine"}, texts(chat))
	})
}

func TestAddUserMessageAsNewNode(t *testing.T) {
	chat := &models.Chat{}

	nodeID, err := AddUserMessageAsNewNode(chat, msg("u1", models.RoleUser, "hi"))
	require.NoError(t, err)
	assert.Equal(t, chat.RootNodeID, nodeID)

	_, err = AddUserMessageAsNewNode(chat, msg("a1", models.RoleAssistant, "nope"))
	assert.Error(t, err)
}

func TestCreateBranch_EditScenario(t *testing.T) {
	chat := &models.Chat{}
	AddMessage(chat, msg("m", models.RoleUser, "original"))
	AddMessage(chat, msg("r", models.RoleAssistant, "response"))

	nodeID, ok := FindNodeForMessage(chat, "m")
	require.True(t, ok)

	idx, err := CreateBranch(chat, nodeID, msg("t", models.RoleUser, "edited"))
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	info, err := GetBranchInfo(chat, nodeID)
	require.NoError(t, err)
	assert.Equal(t, Info{NodeID: nodeID, CurrentVariantIndex: 1, VariantCount: 2, HasPrevious: true}, info)
	assert.Equal(t, []string{"edited"}, texts(chat), "new variant has no response yet")

	require.NoError(t, SwitchVariant(chat, nodeID, 0))
	assert.Equal(t, []string{"original", "response"}, texts(chat))

	require.NoError(t, SwitchVariant(chat, nodeID, 1))
	assert.Equal(t, []string{"edited"}, texts(chat))
}

func TestCreateBranch_Errors(t *testing.T) {
	chat := newLinearChat(t)

	_, err := CreateBranch(chat, "missing", msg("x", models.RoleUser, "x"))
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestSwitchVariant_Errors(t *testing.T) {
	chat := newLinearChat(t)
	nodeID, _ := FindNodeForMessage(chat, "u1")

	tests := []struct {
		name    string
		nodeID  string
		index   int
		wantErr error
	}{
		{name: "unknown node", nodeID: "missing", index: 0, wantErr: ErrNodeNotFound},
		{name: "negative index", nodeID: nodeID, index: -1, wantErr: ErrVariantOutOfRange},
		{name: "index past end", nodeID: nodeID, index: 1, wantErr: ErrVariantOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SwitchVariant(chat, tt.nodeID, tt.index)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDeleteMessageFromBranch(t *testing.T) {
	t.Run("splices a plain message out", func(t *testing.T) {
		chat := newLinearChat(t)
		require.NoError(t, DeleteMessageFromBranch(chat, "a1"))
		assert.Equal(t, []string{"hello", "how are you", "fine"}, texts(chat))
		assert.Len(t, chat.Nodes, 3)
	})

	t.Run("deleting the root moves the root", func(t *testing.T) {
		chat := newLinearChat(t)
		require.NoError(t, DeleteMessageFromBranch(chat, "u1"))
		assert.Equal(t, []string{"hi", "how are you", "fine"}, texts(chat))
	})

	t.Run("rejects the node preceding a branch point and leaves the chat unchanged", func(t *testing.T) {
		chat := newLinearChat(t)
		nodeID, _ := FindNodeForMessage(chat, "u2")
		_, err := CreateBranch(chat, nodeID, msg("u2b", models.RoleUser, "edited"))
		require.NoError(t, err)
		before := chat.Clone()

		err = DeleteMessageFromBranch(chat, "a1")

		var bpErr *BranchPointError
		require.ErrorAs(t, err, &bpErr)
		assert.ErrorIs(t, err, ErrCannotDeleteBranchPoint)
		assert.False(t, errors.Is(err, ErrMessageNotFound))
		assert.Equal(t, nodeID, bpErr.NodeID)
		assert.Equal(t, before, chat)
	})

	t.Run("rejects a message at a branch point", func(t *testing.T) {
		chat := newLinearChat(t)
		nodeID, _ := FindNodeForMessage(chat, "u2")
		_, err := CreateBranch(chat, nodeID, msg("u2b", models.RoleUser, "edited"))
		require.NoError(t, err)
		before := chat.Clone()

		err = DeleteMessageFromBranch(chat, "u2b")
		assert.ErrorIs(t, err, ErrCannotDeleteBranchPoint)
		assert.Equal(t, before, chat)
	})

	t.Run("unknown message is not a branch point error", func(t *testing.T) {
		chat := newLinearChat(t)
		err := DeleteMessageFromBranch(chat, "missing")
		assert.ErrorIs(t, err, ErrMessageNotFound)
		assert.False(t, errors.Is(err, ErrCannotDeleteBranchPoint))
	})
}

func TestDeleteMessagesFromPoint(t *testing.T) {
	t.Run("truncates the active path", func(t *testing.T) {
		chat := newLinearChat(t)
		require.NoError(t, DeleteMessagesFromPoint(chat, "u2"))
		assert.Equal(t, []string{"hello", "hi"}, texts(chat))
		assert.Len(t, chat.Nodes, 2)
	})

	t.Run("removes only the variant and keeps siblings", func(t *testing.T) {
		chat := newLinearChat(t)
		nodeID, _ := FindNodeForMessage(chat, "u2")
		_, err := CreateBranch(chat, nodeID, msg("u2b", models.RoleUser, "edited"))
		require.NoError(t, err)
		AddMessage(chat, msg("a2b", models.RoleAssistant, "answer"))

		require.NoError(t, DeleteMessagesFromPoint(chat, "u2b"))

		info, err := GetBranchInfo(chat, nodeID)
		require.NoError(t, err)
		assert.Equal(t, 1, info.VariantCount)
		assert.Equal(t, []string{"hello", "hi", "how are you", "fine"}, texts(chat))
		_, ok := FindNodeForMessage(chat, "a2b")
		assert.False(t, ok, "continuation of the deleted variant is removed")
	})

	t.Run("unknown message", func(t *testing.T) {
		chat := newLinearChat(t)
		assert.ErrorIs(t, DeleteMessagesFromPoint(chat, "missing"), ErrMessageNotFound)
	})
}

func TestReplaceMessage(t *testing.T) {
	chat := newLinearChat(t)

	require.NoError(t, ReplaceMessage(chat, "u2", "changed", nil))
	assert.Equal(t, []string{"hello", "hi", "changed", "fine"}, texts(chat))

	m, ok := FindMessage(chat, "u2")
	require.True(t, ok)
	assert.Equal(t, models.RoleUser, m.Role)

	assert.ErrorIs(t, ReplaceMessage(chat, "missing", "x", nil), ErrMessageNotFound)
}

func TestMaxVariants(t *testing.T) {
	chat := newLinearChat(t)
	assert.Equal(t, 1, MaxVariants(chat))

	nodeID, _ := FindNodeForMessage(chat, "u1")
	for range 3 {
		_, err := CreateBranch(chat, nodeID, msg("", models.RoleUser, "again"))
		require.NoError(t, err)
	}
	assert.Equal(t, 4, MaxVariants(chat))
}
