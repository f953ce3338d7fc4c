// ABOUTME: Tests for conversation identity derivation
// ABOUTME: Verifies the session key format for direct and group chats

package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentity_Key(t *testing.T) {
	direct := IdentityOf("feishu", Message{ChatID: "oc_1", ChatType: ChatDirect, SenderID: "ou_9"})
	assert.Equal(t, "feishu-p2p-ou_9", direct.Key())

	group := IdentityOf("feishu", Message{ChatID: "oc_1", ChatType: ChatGroup, SenderID: "ou_9"})
	assert.Equal(t, "feishu-group-oc_1", group.Key())

	assert.Equal(t, group.Key(), GroupIdentity("feishu", "oc_1").Key())
}

func TestIdentity_Key_EmptyChatTypeIsDirect(t *testing.T) {
	id := Identity{Platform: "matrix", ParticipantID: "@a:x", ChatID: "!r:x"}
	assert.Equal(t, "matrix-p2p-@a:x", id.Key())
}
