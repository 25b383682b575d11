package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMentions_Basic(t *testing.T) {
	mentions := Mentions("hey @zealot, take a look with @archon")
	assert.Equal(t, []string{"zealot", "archon"}, mentions)
}

func TestMentions_InstanceIdentity(t *testing.T) {
	mentions := Mentions("@zealot-1a2b3c4d please resume")
	assert.Equal(t, []string{"zealot-1a2b3c4d"}, mentions)
}

func TestMentions_NotMidWord(t *testing.T) {
	assert.Empty(t, Mentions("mail me at ops@example.com"))
	assert.Empty(t, Mentions("value@zealot is not a summon"))
}

func TestMentions_StartOfText(t *testing.T) {
	assert.Equal(t, []string{"arbiter"}, Mentions("@arbiter review this"))
}

func TestMentions_Punctuation(t *testing.T) {
	assert.Equal(t, []string{"zealot"}, Mentions("(@zealot) and again: @zealot!"))
}

func TestMentions_Deduplicated(t *testing.T) {
	mentions := Mentions("@zealot @zealot @zealot")
	assert.Equal(t, []string{"zealot"}, mentions)
}

func TestMentions_SkipsFencedCode(t *testing.T) {
	content := "see below\n```\n@zealot inside a fence\n```\nbut @archon outside"
	assert.Equal(t, []string{"archon"}, Mentions(content))
}

func TestMentions_UnterminatedFence(t *testing.T) {
	content := "```go\n@zealot in an unterminated fence"
	assert.Empty(t, Mentions(content))
}

func TestMentions_Empty(t *testing.T) {
	assert.Empty(t, Mentions(""))
	assert.Empty(t, Mentions("no signals here"))
	assert.Empty(t, Mentions("@"))
}

func TestCommands_Standalone(t *testing.T) {
	cmds := Commands("work finished, signing off\n!despawn")
	assert.Len(t, cmds, 1)
	assert.Equal(t, CommandDespawn, cmds[0].Kind)
	assert.Equal(t, "!despawn", cmds[0].Token)
}

func TestCommands_EmbeddedDoesNotCount(t *testing.T) {
	assert.Empty(t, Commands("the agent was !despawned yesterday"))
	assert.Empty(t, Commands("really!despawn"))
	assert.Empty(t, Commands("shout!emergency!loud"))
}

func TestCommands_Multiple(t *testing.T) {
	cmds := Commands("!complete all done !despawn")
	assert.Len(t, cmds, 2)
	assert.Equal(t, CommandComplete, cmds[0].Kind)
	assert.Equal(t, CommandDespawn, cmds[1].Kind)
}

func TestCommands_DeduplicatedPerKind(t *testing.T) {
	cmds := Commands("!despawn !despawn")
	assert.Len(t, cmds, 1)
}

func TestCommands_ProseWithoutSigil(t *testing.T) {
	assert.Empty(t, Commands("emergency meeting at noon, despawn later"))
}

func TestHasCommand(t *testing.T) {
	assert.True(t, HasCommand("stop everything !emergency now", CommandEmergency))
	assert.False(t, HasCommand("stop everything now", CommandEmergency))
	assert.False(t, HasCommand("!emergency", CommandDespawn))
}
