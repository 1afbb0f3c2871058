package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTitleFromMessage(t *testing.T) {
	assert.Equal(t, "Explain recursion in five sent...", TitleFromMessage("Explain recursion in five sentences..."))
	assert.Equal(t, "hi...", TitleFromMessage("hi"))
	// 30 runes, not 30 bytes.
	assert.Equal(t, strings.Repeat("é", 30)+"...", TitleFromMessage(strings.Repeat("é", 40)))
}

func TestSessionOrderingAndRemoval(t *testing.T) {
	u := &User{}
	u.PrependSession(Session{ID: "a"})
	u.PrependSession(Session{ID: "b"})
	require.Equal(t, 0, u.FindSession("b"))
	require.Equal(t, 1, u.FindSession("a"))

	assert.True(t, u.RemoveSession("b"))
	assert.False(t, u.RemoveSession("b"))
	assert.False(t, u.HasSession("b"))
	assert.Equal(t, -1, u.FindSession("missing"))

	summaries := u.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, "a", summaries[0].ID)
}

func TestCloneIsDeep(t *testing.T) {
	u := &User{ID: 1, Sessions: []Session{{ID: "s", Messages: []Message{{Role: RoleUser, Content: "x"}}}}}
	cp := u.Clone()

	cp.Sessions[0].Messages[0].Content = "changed"
	cp.Sessions[0].Append(Message{Role: RoleAssistant, Content: "y"})
	cp.Sessions = append(cp.Sessions, Session{ID: "t"})

	assert.Equal(t, "x", u.Sessions[0].Messages[0].Content)
	assert.Len(t, u.Sessions[0].Messages, 1)
	assert.Len(t, u.Sessions, 1)
}
