// Package ai talks to upstream text generators.
package ai

import (
	"context"
	"iter"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message of the conversation as the generator sees it.
type Turn struct {
	Role    Role
	Content string
}

type Prompt struct {
	SystemInstruction string
	Turns             []Turn
}

// Generator streams a completion. The sequence is lazy, finite and can be ranged over once; it ends
// after the last chunk or after yielding a non-nil error. Cancelling ctx stops the upstream call.
type Generator interface {
	Stream(ctx context.Context, prompt Prompt) iter.Seq2[string, error]
	Name() string
}
