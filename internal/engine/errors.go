package engine

import "errors"

var (
	ErrClosed            = errors.New("engine closed")
	ErrUnknownSection    = errors.New("unknown section")
	ErrNoPendingQuestion = errors.New("section has no pending question")
	ErrEmptyAnswer       = errors.New("answer is empty")
	ErrEmptyInstruction  = errors.New("instruction is empty")
	ErrUnknownKind       = errors.New("unknown context kind")
)
