package chunk

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// TiktokenCounter implements TokenCounter using the tiktoken-go library.
type TiktokenCounter struct {
	encodingName string
	tke          *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter for the given model or encoding name.
// Unknown names fall back to cl100k_base.
func NewTiktokenCounter(modelOrEncoding string) (*TiktokenCounter, error) {
	if modelOrEncoding == "" {
		modelOrEncoding = defaultEncoding
	}
	encodingName := modelOrEncoding
	tke, err := tiktoken.GetEncoding(modelOrEncoding)
	if err != nil {
		tke, err = tiktoken.EncodingForModel(modelOrEncoding)
		if err != nil {
			encodingName = defaultEncoding
			tke, err = tiktoken.GetEncoding(defaultEncoding)
			if err != nil {
				return nil, fmt.Errorf("failed to get default encoding '%s': %w", defaultEncoding, err)
			}
		}
	}
	return &TiktokenCounter{encodingName: encodingName, tke: tke}, nil
}

// CountTokens counts the number of tokens in text.
func (tc *TiktokenCounter) CountTokens(_ context.Context, text string) (int, error) {
	if tc.tke == nil {
		return 0, fmt.Errorf("tiktoken encoder is not initialized for encoding %s", tc.encodingName)
	}
	return len(tc.tke.Encode(text, nil, nil)), nil
}

// GetEncoding returns the name of the encoding in use.
func (tc *TiktokenCounter) GetEncoding() string {
	return tc.encodingName
}

// WordCounter approximates tokens as whitespace separated words.
// It is used when no BPE ranks are available.
type WordCounter struct{}

func (WordCounter) CountTokens(_ context.Context, text string) (int, error) {
	return len(strings.Fields(text)), nil
}
