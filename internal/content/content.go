// Package content neutralizes and bounds public-room plaintext before it is
// stored or broadcast. Confidential payloads never pass through here: the
// relay forwards ciphertext without inspecting it.
package content

import (
	"fmt"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxMessageBytes = 4096 // max payload size
	MaxTextChars    = 2000 // max character count
)

// policy strips every HTML element and attribute, leaving text content
// only. Executable markup in a public message is neutralized rather than
// rejected.
var policy = bluemonday.StrictPolicy()

// Sanitize strips markup and script content from public-room plaintext.
func Sanitize(text string) string {
	return policy.Sanitize(text)
}

// Validate checks that a plaintext message meets content requirements.
func Validate(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
