package security

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors
var (
	ErrInvalidPath   = errors.New("security: invalid path")
	ErrPathTraversal = errors.New("security: path traversal detected")
	ErrInvalidInput  = errors.New("security: invalid input")
)

// maxComponentLength bounds identifiers used as single path components.
const maxComponentLength = 128

// ValidatePathComponent checks that name can be used as one directory entry
// under a trusted root: no separators, no traversal, no control bytes.
func ValidatePathComponent(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	if len(name) > maxComponentLength {
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidInput, maxComponentLength)
	}
	if name == "." || name == ".." || strings.Contains(name, "..") {
		return ErrPathTraversal
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: name contains path separator", ErrInvalidPath)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character in name", ErrInvalidInput)
		}
	}
	return nil
}
