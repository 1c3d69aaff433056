package shim

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	compositeKeyNamespace = "\x00"
	keySeparator          = "\x00"
	// empty range start keys are sent as the smallest simple key
	emptyKeySubstitute = "\x01"
)

// CreateCompositeKey joins objectType and attributes into a key that sorts
// under the composite key namespace.
func CreateCompositeKey(objectType string, attributes []string) (string, error) {
	if err := validateCompositeKeyAttribute(objectType); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(compositeKeyNamespace)
	b.WriteString(objectType)
	b.WriteString(keySeparator)
	for _, att := range attributes {
		if err := validateCompositeKeyAttribute(att); err != nil {
			return "", err
		}
		b.WriteString(att)
		b.WriteString(keySeparator)
	}
	return b.String(), nil
}

// SplitCompositeKey is the inverse of CreateCompositeKey.
func SplitCompositeKey(compositeKey string) (string, []string, error) {
	if !strings.HasPrefix(compositeKey, compositeKeyNamespace) {
		return "", nil, fmt.Errorf("%w: %q is not a composite key", ErrInvalidKey, compositeKey)
	}
	parts := strings.Split(compositeKey[len(compositeKeyNamespace):], keySeparator)
	// trailing separator leaves one empty element
	if len(parts) < 2 || parts[len(parts)-1] != "" {
		return "", nil, fmt.Errorf("%w: %q is not a composite key", ErrInvalidKey, compositeKey)
	}
	parts = parts[:len(parts)-1]
	return parts[0], parts[1:], nil
}

func validateCompositeKeyAttribute(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: not a valid utf8 string: [%x]", ErrInvalidKey, s)
	}
	for _, r := range s {
		if r == 0 || r == utf8.MaxRune {
			return fmt.Errorf("%w: input contains unicode %#U starting at position [%d]. %#U and %#U are not allowed in the input attribute of a composite key",
				ErrInvalidKey, r, strings.IndexRune(s, r), rune(0), utf8.MaxRune)
		}
	}
	return nil
}

// validateSimpleKeys rejects keys that fall in the composite key namespace.
func validateSimpleKeys(keys ...string) error {
	for _, key := range keys {
		if key != "" && key[0] == compositeKeyNamespace[0] {
			return fmt.Errorf("%w: first character of the key [%s] contains a null character which is not allowed", ErrInvalidKey, key)
		}
	}
	return nil
}

func partialCompositeKeyRange(objectType string, attributes []string) (string, string, error) {
	partial, err := CreateCompositeKey(objectType, attributes)
	if err != nil {
		return "", "", err
	}
	return partial, partial + string(utf8.MaxRune), nil
}
