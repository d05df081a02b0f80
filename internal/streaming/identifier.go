package streaming

import (
	"fmt"
	"strconv"
)

// IdentifierKind tells whether an identifier is numeric or a name.
type IdentifierKind uint8

const (
	IdentifierNumeric IdentifierKind = 1
	IdentifierName    IdentifierKind = 2
)

// Identifier addresses a stream, topic or consumer group either by its
// numeric id or by its unique name. Both forms are accepted everywhere a
// lookup happens.
type Identifier struct {
	Kind    IdentifierKind
	Numeric uint32
	Name    string
}

// NumericID builds a numeric identifier.
func NumericID(id uint32) Identifier {
	return Identifier{Kind: IdentifierNumeric, Numeric: id}
}

// NameID builds a name identifier.
func NameID(name string) Identifier {
	return Identifier{Kind: IdentifierName, Name: name}
}

// ParseIdentifier interprets a path or query parameter: an all-digit value is
// a numeric id, anything else is a name.
func ParseIdentifier(s string) (Identifier, error) {
	if s == "" {
		return Identifier{}, fmt.Errorf("%w: empty identifier", ErrInvalidIdentifier)
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return NumericID(uint32(n)), nil
	}
	if len(s) > 255 {
		return Identifier{}, fmt.Errorf("%w: name longer than 255 bytes", ErrInvalidIdentifier)
	}
	return NameID(s), nil
}

// Validate checks the identifier is well-formed.
func (i Identifier) Validate() error {
	switch i.Kind {
	case IdentifierNumeric:
		if i.Numeric == 0 {
			return fmt.Errorf("%w: numeric id must be non-zero", ErrInvalidIdentifier)
		}
	case IdentifierName:
		if i.Name == "" || len(i.Name) > 255 {
			return fmt.Errorf("%w: name length %d out of range", ErrInvalidIdentifier, len(i.Name))
		}
	default:
		return fmt.Errorf("%w: unknown identifier kind %d", ErrInvalidIdentifier, i.Kind)
	}
	return nil
}

func (i Identifier) String() string {
	if i.Kind == IdentifierNumeric {
		return strconv.FormatUint(uint64(i.Numeric), 10)
	}
	return i.Name
}
