package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

const KeyDelimiter = ":"

// storage formats
const (
	FormatText = "text"
	FormatJson = "json"
)

// logical types
const (
	TypeFile     = "file"
	TypeNotebook = "notebook"
	// collaborations of the transaction log variant
	TypeLegacy = "legacy"
)

var ErrInvalidKey = errors.New("Invalid resource key")

// comparable
// A document instance. Stable for the lifetime of a room.
// A session moves between keys only with an explicit rename.
type ResourceKey struct {
	Format string
	Type   string
	Path   string
}

// parses "<format>:<type>:<path>"
func ParseResourceKey(keyStr string) (ResourceKey, error) {
	parts := strings.SplitN(keyStr, KeyDelimiter, 3)
	if len(parts) != 3 {
		return ResourceKey{}, fmt.Errorf("%w: %s", ErrInvalidKey, keyStr)
	}
	key := ResourceKey{
		Format: parts[0],
		Type:   parts[1],
		Path:   parts[2],
	}
	if err := key.Validate(); err != nil {
		return ResourceKey{}, err
	}
	return key, nil
}

func (self ResourceKey) Validate() error {
	switch self.Format {
	case FormatText, FormatJson:
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidKey, self.Format)
	}
	switch self.Type {
	case TypeFile, TypeNotebook, TypeLegacy:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidKey, self.Type)
	}
	if self.Path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidKey)
	}
	if strings.Contains(self.Path, KeyDelimiter) {
		return fmt.Errorf("%w: path contains %q", ErrInvalidKey, KeyDelimiter)
	}
	return nil
}

func (self ResourceKey) String() string {
	return strings.Join([]string{self.Format, self.Type, self.Path}, KeyDelimiter)
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}
