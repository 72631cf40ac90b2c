package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// BinaryField is a byte slice that tolerates the encodings deployed servers
// use for binary packet fields: a JSON array of numbers, a base64 string, or
// a base58 string. It always marshals back to the array form, which every
// server version accepts.
type BinaryField []byte

// MarshalJSON emits the array-of-bytes form.
func (f BinaryField) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}

	nums := make([]uint16, len(f))
	for i, b := range f {
		nums[i] = uint16(b)
	}
	return json.Marshal(nums)
}

// UnmarshalJSON accepts number arrays and base64/base58 strings.
func (f *BinaryField) UnmarshalJSON(raw []byte) error {
	if string(raw) == "null" {
		*f = nil
		return nil
	}

	if raw[0] == '[' {
		var nums []int
		if err := json.Unmarshal(raw, &nums); err != nil {
			return fmt.Errorf("binary field: %w", err)
		}
		out := make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return fmt.Errorf("binary field: value %d out of byte range", n)
			}
			out[i] = byte(n)
		}
		*f = out
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("binary field: %w", err)
	}

	// Base64 first (strict), then base58. The alphabets overlap, so a value
	// that decodes as valid base64 is taken as base64.
	if out, err := base64.StdEncoding.DecodeString(s); err == nil {
		*f = out
		return nil
	}

	out, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("binary field: not base64 or base58: %w", err)
	}
	*f = out
	return nil
}
