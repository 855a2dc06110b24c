package engine

import (
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/wippyai/nep-sign/errors"
)

// BuildID identifies a module image by content: a CIDv1 over the raw
// sha2-256 digest of the bytes.
func BuildID(image []byte) (string, error) {
	h, err := multihash.Sum(image, multihash.SHA2_256, -1)
	if err != nil {
		return "", errors.Load("hash module image", err)
	}
	return cid.NewCidV1(cid.Raw, h).String(), nil
}

// MangledName returns the JNI export symbol of a native method. The long
// form appends the mangled argument descriptor, used for overloads.
func MangledName(class, name, desc string, long bool) string {
	var b strings.Builder
	b.WriteString("Java_")
	mangleInto(&b, class)
	b.WriteByte('_')
	mangleInto(&b, name)
	if long {
		args := desc
		if i := strings.IndexByte(args, ')'); i >= 0 {
			args = args[:i]
		}
		args = strings.TrimPrefix(args, "(")
		b.WriteString("__")
		mangleInto(&b, args)
	}
	return b.String()
}

func mangleInto(b *strings.Builder, s string) {
	const hex = "0123456789abcdef"
	for _, r := range s {
		switch {
		case r == '/':
			b.WriteByte('_')
		case r == '_':
			b.WriteString("_1")
		case r == ';':
			b.WriteString("_2")
		case r == '[':
			b.WriteString("_3")
		case r < 0x80 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteString("_0")
			for shift := 12; shift >= 0; shift -= 4 {
				b.WriteByte(hex[(r>>shift)&0xf])
			}
		}
	}
}
