package neofs

import (
	"bytes"
	"encoding/binary"

	"github.com/neoflashfs/neoflash/flashdev"
	"github.com/neoflashfs/neoflash/tagcodec"
	"golang.org/x/xerrors"
)

// NoAddr marks an unset/terminal page or forwarding address.
const NoAddr uint32 = 0xFFFFFFFF

// pageHeader is the fixed 10-byte header at the start of every page:
// tag (1), size (1), next_page_addr (4, little-endian), this_page_fwd_addr
// (4, little-endian). binary.Read/Write encode it field by field in
// declaration order, so this struct's Go memory layout (which would pad
// after the two leading bytes) never matters — only the wire order does,
// exactly as internal/squashfs reads its superblock and inode headers.
type pageHeader struct {
	Tag             byte
	Size            byte
	NextPageAddr    uint32
	ThisPageFwdAddr uint32
}

const pageHeaderSize = 1 + 1 + 4 + 4

func readPageHeader(dev flashdev.Device, addr uint32) (pageHeader, error) {
	buf := make([]byte, pageHeaderSize)
	if _, err := dev.ReadAt(buf, int64(addr)); err != nil {
		return pageHeader{}, xerrors.Errorf("neofs: read page header at %#x: %w", addr, err)
	}
	var h pageHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return pageHeader{}, xerrors.Errorf("neofs: decode page header at %#x: %w", addr, err)
	}
	return h, nil
}

func (h pageHeader) bytes() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func writeTag(dev flashdev.Device, addr uint32, tag byte) error {
	if _, err := dev.WriteAt([]byte{tag}, int64(addr)); err != nil {
		return xerrors.Errorf("neofs: write tag at %#x: %w", addr, err)
	}
	return nil
}

func writeSize(dev flashdev.Device, addr uint32, size byte) error {
	if _, err := dev.WriteAt([]byte{size}, int64(addr)+1); err != nil {
		return xerrors.Errorf("neofs: write size at %#x: %w", addr, err)
	}
	return nil
}

func writeNextPageAddr(dev flashdev.Device, addr, next uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], next)
	if _, err := dev.WriteAt(buf[:], int64(addr)+2); err != nil {
		return xerrors.Errorf("neofs: write next-page addr at %#x: %w", addr, err)
	}
	return nil
}

func writeFwdAddr(dev flashdev.Device, addr, fwd uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], fwd)
	if _, err := dev.WriteAt(buf[:], int64(addr)+6); err != nil {
		return xerrors.Errorf("neofs: write forwarding addr at %#x: %w", addr, err)
	}
	return nil
}

func readTag(dev flashdev.Device, addr uint32) (byte, error) {
	var b [1]byte
	if _, err := dev.ReadAt(b[:], int64(addr)); err != nil {
		return 0, xerrors.Errorf("neofs: read tag at %#x: %w", addr, err)
	}
	return b[0], nil
}

func isPageType(tag, want byte) bool {
	return tag&tagcodec.PageTypeMask == want
}
