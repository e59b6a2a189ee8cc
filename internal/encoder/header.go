package encoder

import "bytes"

// Ogg page framing constants.
const (
	oggMagicLen      = 4  // "OggS"
	oggFixedHeader   = 27 // bytes before the segment table
	oggSegCountIndex = 26
)

var oggMagic = []byte("OggS")

// opusTags marks the first packet of the comment header page. The page that
// carries it is the last page of the stream's fixed header region: an
// Ogg/Opus stream opens with an OpusHead identification page followed by an
// OpusTags comment page, and audio pages begin immediately after.
var opusTags = []byte("OpusTags")

// ScanHeaderBoundary walks Ogg pages in buf from offset zero and reports the
// byte offset just past the page whose body begins with "OpusTags" — the end
// of the container's fixed header region. It is a pure function over the
// buffer: ok is false when the boundary has not been seen yet, either because
// more data is needed or because the buffer does not parse as Ogg pages at
// all (callers bound the capture with a hard byte cap for that case).
func ScanHeaderBoundary(buf []byte) (n int, ok bool) {
	off := 0
	for {
		// A page header is at least 27 bytes plus the segment table.
		if len(buf)-off < oggFixedHeader {
			return 0, false
		}
		if !bytes.Equal(buf[off:off+oggMagicLen], oggMagic) {
			return 0, false
		}

		segCount := int(buf[off+oggSegCountIndex])
		bodyStart := off + oggFixedHeader + segCount
		if len(buf) < bodyStart {
			return 0, false
		}

		bodyLen := 0
		for _, lace := range buf[off+oggFixedHeader : bodyStart] {
			bodyLen += int(lace)
		}
		pageEnd := bodyStart + bodyLen
		if len(buf) < pageEnd {
			return 0, false
		}

		if bytes.HasPrefix(buf[bodyStart:pageEnd], opusTags) {
			return pageEnd, true
		}
		off = pageEnd
	}
}
