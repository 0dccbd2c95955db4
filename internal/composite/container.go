package composite

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type (
	ContainerFormat int

	// Segment is a contiguous byte range within a container.
	Segment struct {
		Offset int64
		Length int64
	}

	// Layout describes where the still image and the (optional) motion video
	// live inside a composite container.
	Layout struct {
		Format ContainerFormat
		Image  Segment
		Video  *Segment

		// Boxes is populated for HEIF containers only, and lists the top-level
		// ISO-BMFF boxes in file order.
		Boxes []Box
	}

	Box struct {
		Type   string
		Offset int64
		Size   int64
		Header int64
	}

	// parseError is the internal error type returned from container parsing. It
	// is converted to a media.MalformedContainerError (with the path attached)
	// by the unwrapper.
	parseError struct {
		reason string
	}

	directoryItem struct {
		Mime     string
		Semantic string
		Length   string
		Padding  string
	}

	xmpPacket struct {
		MotionPhoto      string
		MicroVideo       string
		MicroVideoOffset string
		Items            []directoryItem
	}
)

const (
	UnknownFormat ContainerFormat = iota
	MotionPhotoJPEG
	HEIF
)

const xmpNamespaceHeader = "http://ns.adobe.com/xap/1.0/\x00"

func (f ContainerFormat) String() string {
	switch f {
	case MotionPhotoJPEG:
		return "MOTION_PHOTO_JPEG"
	case HEIF:
		return "HEIF"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", int(f))
	}
}

func (e *parseError) Error() string { return e.reason }

func malformed(format string, args ...any) error {
	return &parseError{reason: fmt.Sprintf(format, args...)}
}

// DetectFormat inspects the leading bytes of a composite file to determine
// which container format it uses.
func DetectFormat(data []byte) ContainerFormat {
	if len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return MotionPhotoJPEG
	}
	if len(data) >= 12 && string(data[4:8]) == "ftyp" {
		return HEIF
	}

	return UnknownFormat
}

// Parse locates the image and video payloads of the composite container
// provided. A corrupt offset table results in an error.
func Parse(data []byte) (*Layout, error) {
	switch DetectFormat(data) {
	case MotionPhotoJPEG:
		return ParseMotionPhoto(data)
	case HEIF:
		return ParseHEIF(data)
	case UnknownFormat:
	}

	return nil, malformed("unrecognised composite container signature")
}

// ParseMotionPhoto parses a Motion Photo JPEG. The offset table is the XMP
// container directory, in which each item after the primary image declares
// it's length; items are stored back-to-back at the end of the file in
// directory order. The legacy 'MicroVideoOffset' form (distance of the video
// from the end of the file) is also supported.
func ParseMotionPhoto(data []byte) (*Layout, error) {
	xmpData, headerEnd, err := scanJPEGSegments(data)
	if err != nil {
		return nil, err
	}

	fileLen := int64(len(data))
	layout := &Layout{Format: MotionPhotoJPEG, Image: Segment{0, fileLen}}
	if xmpData == nil {
		return layout, nil
	}

	packet, err := parseXMP(xmpData)
	if err != nil {
		return nil, malformed("unreadable XMP packet: %v", err)
	}

	if packet.MotionPhoto == "0" || packet.MicroVideo == "0" {
		return layout, nil
	}

	switch {
	case len(packet.Items) > 0:
		return layoutFromDirectory(data, layout, packet.Items, headerEnd)
	case packet.MicroVideo == "1":
		offset, err := strconv.ParseInt(strings.TrimSpace(packet.MicroVideoOffset), 10, 64)
		if err != nil || offset <= 0 {
			return nil, malformed("invalid MicroVideoOffset %q", packet.MicroVideoOffset)
		}
		if offset > fileLen-headerEnd {
			return nil, malformed("MicroVideoOffset %d exceeds available payload (%d bytes)", offset, fileLen-headerEnd)
		}

		start := fileLen - offset
		if err := validateVideoStart(data, start); err != nil {
			return nil, err
		}

		layout.Image = Segment{0, start}
		layout.Video = &Segment{start, offset}
		return layout, nil
	}

	return layout, nil
}

func layoutFromDirectory(data []byte, layout *Layout, items []directoryItem, headerEnd int64) (*Layout, error) {
	fileLen := int64(len(data))

	// Secondary items are laid out contiguously at the end of the file, so the
	// offset of each is the file length minus the length of itself and every
	// item after it.
	lengths := make([]int64, len(items))
	var trailing int64
	for i := 1; i < len(items); i++ {
		length, err := strconv.ParseInt(strings.TrimSpace(items[i].Length), 10, 64)
		if err != nil || length <= 0 {
			return nil, malformed("directory item %d (%s) has invalid length %q", i, items[i].Mime, items[i].Length)
		}
		lengths[i] = length
		trailing += length
	}

	if trailing > fileLen-headerEnd {
		return nil, malformed("directory declares %d trailing bytes but only %d are available", trailing, fileLen-headerEnd)
	}

	var primaryPadding int64
	if p := strings.TrimSpace(items[0].Padding); p != "" {
		padding, err := strconv.ParseInt(p, 10, 64)
		if err != nil || padding < 0 {
			return nil, malformed("primary item has invalid padding %q", items[0].Padding)
		}
		primaryPadding = padding
	}

	imageEnd := fileLen - trailing - primaryPadding
	if imageEnd < headerEnd {
		return nil, malformed("primary image padding overlaps image headers")
	}
	layout.Image = Segment{0, imageEnd}

	offset := fileLen - trailing
	for i := 1; i < len(items); i++ {
		if isVideoItem(items[i]) {
			if err := validateVideoStart(data, offset); err != nil {
				return nil, err
			}

			layout.Video = &Segment{offset, lengths[i]}
			return layout, nil
		}
		offset += lengths[i]
	}

	return layout, nil
}

func isVideoItem(item directoryItem) bool {
	return strings.EqualFold(item.Semantic, "MotionPhoto") || strings.HasPrefix(strings.ToLower(item.Mime), "video/")
}

func validateVideoStart(data []byte, start int64) error {
	if start < 0 || start+8 > int64(len(data)) {
		return malformed("video offset %d lies outside of the file", start)
	}
	if string(data[start+4:start+8]) != "ftyp" {
		return malformed("video payload at offset %d does not begin with an ftyp box", start)
	}

	return nil
}

// scanJPEGSegments walks the JPEG marker segments up to the start of scan,
// returning the XMP packet (if any) and the offset at which the segment
// headers end.
func scanJPEGSegments(data []byte) ([]byte, int64, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, 0, malformed("missing JPEG SOI marker")
	}

	var xmp []byte
	pos := 2
	for {
		if pos+2 > len(data) {
			return nil, 0, malformed("JPEG segments end unexpectedly at offset %d", pos)
		}
		if data[pos] != 0xFF {
			return nil, 0, malformed("expected JPEG marker at offset %d", pos)
		}

		marker := data[pos+1]
		switch {
		case marker == 0xFF:
			pos++
			continue
		case marker == 0xD9 || marker == 0xDA:
			return xmp, int64(pos), nil
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			pos += 2
			continue
		}

		if pos+4 > len(data) {
			return nil, 0, malformed("truncated JPEG segment header at offset %d", pos)
		}
		segLen := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if segLen < 2 || pos+2+segLen > len(data) {
			return nil, 0, malformed("JPEG segment 0x%X at offset %d overruns file", marker, pos)
		}

		payload := data[pos+4 : pos+2+segLen]
		if marker == 0xE1 && xmp == nil && bytes.HasPrefix(payload, []byte(xmpNamespaceHeader)) {
			xmp = payload[len(xmpNamespaceHeader):]
		}

		pos += 2 + segLen
	}
}

// parseXMP extracts the motion photo attributes from an XMP packet. Values may
// be expressed as attributes (the common form) or as element text, both for
// the top-level camera fields and for the fields of each directory Item.
func parseXMP(data []byte) (*xmpPacket, error) {
	packet := &xmpPacket{}
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = false

	var (
		textTarget *string
		depth      int
		itemDepth  int
		current    = -1
	)
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return packet, nil
		} else if err != nil {
			return nil, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			depth++
			if t.Name.Local == "Item" && current < 0 {
				packet.Items = append(packet.Items, directoryItem{})
				current = len(packet.Items) - 1
				itemDepth = depth
			}

			textTarget = packet.fieldFor(t.Name.Local)
			for _, attr := range t.Attr {
				if target := packet.fieldFor(attr.Name.Local); target != nil {
					*target = attr.Value
				}
			}

			if current >= 0 {
				item := &packet.Items[current]
				if target := item.fieldFor(t.Name.Local); target != nil {
					textTarget = target
				}
				for _, attr := range t.Attr {
					if target := item.fieldFor(attr.Name.Local); target != nil {
						*target = attr.Value
					}
				}
			}
		case xml.CharData:
			if textTarget != nil {
				if v := strings.TrimSpace(string(t)); v != "" {
					*textTarget = v
				}
			}
		case xml.EndElement:
			if current >= 0 && depth == itemDepth {
				current = -1
			}
			depth--
			textTarget = nil
		}
	}
}

func (item *directoryItem) fieldFor(name string) *string {
	switch name {
	case "Mime":
		return &item.Mime
	case "Semantic":
		return &item.Semantic
	case "Length":
		return &item.Length
	case "Padding":
		return &item.Padding
	}

	return nil
}

func (p *xmpPacket) fieldFor(name string) *string {
	switch name {
	case "MotionPhoto":
		return &p.MotionPhoto
	case "MicroVideo":
		return &p.MicroVideo
	case "MicroVideoOffset":
		return &p.MicroVideoOffset
	}

	return nil
}

// ParseHEIF walks the top-level ISO-BMFF boxes of a HEIF container. Each box
// header declares it's size, forming the offset table of the file. An
// embedded motion clip is stored in a top-level 'mpvd' box.
func ParseHEIF(data []byte) (*Layout, error) {
	fileLen := int64(len(data))
	layout := &Layout{Format: HEIF, Image: Segment{0, fileLen}}

	var pos int64
	for pos < fileLen {
		if pos+8 > fileLen {
			return nil, malformed("truncated box header at offset %d", pos)
		}

		size := int64(binary.BigEndian.Uint32(data[pos : pos+4]))
		boxType := string(data[pos+4 : pos+8])
		header := int64(8)
		switch size {
		case 0:
			size = fileLen - pos
		case 1:
			if pos+16 > fileLen {
				return nil, malformed("truncated large box header for %q at offset %d", boxType, pos)
			}
			large := binary.BigEndian.Uint64(data[pos+8 : pos+16])
			if large > uint64(fileLen) {
				return nil, malformed("box %q at offset %d overruns file", boxType, pos)
			}
			size = int64(large)
			header = 16
		}

		if size < header || pos+size > fileLen {
			return nil, malformed("box %q at offset %d declares invalid size %d", boxType, pos, size)
		}
		if pos == 0 && boxType != "ftyp" {
			return nil, malformed("first box is %q, expected ftyp", boxType)
		}

		layout.Boxes = append(layout.Boxes, Box{Type: boxType, Offset: pos, Size: size, Header: header})
		if boxType == "mpvd" && layout.Video == nil {
			start := pos + header
			if err := validateVideoStart(data, start); err != nil {
				return nil, err
			}

			layout.Video = &Segment{start, size - header}
			if pos+size == fileLen {
				layout.Image = Segment{0, pos}
			}
		}

		pos += size
	}

	return layout, nil
}
